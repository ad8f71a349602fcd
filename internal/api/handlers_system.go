package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mastertrade/core/internal/fabric"
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.repo.HealthCheck(ctx) == nil
	cacheOK := s.cache.IsHealthy()
	busOK := s.bus.IsConnected()

	status := "ok"
	code := http.StatusOK
	if !dbOK || !busOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":         status,
		"database":       dbOK,
		"cache":          cacheOK,
		"broker":         busOK,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	depths := map[string]int{}
	for _, q := range []string{fabric.QueueSignals, fabric.QueueOrderRequests, fabric.QueueAlerts, fabric.QueueDLQ} {
		if depth, err := s.bus.QueueDepth(q); err == nil {
			depths[q] = depth
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		"goroutines":       runtime.NumGoroutine(),
		"heap_alloc_bytes": mem.HeapAlloc,
		"gc_runs":          mem.NumGC,
		"ws_clients":       s.hub.ClientCount(),
		"cache":            s.cache.Stats(),
		"queue_depths":     depths,
	})
}
