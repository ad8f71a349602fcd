package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleRecentSignals(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		apiError(c, http.StatusBadRequest, "bad_request", "symbol query parameter is required")
		return
	}
	hours := queryInt(c, "hours", 24)
	limit := queryInt(c, "limit", 100)

	now := time.Now().UTC()
	signals, err := s.cache.RecentSignals(c.Request.Context(), symbol, now.Add(-time.Duration(hours)*time.Hour), now, limit)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "cache_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "signals": signals})
}

func (s *Server) handleSignalStats(c *gin.Context) {
	hours := queryInt(c, "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	stats, err := s.repo.SignalStats(c.Request.Context(), since)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "stats": stats})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
