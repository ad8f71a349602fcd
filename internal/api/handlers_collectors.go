package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListCollectors(c *gin.Context) {
	if s.collectors == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "collector cluster runs in another process")
		return
	}
	c.JSON(http.StatusOK, gin.H{"collectors": s.collectors.States()})
}

func (s *Server) handleCollectorCosts(c *gin.Context) {
	if s.collectors == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "collector cluster runs in another process")
		return
	}
	c.JSON(http.StatusOK, gin.H{"costs": s.collectors.Costs()})
}

func (s *Server) handleEnableCollector(c *gin.Context) {
	if s.collectors == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "collector cluster runs in another process")
		return
	}
	name := c.Param("name")
	if err := s.collectors.Enable(c.Request.Context(), name); err != nil {
		apiError(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"collector": name, "enabled": true})
}

func (s *Server) handleDisableCollector(c *gin.Context) {
	if s.collectors == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "collector cluster runs in another process")
		return
	}
	name := c.Param("name")
	if err := s.collectors.Disable(name); err != nil {
		apiError(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"collector": name, "enabled": false})
}

func (s *Server) handleRestartCollector(c *gin.Context) {
	if s.collectors == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "collector cluster runs in another process")
		return
	}
	name := c.Param("name")
	if err := s.collectors.Restart(c.Request.Context(), name); err != nil {
		apiError(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"collector": name, "restarted": true})
}

func (s *Server) handleSetCollectorRateLimit(c *gin.Context) {
	if s.collectors == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "collector cluster runs in another process")
		return
	}
	var req struct {
		Endpoint  string  `json:"endpoint" binding:"required"`
		PerSecond float64 `json:"per_second" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	name := c.Param("name")
	if err := s.collectors.SetRateLimit(name, req.Endpoint, req.PerSecond); err != nil {
		apiError(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"collector": name, "endpoint": req.Endpoint, "per_second": req.PerSecond})
}

func (s *Server) handleResetCollectorBreaker(c *gin.Context) {
	if s.collectors == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "collector cluster runs in another process")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual reset"
	}
	name := c.Param("name")
	if err := s.collectors.ResetBreaker(name, c.GetString("actor"), req.Reason); err != nil {
		apiError(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"collector": name, "breaker": "closed"})
}
