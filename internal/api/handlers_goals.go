package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/database"
)

var goalTypes = map[string]bool{
	database.GoalMonthlyReturnPct:   true,
	database.GoalMonthlyProfitUSD:   true,
	database.GoalPortfolioTargetUSD: true,
}

func (s *Server) handleGoalStatus(c *gin.Context) {
	if s.goals == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "risk cluster runs in another process")
		return
	}
	status, err := s.goals.Status(c.Request.Context())
	if err != nil {
		apiError(c, http.StatusInternalServerError, "goal_status_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleGoalHistory(c *gin.Context) {
	goalType := c.Param("type")
	if !goalTypes[goalType] {
		apiError(c, http.StatusBadRequest, "bad_request", "unknown goal type "+goalType)
		return
	}
	days := queryInt(c, "days", 90)
	since := time.Now().UTC().AddDate(0, 0, -days)

	history, err := s.repo.GoalProgressHistory(c.Request.Context(), goalType, since, queryInt(c, "limit", 500))
	if err != nil {
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"goal_type": goalType, "since": since, "history": history})
}

func (s *Server) handleSetGoalTarget(c *gin.Context) {
	var req struct {
		GoalType    string  `json:"goal_type" binding:"required"`
		TargetValue float64 `json:"target_value" binding:"required,gt=0"`
		Priority    int     `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if !goalTypes[req.GoalType] {
		apiError(c, http.StatusBadRequest, "bad_request", "unknown goal type "+req.GoalType)
		return
	}
	if req.Priority <= 0 {
		req.Priority = 1
	}

	goal := &database.FinancialGoal{
		GoalType:    req.GoalType,
		TargetValue: req.TargetValue,
		Priority:    req.Priority,
		Status:      "active",
	}
	if err := s.repo.UpsertGoal(c.Request.Context(), goal); err != nil {
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	// New targets invalidate the cached assessment.
	if err := s.cache.Delete(c.Request.Context(), cache.GoalStatusKey()); err != nil {
		s.logger.Warn().Err(err).Msg("goal status cache invalidation failed")
	}
	c.JSON(http.StatusOK, goal)
}

func (s *Server) handleRecordProfit(c *gin.Context) {
	var req struct {
		Environment string  `json:"environment" binding:"required"`
		AmountUSD   float64 `json:"amount_usd" binding:"required"`
		Note        string  `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Environment != database.EnvironmentPaper && req.Environment != database.EnvironmentLive {
		apiError(c, http.StatusBadRequest, "bad_request", "environment must be paper or live")
		return
	}

	adj := &database.ProfitAdjustment{
		Environment: req.Environment,
		AmountUSD:   req.AmountUSD,
		CreatedBy:   c.GetString("actor"),
	}
	if req.Note != "" {
		adj.Note = &req.Note
	}
	if err := s.repo.RecordProfitAdjustment(c.Request.Context(), adj); err != nil {
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if err := s.cache.Delete(c.Request.Context(), cache.GoalStatusKey()); err != nil {
		s.logger.Warn().Err(err).Msg("goal status cache invalidation failed")
	}
	c.JSON(http.StatusCreated, adj)
}
