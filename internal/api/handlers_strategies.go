package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/mastertrade/core/internal/database"
)

func (s *Server) handleListStrategies(c *gin.Context) {
	var (
		strategies []*database.Strategy
		err        error
	)
	if status := c.Query("status"); status != "" {
		strategies, err = s.repo.ListStrategiesByStatus(c.Request.Context(), status, queryInt(c, "limit", 200))
	} else {
		strategies, err = s.repo.ListNonArchivedStrategies(c.Request.Context())
	}
	if err != nil {
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": strategies, "count": len(strategies)})
}

func (s *Server) handlePauseStrategy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	reason := fmt.Sprintf("paused via API by %s", c.GetString("actor"))
	if err := s.repo.TransitionStrategy(c.Request.Context(), id, database.StrategyStatusPaused, reason); err != nil {
		s.strategyTransitionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": database.StrategyStatusPaused})
}

func (s *Server) handleResumeStrategy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	active, err := s.repo.CountActiveStrategies(c.Request.Context())
	if err != nil {
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if active >= s.cfg.Strategy.MaxActive {
		apiError(c, http.StatusConflict, "cap_reached",
			fmt.Sprintf("active strategy cap %d reached", s.cfg.Strategy.MaxActive))
		return
	}

	reason := fmt.Sprintf("resumed via API by %s", c.GetString("actor"))
	if err := s.repo.TransitionStrategy(c.Request.Context(), id, database.StrategyStatusActive, reason); err != nil {
		s.strategyTransitionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": database.StrategyStatusActive})
}

// handleGenerateStrategies kicks off one generation + backtest drain in
// the background and answers 202 immediately.
func (s *Server) handleGenerateStrategies(c *gin.Context) {
	if s.engine == nil {
		apiError(c, http.StatusServiceUnavailable, "cluster_remote", "orchestrator runs in another process")
		return
	}

	actor := c.GetString("actor")
	go func() {
		ctx := context.Background()
		if err := s.engine.RunGeneration(ctx); err != nil {
			s.logger.Error().Err(err).Str("actor", actor).Msg("manual generation failed")
			return
		}
		if err := s.engine.DrainBacktests(ctx); err != nil {
			s.logger.Error().Err(err).Str("actor", actor).Msg("manual backtest drain failed")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "generation started"})
}

func (s *Server) strategyTransitionError(c *gin.Context, id int64, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		apiError(c, http.StatusNotFound, "not_found", fmt.Sprintf("strategy %d not found", id))
	case errors.Is(err, database.ErrInvalidTransition):
		apiError(c, http.StatusConflict, "invalid_transition", err.Error())
	default:
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		apiError(c, http.StatusBadRequest, "bad_request", "invalid id")
		return 0, false
	}
	return id, true
}
