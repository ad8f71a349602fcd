package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/mastertrade/core/internal/database"
)

func (s *Server) handleListAlerts(c *gin.Context) {
	alerts, err := s.repo.ListAlerts(c.Request.Context(), c.Query("status"), queryInt(c, "limit", 100))
	if err != nil {
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// handleAcknowledgeAlert is idempotent: acking an already-acked alert
// reports changed=false with 200.
func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	changed, err := s.repo.AcknowledgeAlert(c.Request.Context(), id, c.GetString("actor"))
	if err != nil {
		s.alertError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": database.AlertStatusAcknowledged, "changed": changed})
}

func (s *Server) handleResolveAlert(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	changed, err := s.repo.ResolveAlert(c.Request.Context(), id)
	if err != nil {
		s.alertError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": database.AlertStatusResolved, "changed": changed})
}

// handleSnoozeAlert suppresses future alerts matching this alert's type
// and entity until the given deadline.
func (s *Server) handleSnoozeAlert(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	until, err := snoozeDeadline(c)
	if err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	alert, err := s.repo.GetAlert(c.Request.Context(), id)
	if err != nil {
		s.alertError(c, id, err)
		return
	}

	reason := "snoozed via API"
	suppression := &database.AlertSuppression{
		AlertType:       alert.Type,
		EntityType:      alert.EntityType,
		EntityID:        alert.EntityID,
		SuppressedUntil: until,
		Reason:          &reason,
		CreatedBy:       c.GetString("actor"),
	}
	if err := s.repo.CreateSuppression(c.Request.Context(), suppression); err != nil {
		apiError(c, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, suppression)
}

// snoozeDeadline reads ?until= as RFC3339 or a Go duration; the body
// field until is the fallback.
func snoozeDeadline(c *gin.Context) (time.Time, error) {
	raw := c.Query("until")
	if raw == "" {
		var body struct {
			Until string `json:"until"`
		}
		_ = c.ShouldBindJSON(&body)
		raw = body.Until
	}
	if raw == "" {
		return time.Time{}, errors.New("until is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		if t.Before(time.Now()) {
			return time.Time{}, errors.New("until must be in the future")
		}
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return time.Now().UTC().Add(d), nil
	}
	return time.Time{}, errors.New("until must be RFC3339 or a duration like 2h")
}

func (s *Server) alertError(c *gin.Context, id int64, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		apiError(c, http.StatusNotFound, "not_found", "alert not found")
		return
	}
	apiError(c, http.StatusInternalServerError, "db_error", err.Error())
}
