package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateAlert persists a new alert in active status.
func (r *Repository) CreateAlert(ctx context.Context, a *Alert) error {
	if a.Status == "" {
		a.Status = AlertStatusActive
	}
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO alerts (type, severity, title, message, entity_type, entity_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, a.Type, a.Severity, a.Title, a.Message, a.EntityType, a.EntityID, a.Status).Scan(&a.ID, &a.CreatedAt)
}

const alertColumns = `
	id, type, severity, title, message, entity_type, entity_id, status,
	acked_by, acked_at, resolved_at, created_at`

func scanAlert(row pgx.Row) (*Alert, error) {
	a := &Alert{}
	err := row.Scan(
		&a.ID, &a.Type, &a.Severity, &a.Title, &a.Message, &a.EntityType, &a.EntityID,
		&a.Status, &a.AckedBy, &a.AckedAt, &a.ResolvedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAlert retrieves one alert by id.
func (r *Repository) GetAlert(ctx context.Context, id int64) (*Alert, error) {
	return scanAlert(r.db.Pool.QueryRow(ctx, `SELECT`+alertColumns+` FROM alerts WHERE id = $1`, id))
}

// ListAlerts returns alerts filtered by status (empty for all), newest first.
func (r *Repository) ListAlerts(ctx context.Context, status string, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT`+alertColumns+` FROM alerts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging an already
// acknowledged alert is a no-op; changed reports whether the row moved.
func (r *Repository) AcknowledgeAlert(ctx context.Context, id int64, actor string) (changed bool, err error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE alerts
		SET status = $2, acked_by = $3, acked_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, AlertStatusAcknowledged, actor, AlertStatusActive)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveAlert marks an alert resolved from any non-resolved status.
func (r *Repository) ResolveAlert(ctx context.Context, id int64) (changed bool, err error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE alerts
		SET status = $2, resolved_at = NOW()
		WHERE id = $1 AND status <> $2
	`, id, AlertStatusResolved)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordAlertDelivery writes one alert_history row for a delivery attempt.
func (r *Repository) RecordAlertDelivery(ctx context.Context, d *AlertDelivery) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO alert_history (alert_id, channel, attempt, success, error)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, d.AlertID, d.Channel, d.Attempt, d.Success, d.Error).Scan(&d.ID, &d.CreatedAt)
}

// CreateSuppression inserts an alert suppression rule.
func (r *Repository) CreateSuppression(ctx context.Context, s *AlertSuppression) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO alert_suppressions (alert_type, entity_type, entity_id, suppressed_until, reason, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, s.AlertType, s.EntityType, s.EntityID, s.SuppressedUntil, s.Reason, s.CreatedBy).Scan(&s.ID, &s.CreatedAt)
}

// ActiveSuppressions returns suppression rules whose deadline is in the
// future.
func (r *Repository) ActiveSuppressions(ctx context.Context, now time.Time) ([]*AlertSuppression, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, alert_type, entity_type, entity_id, suppressed_until, reason, created_by, created_at
		FROM alert_suppressions
		WHERE suppressed_until > $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertSuppression
	for rows.Next() {
		s := &AlertSuppression{}
		if err := rows.Scan(&s.ID, &s.AlertType, &s.EntityType, &s.EntityID, &s.SuppressedUntil, &s.Reason, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
