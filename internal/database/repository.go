package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrServiceUnavailable is returned by mutating accessors when the store
// stays unreachable after a retry.
var ErrServiceUnavailable = errors.New("store unavailable")

// ErrInvalidTransition is returned when a strategy or order status change
// would leave the allowed transition diagram.
var ErrInvalidTransition = errors.New("invalid status transition")

// Repository provides typed data access over the store.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over an open pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the store.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// WithActivationLock runs fn inside a transaction holding the advisory
// lock that serializes mutations of the active strategy set.
func (r *Repository) WithActivationLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin activation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('strategy.activation'))`); err != nil {
		return fmt.Errorf("acquire activation lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClaimScheduledJob atomically claims a scheduled-job slot if it has not
// fired within minInterval. Returns false when another replica already ran
// it. Claims use FOR UPDATE SKIP LOCKED so replicas never queue.
func (r *Repository) ClaimScheduledJob(ctx context.Context, name, runner string, minInterval time.Duration) (bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastRun *time.Time
	err = tx.QueryRow(ctx, `
		SELECT last_run_at FROM scheduled_jobs
		WHERE name = $1
		FOR UPDATE SKIP LOCKED
	`, name).Scan(&lastRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row locked by another replica or missing.
			return false, nil
		}
		return false, fmt.Errorf("claim %s: %w", name, err)
	}

	if lastRun != nil && time.Since(*lastRun) < minInterval {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE scheduled_jobs SET last_run_at = NOW(), last_run_by = $2
		WHERE name = $1
	`, name, runner); err != nil {
		return false, fmt.Errorf("mark %s: %w", name, err)
	}
	return true, tx.Commit(ctx)
}

// RecordAudit writes one api_audit_log row.
func (r *Repository) RecordAudit(ctx context.Context, row *APIAuditRow) error {
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO api_audit_log (actor, method, path, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, row.Actor, row.Method, row.Path, payload, row.Status).Scan(&row.ID, &row.CreatedAt)
}

// RecordActivationLog writes one strategy_activation_log row.
func (r *Repository) RecordActivationLog(ctx context.Context, tx pgx.Tx, row *ActivationLogRow) error {
	before, _ := json.Marshal(row.ActiveBefore)
	after, _ := json.Marshal(row.ActiveAfter)
	activated, _ := json.Marshal(row.Activated)
	deactivated, _ := json.Marshal(row.Deactivated)
	return tx.QueryRow(ctx, `
		INSERT INTO strategy_activation_log (active_before, active_after, activated, deactivated, trigger)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, before, after, activated, deactivated, row.Trigger).Scan(&row.ID, &row.CreatedAt)
}

// RecordCollectorRun archives one collector health cycle.
func (r *Repository) RecordCollectorRun(ctx context.Context, collector, status string, latency time.Duration, records int, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO collector_runs (collector, status, latency_ms, records_collected, error_message)
		VALUES ($1, $2, $3, $4, $5)
	`, collector, status, latency.Milliseconds(), records, msg)
	return err
}
