package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// validStrategyTransitions enumerates the allowed status edges. Nothing
// skips backtested; active and paused flip freely.
var validStrategyTransitions = map[string][]string{
	StrategyStatusDraft:      {StrategyStatusBacktested, StrategyStatusArchived},
	StrategyStatusBacktested: {StrategyStatusPaper, StrategyStatusArchived},
	StrategyStatusPaper:      {StrategyStatusActive, StrategyStatusArchived},
	StrategyStatusActive:     {StrategyStatusPaused, StrategyStatusArchived},
	StrategyStatusPaused:     {StrategyStatusActive, StrategyStatusArchived},
}

// ValidStrategyTransition reports whether from -> to is an allowed edge.
func ValidStrategyTransition(from, to string) bool {
	for _, t := range validStrategyTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CreateStrategy inserts a new strategy in draft status.
func (r *Repository) CreateStrategy(ctx context.Context, s *Strategy) error {
	params, _ := json.Marshal(s.Parameters)
	entry, _ := json.Marshal(s.EntryConditions)
	exit, _ := json.Marshal(s.ExitConditions)
	if s.Status == "" {
		s.Status = StrategyStatusDraft
	}
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO strategies (name, type, symbol, interval, parameters, entry_conditions,
			exit_conditions, stop_loss_pct, take_profit_pct, position_size_pct, status,
			version, parent_strategy_id, generation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`, s.Name, s.Type, s.Symbol, s.Interval, params, entry, exit,
		s.StopLossPct, s.TakeProfitPct, s.PositionSizePct, s.Status,
		s.Version, s.ParentStrategyID, s.Generation,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

const strategyColumns = `
	id, name, type, symbol, interval, parameters, entry_conditions, exit_conditions,
	stop_loss_pct, take_profit_pct, position_size_pct, status, version,
	parent_strategy_id, generation, archive_reason, created_at, updated_at`

func scanStrategy(row pgx.Row) (*Strategy, error) {
	s := &Strategy{}
	var params, entry, exit []byte
	err := row.Scan(
		&s.ID, &s.Name, &s.Type, &s.Symbol, &s.Interval, &params, &entry, &exit,
		&s.StopLossPct, &s.TakeProfitPct, &s.PositionSizePct, &s.Status, &s.Version,
		&s.ParentStrategyID, &s.Generation, &s.ArchiveReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	json.Unmarshal(params, &s.Parameters)
	json.Unmarshal(entry, &s.EntryConditions)
	json.Unmarshal(exit, &s.ExitConditions)
	return s, nil
}

// GetStrategy retrieves one strategy by id.
func (r *Repository) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT`+strategyColumns+` FROM strategies WHERE id = $1`, id)
	return scanStrategy(row)
}

// ListStrategiesByStatus returns strategies in a given status, newest first.
func (r *Repository) ListStrategiesByStatus(ctx context.Context, status string, limit int) ([]*Strategy, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT`+strategyColumns+` FROM strategies
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrategies(rows)
}

// ListNonArchivedStrategies returns everything still in the lifecycle.
func (r *Repository) ListNonArchivedStrategies(ctx context.Context) ([]*Strategy, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT`+strategyColumns+` FROM strategies
		WHERE status <> $1 ORDER BY id
	`, StrategyStatusArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrategies(rows)
}

func collectStrategies(rows pgx.Rows) ([]*Strategy, error) {
	var out []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TransitionStrategy atomically moves a strategy along the lifecycle,
// validating the edge against its current status.
func (r *Repository) TransitionStrategy(ctx context.Context, id int64, to string, reason string) error {
	return r.transitionStrategy(ctx, r.db.Pool, id, to, reason)
}

// TransitionStrategyTx is the in-transaction variant used by the
// activation diff under the advisory lock.
func (r *Repository) TransitionStrategyTx(ctx context.Context, tx pgx.Tx, id int64, to string, reason string) error {
	return r.transitionStrategy(ctx, tx, id, to, reason)
}

func (r *Repository) transitionStrategy(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id int64, to string, reason string) error {
	var from string
	if err := q.QueryRow(ctx, `SELECT status FROM strategies WHERE id = $1 FOR UPDATE`, id).Scan(&from); err != nil {
		return fmt.Errorf("load strategy %d: %w", id, err)
	}
	if from == to {
		return nil
	}
	if !ValidStrategyTransition(from, to) {
		return fmt.Errorf("%w: strategy %d %s -> %s", ErrInvalidTransition, id, from, to)
	}

	var archiveReason *string
	if to == StrategyStatusArchived && reason != "" {
		archiveReason = &reason
	}
	var updated int64
	err := q.QueryRow(ctx, `
		UPDATE strategies
		SET status = $2, archive_reason = COALESCE($3, archive_reason), updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING id
	`, id, to, archiveReason, from).Scan(&updated)
	if err != nil {
		return fmt.Errorf("transition strategy %d: %w", id, err)
	}
	return nil
}

// ActiveStrategyIDs returns the ids of all active strategies.
func (r *Repository) ActiveStrategyIDs(ctx context.Context, tx pgx.Tx) ([]int64, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM strategies WHERE status = $1 ORDER BY id`, StrategyStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountActiveStrategies returns the number of active strategies.
func (r *Repository) CountActiveStrategies(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM strategies WHERE status = $1`, StrategyStatusActive).Scan(&n)
	return n, err
}

// MaxGeneration returns the highest generation among non-archived
// strategies, zero when none exist.
func (r *Repository) MaxGeneration(ctx context.Context) (int, error) {
	var gen int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(generation), 0) FROM strategies WHERE status <> $1
	`, StrategyStatusArchived).Scan(&gen)
	return gen, err
}

// LastStrategyFlip returns when the strategy last crossed active/paused,
// read from the activation log. Zero time when never.
func (r *Repository) LastStrategyFlip(ctx context.Context, tx pgx.Tx, id int64) (time.Time, error) {
	var at time.Time
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(created_at), 'epoch'::timestamptz)
		FROM strategy_activation_log
		WHERE activated @> to_jsonb(ARRAY[$1::bigint]) OR deactivated @> to_jsonb(ARRAY[$1::bigint])
	`, id).Scan(&at)
	return at, err
}
