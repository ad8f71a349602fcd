package database

import (
	"context"
	"encoding/json"
	"time"
)

// UpsertGoal creates or updates the active goal of a type. The partial
// unique index keeps one active goal per goal_type.
func (r *Repository) UpsertGoal(ctx context.Context, g *FinancialGoal) error {
	if g.Status == "" {
		g.Status = "active"
	}
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO financial_goals (goal_type, target_value, priority, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (goal_type) WHERE status = 'active' DO UPDATE SET
			target_value = EXCLUDED.target_value,
			priority = EXCLUDED.priority,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, g.GoalType, g.TargetValue, g.Priority, g.Status).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
}

// ActiveGoals returns all active financial goals ordered by priority.
func (r *Repository) ActiveGoals(ctx context.Context) ([]*FinancialGoal, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, goal_type, target_value, priority, status, created_at, updated_at
		FROM financial_goals
		WHERE status = 'active'
		ORDER BY priority
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FinancialGoal
	for rows.Next() {
		g := &FinancialGoal{}
		if err := rows.Scan(&g.ID, &g.GoalType, &g.TargetValue, &g.Priority, &g.Status, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// RecordGoalProgress appends one point to the per-goal progress series.
func (r *Repository) RecordGoalProgress(ctx context.Context, p *GoalProgress) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO goal_progress (goal_id, goal_type, current_value, target_value, progress_pct, gap, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, recorded_at
	`, p.GoalID, p.GoalType, p.Current, p.Target, p.ProgressPct, p.Gap, p.Status).Scan(&p.ID, &p.RecordedAt)
}

// LatestGoalProgress returns the newest progress row per goal type.
func (r *Repository) LatestGoalProgress(ctx context.Context) (map[string]*GoalProgress, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (goal_type)
		       id, goal_id, goal_type, current_value, target_value, progress_pct, gap, status, recorded_at
		FROM goal_progress
		ORDER BY goal_type, recorded_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*GoalProgress)
	for rows.Next() {
		p := &GoalProgress{}
		if err := rows.Scan(&p.ID, &p.GoalID, &p.GoalType, &p.Current, &p.Target, &p.ProgressPct, &p.Gap, &p.Status, &p.RecordedAt); err != nil {
			return nil, err
		}
		out[p.GoalType] = p
	}
	return out, rows.Err()
}

// GoalProgressHistory returns the progress series for one goal type.
func (r *Repository) GoalProgressHistory(ctx context.Context, goalType string, since time.Time, limit int) ([]*GoalProgress, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, goal_id, goal_type, current_value, target_value, progress_pct, gap, status, recorded_at
		FROM goal_progress
		WHERE goal_type = $1 AND recorded_at >= $2
		ORDER BY recorded_at DESC
		LIMIT $3
	`, goalType, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GoalProgress
	for rows.Next() {
		p := &GoalProgress{}
		if err := rows.Scan(&p.ID, &p.GoalID, &p.GoalType, &p.Current, &p.Target, &p.ProgressPct, &p.Gap, &p.Status, &p.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordProfitAdjustment persists one manual realized-PnL correction.
func (r *Repository) RecordProfitAdjustment(ctx context.Context, a *ProfitAdjustment) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO profit_adjustments (environment, amount_usd, note, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, a.Environment, a.AmountUSD, a.Note, a.CreatedBy).Scan(&a.ID, &a.CreatedAt)
}

// SumProfitAdjustments totals manual adjustments for one environment.
func (r *Repository) SumProfitAdjustments(ctx context.Context, environment string) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0) FROM profit_adjustments WHERE environment = $1
	`, environment).Scan(&total)
	return total, err
}

// RecordDrawdownBreach persists one drawdown-limit breach.
func (r *Repository) RecordDrawdownBreach(ctx context.Context, b *DrawdownBreach) error {
	actions, _ := json.Marshal(b.Actions)
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO drawdown_breaches (environment, peak_value, current_value, drawdown_pct, limit_pct, actions)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, b.Environment, b.PeakValue, b.CurrentValue, b.DrawdownPct, b.LimitPct, actions).Scan(&b.ID, &b.CreatedAt)
}
