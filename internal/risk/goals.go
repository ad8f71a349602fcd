// Package risk sits between strategy signal emission and order execution:
// goal tracking, drawdown protection, and position sizing.
package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

// Stances, ordered from most to least aggressive.
const (
	StanceAggressive         = "aggressive"
	StanceModerateAggressive = "moderate_aggressive"
	StanceBalanced           = "balanced"
	StanceSlightConservative = "slight_conservative"
	StanceConservative       = "conservative"
)

// Goal-progress bands relative to the month-elapsed expectation.
const (
	bandBehind    = 0.70
	bandAtRisk    = 0.85
	bandAhead     = 1.10
	preservationK = 0.9 // portfolio progress past 90% of target
)

// Status is the cached multi-goal assessment consumed by activation
// scoring and position sizing.
type Status struct {
	SizingFactor     float64                          `json:"sizing_factor"`     // [0.5, 1.3]
	ActivationFactor float64                          `json:"activation_factor"` // [0.7, 1.3]
	Stance           string                           `json:"stance"`
	Preservation     bool                             `json:"preservation"`
	Goals            map[string]*database.GoalProgress `json:"goals"`
	ComputedAt       time.Time                        `json:"computed_at"`
}

// GoalTracker maintains financial goals, their daily progress snapshots,
// and the derived adjustment factors.
type GoalTracker struct {
	cfg    config.GoalsConfig
	repo   *database.Repository
	cache  *cache.Service
	bus    *fabric.Fabric
	logger zerolog.Logger
	now    func() time.Time
}

// NewGoalTracker builds a tracker.
func NewGoalTracker(cfg config.GoalsConfig, repo *database.Repository, cacheSvc *cache.Service, bus *fabric.Fabric, logger zerolog.Logger) *GoalTracker {
	return &GoalTracker{
		cfg:    cfg,
		repo:   repo,
		cache:  cacheSvc,
		bus:    bus,
		logger: logger.With().Str("component", "goals").Logger(),
		now:    time.Now,
	}
}

// EnsureDefaults upserts the configured goals so a fresh deployment has
// one active goal per type.
func (t *GoalTracker) EnsureDefaults(ctx context.Context) error {
	defaults := []database.FinancialGoal{
		{GoalType: database.GoalMonthlyReturnPct, TargetValue: t.cfg.MonthlyReturnTargetPct, Priority: 1, Status: "active"},
		{GoalType: database.GoalMonthlyProfitUSD, TargetValue: t.cfg.MonthlyProfitTargetUSD, Priority: 2, Status: "active"},
		{GoalType: database.GoalPortfolioTargetUSD, TargetValue: t.cfg.PortfolioTargetUSD, Priority: 3, Status: "active"},
	}
	for i := range defaults {
		if err := t.repo.UpsertGoal(ctx, &defaults[i]); err != nil {
			return err
		}
	}
	return nil
}

// PortfolioValue estimates the current portfolio: initial capital plus
// net order cash flow plus the marked value of open positions.
func (t *GoalTracker) PortfolioValue(ctx context.Context, environment string) (float64, error) {
	cashFlow, err := t.repo.RealizedPnLSince(ctx, environment, time.Time{})
	if err != nil {
		return 0, err
	}
	adjusted, err := t.repo.SumProfitAdjustments(ctx, environment)
	if err != nil {
		return 0, err
	}
	positions, err := t.repo.ListPositions(ctx, environment)
	if err != nil {
		return 0, err
	}
	return portfolioValue(t.cfg.InitialCapitalUSD, cashFlow, adjusted, positions), nil
}

// portfolioValue folds the cash-flow ledger with the market value of open
// positions. Every filled BUY left the ledger as a negative flow, so each
// open position re-enters at quantity times current price; summing only
// the PnL drift would make a freshly opened position read as a loss of
// its whole cost basis.
func portfolioValue(initialCapital, cashFlow, adjustments float64, positions []*database.Position) float64 {
	value := initialCapital + cashFlow + adjustments
	for _, p := range positions {
		value += p.Quantity.Mul(p.CurrentPrice).InexactFloat64()
	}
	return value
}

// Snapshot runs the daily 23:59 goal evaluation: writes one GoalProgress
// row per active goal and emits goal.status_change on transitions.
func (t *GoalTracker) Snapshot(ctx context.Context, environment string) error {
	now := t.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	portfolio, err := t.PortfolioValue(ctx, environment)
	if err != nil {
		return err
	}
	realizedMTD, err := t.repo.RealizedPnLSince(ctx, environment, monthStart)
	if err != nil {
		return err
	}

	goals, err := t.repo.ActiveGoals(ctx)
	if err != nil {
		return err
	}
	previous, err := t.repo.LatestGoalProgress(ctx)
	if err != nil {
		return err
	}

	monthFraction := monthElapsedFraction(now)
	for _, goal := range goals {
		var current float64
		switch goal.GoalType {
		case database.GoalMonthlyReturnPct:
			startValue := portfolio - realizedMTD
			if startValue > 0 {
				current = realizedMTD / startValue * 100
			}
		case database.GoalMonthlyProfitUSD:
			current = realizedMTD
		case database.GoalPortfolioTargetUSD:
			current = portfolio
		default:
			continue
		}

		progress := &database.GoalProgress{
			GoalID:     goal.ID,
			GoalType:   goal.GoalType,
			Current:    current,
			Target:     goal.TargetValue,
			RecordedAt: now,
		}
		if goal.TargetValue != 0 {
			progress.ProgressPct = current / goal.TargetValue * 100
		}
		progress.Gap = goal.TargetValue - current
		progress.Status = goalStatus(progress.ProgressPct, goal.GoalType, monthFraction)

		if err := t.repo.RecordGoalProgress(ctx, progress); err != nil {
			return err
		}

		if prev, ok := previous[goal.GoalType]; ok && prev.Status != progress.Status {
			t.publishStatusChange(ctx, goal.GoalType, prev.Status, progress.Status, progress.ProgressPct)
		}
	}

	// Invalidate the cached assessment so the next read recomputes.
	t.cache.Delete(ctx, cache.GoalStatusKey())
	return nil
}

// Status returns the multi-goal assessment, cached for five minutes.
func (t *GoalTracker) Status(ctx context.Context) (*Status, error) {
	var cached Status
	if err := t.cache.GetJSON(ctx, cache.GoalStatusKey(), &cached); err == nil {
		return &cached, nil
	}

	progress, err := t.repo.LatestGoalProgress(ctx)
	if err != nil {
		return nil, err
	}

	status := Assess(progress, monthElapsedFraction(t.now().UTC()))
	status.ComputedAt = t.now().UTC()

	if err := t.cache.SetJSON(ctx, cache.GoalStatusKey(), status, cache.GoalTTL); err != nil {
		t.logger.Debug().Err(err).Msg("goal status cache write failed")
	}
	return status, nil
}

// Assess derives the adjustment factors from the latest progress rows.
// Pure so the band arithmetic is testable without a store.
func Assess(progress map[string]*database.GoalProgress, monthFraction float64) *Status {
	status := &Status{
		SizingFactor:     1.0,
		ActivationFactor: 1.0,
		Stance:           StanceBalanced,
		Goals:            progress,
	}

	var factors []float64
	for _, goalType := range []string{database.GoalMonthlyReturnPct, database.GoalMonthlyProfitUSD} {
		p, ok := progress[goalType]
		if !ok {
			continue
		}
		factors = append(factors, bandFactor(p.ProgressPct, monthFraction))
	}

	if p, ok := progress[database.GoalPortfolioTargetUSD]; ok && p.ProgressPct > preservationK*100 {
		status.Preservation = true
	}

	if len(factors) > 0 {
		var sum float64
		for _, f := range factors {
			sum += f
		}
		mean := sum / float64(len(factors))
		status.SizingFactor = clampF(mean, 0.5, 1.3)
		status.ActivationFactor = clampF(mean, 0.7, 1.3)
	}

	if status.Preservation {
		status.SizingFactor = clampF(status.SizingFactor, 0.5, 0.7)
	}

	switch {
	case status.SizingFactor >= 1.25:
		status.Stance = StanceAggressive
	case status.SizingFactor >= 1.1:
		status.Stance = StanceModerateAggressive
	case status.SizingFactor >= 0.95:
		status.Stance = StanceBalanced
	case status.SizingFactor >= 0.85:
		status.Stance = StanceSlightConservative
	default:
		status.Stance = StanceConservative
	}
	return status
}

// bandFactor compares month-to-date progress against the prorated
// expectation and maps the ratio onto the sizing bands.
func bandFactor(progressPct, monthFraction float64) float64 {
	expected := monthFraction * 100
	if expected <= 0 {
		return 1.0
	}
	ratio := progressPct / expected
	switch {
	case ratio < bandBehind:
		return 1.3
	case ratio < bandAtRisk:
		return 1.15
	case ratio <= 1.0:
		return 1.0
	case ratio <= bandAhead:
		return 0.9
	default:
		return 0.8
	}
}

// goalStatus derives the persisted status from progress against the
// month-prorated expectation. The portfolio goal is long-horizon and not
// prorated.
func goalStatus(progressPct float64, goalType string, monthFraction float64) string {
	if progressPct >= 100 {
		return database.GoalStatusAchieved
	}
	if goalType == database.GoalPortfolioTargetUSD {
		if progressPct >= preservationK*100 {
			return database.GoalStatusAhead
		}
		return database.GoalStatusOnTrack
	}
	expected := monthFraction * 100
	if expected <= 0 {
		return database.GoalStatusOnTrack
	}
	switch ratio := progressPct / expected; {
	case ratio < bandAtRisk:
		return database.GoalStatusBehind
	case ratio <= 1.0:
		return database.GoalStatusOnTrack
	default:
		return database.GoalStatusAhead
	}
}

func (t *GoalTracker) publishStatusChange(ctx context.Context, goalType, from, to string, progressPct float64) {
	env, err := fabric.NewEnvelope(fabric.TypeSystemNotification, "goals", fabric.SystemNotificationPayload{
		Event:    "goal.status_change",
		Severity: database.SeverityInfo,
		Message:  "goal status transition",
		Details: map[string]interface{}{
			"goal_type":    goalType,
			"from":         from,
			"to":           to,
			"progress_pct": progressPct,
		},
	})
	if err != nil {
		return
	}
	key := "goal.status_change." + goalType
	if err := t.bus.Publish(ctx, fabric.ExchangeRisk, key, env); err != nil {
		t.logger.Warn().Err(err).Str("goal_type", goalType).Msg("goal status publish failed")
	}
}

// monthElapsedFraction is how far through the calendar month now is.
func monthElapsedFraction(now time.Time) float64 {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	return now.Sub(monthStart).Seconds() / monthEnd.Sub(monthStart).Seconds()
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
