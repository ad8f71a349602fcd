package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

// Protective actions, escalating with the breach ratio.
const (
	ActionPauseNew        = "PAUSE_NEW"
	ActionReducePositions = "REDUCE_POSITIONS"
	ActionCloseAll        = "CLOSE_ALL"

	// ReduceFraction is how much of each open position REDUCE_POSITIONS
	// keeps closing until exposure halves.
	ReduceFraction = 0.5
)

// Breach ratio thresholds relative to the active limit.
const (
	reduceRatio   = 1.5
	closeAllRatio = 2.0
)

type peakState struct {
	value float64
	month time.Month
	year  int
}

// DrawdownMonitor tracks the monthly portfolio peak per environment and
// escalates protective actions when drawdown crosses the limit.
type DrawdownMonitor struct {
	cfg           config.RiskConfig
	portfolioGoal float64
	repo          *database.Repository
	bus           *fabric.Fabric
	alerter       Alerter
	logger        zerolog.Logger

	mu      sync.Mutex
	peaks   map[string]*peakState
	blocked map[string]bool

	now func() time.Time
}

// Alerter raises system alerts; satisfied by the alert bus.
type Alerter interface {
	Raise(ctx context.Context, severity, alertType, title, message string) error
}

// NewDrawdownMonitor builds a monitor. portfolioGoal is the value past
// 90% of which the protective limit applies.
func NewDrawdownMonitor(cfg config.RiskConfig, portfolioGoal float64, repo *database.Repository, bus *fabric.Fabric, alerter Alerter, logger zerolog.Logger) *DrawdownMonitor {
	return &DrawdownMonitor{
		cfg:           cfg,
		portfolioGoal: portfolioGoal,
		repo:          repo,
		bus:           bus,
		alerter:       alerter,
		logger:        logger.With().Str("component", "drawdown").Logger(),
		peaks:         make(map[string]*peakState),
		blocked:       make(map[string]bool),
		now:           time.Now,
	}
}

// Check updates the monthly peak and returns the protective actions for
// the current portfolio value. An empty slice means no breach.
func (m *DrawdownMonitor) Check(ctx context.Context, environment string, portfolioValue float64) []string {
	now := m.now().UTC()

	m.mu.Lock()
	peak, ok := m.peaks[environment]
	if !ok || peak.month != now.Month() || peak.year != now.Year() {
		// Month boundary: the peak resets to the current value.
		peak = &peakState{value: portfolioValue, month: now.Month(), year: now.Year()}
		m.peaks[environment] = peak
		m.blocked[environment] = false
	}
	if portfolioValue > peak.value {
		peak.value = portfolioValue
	}
	peakValue := peak.value
	m.mu.Unlock()

	if peakValue <= 0 {
		return nil
	}
	drawdownPct := (peakValue - portfolioValue) / peakValue * 100
	limit := m.limit(portfolioValue)
	if drawdownPct <= limit {
		m.mu.Lock()
		m.blocked[environment] = false
		m.mu.Unlock()
		return nil
	}

	actions := actionsFor(drawdownPct / limit)

	m.mu.Lock()
	m.blocked[environment] = true
	m.mu.Unlock()

	m.recordBreach(ctx, environment, peakValue, portfolioValue, drawdownPct, limit, actions)
	return actions
}

// Blocked reports whether new positions are currently rejected for the
// environment.
func (m *DrawdownMonitor) Blocked(environment string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[environment]
}

// limit selects the active drawdown limit: protective once the portfolio
// is within 10% of its target.
func (m *DrawdownMonitor) limit(portfolioValue float64) float64 {
	if m.portfolioGoal > 0 && portfolioValue > preservationK*m.portfolioGoal {
		return m.cfg.DrawdownLimitProtectivePct
	}
	return m.cfg.DrawdownLimitNormalPct
}

// actionsFor maps the breach ratio onto the escalation ladder.
func actionsFor(ratio float64) []string {
	switch {
	case ratio >= closeAllRatio:
		return []string{ActionCloseAll}
	case ratio >= reduceRatio:
		return []string{ActionPauseNew, ActionReducePositions}
	default:
		return []string{ActionPauseNew}
	}
}

func (m *DrawdownMonitor) recordBreach(ctx context.Context, environment string, peak, current, drawdownPct, limit float64, actions []string) {
	m.logger.Error().
		Str("environment", environment).
		Float64("drawdown_pct", drawdownPct).
		Float64("limit_pct", limit).
		Strs("actions", actions).
		Msg("drawdown limit breached")

	breach := &database.DrawdownBreach{
		Environment:  environment,
		PeakValue:    peak,
		CurrentValue: current,
		DrawdownPct:  drawdownPct,
		LimitPct:     limit,
		Actions:      actions,
	}
	if m.repo != nil {
		if err := m.repo.RecordDrawdownBreach(ctx, breach); err != nil {
			m.logger.Error().Err(err).Msg("breach persist failed")
		}
	}

	env, err := fabric.NewEnvelope(fabric.TypeRiskBreach, "risk", fabric.RiskBreachPayload{
		Environment:  environment,
		DrawdownPct:  drawdownPct,
		LimitPct:     limit,
		Actions:      actions,
		PeakValue:    peak,
		CurrentValue: current,
	})
	if err == nil && m.bus != nil {
		if err := m.bus.Publish(ctx, fabric.ExchangeRisk, fabric.RiskBreachKey(environment), env); err != nil {
			m.logger.Error().Err(err).Msg("breach publish failed")
		}
	}

	if m.alerter != nil {
		m.alerter.Raise(ctx, database.SeverityCritical, "drawdown_breach",
			"Drawdown limit breached",
			"portfolio drawdown exceeded the protective limit")
	}
}
