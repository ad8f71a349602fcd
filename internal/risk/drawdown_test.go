package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/mastertrade/core/config"
)

func testMonitor() *DrawdownMonitor {
	cfg := config.RiskConfig{
		DrawdownLimitNormalPct:     5.0,
		DrawdownLimitProtectivePct: 2.0,
	}
	m := NewDrawdownMonitor(cfg, 1_000_000, nil, nil, nil, zerolog.Nop())
	m.now = func() time.Time { return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestDrawdownEscalation(t *testing.T) {
	ctx := context.Background()
	m := testMonitor()

	// Establish the monthly peak at 100.
	assert.Empty(t, m.Check(ctx, "paper", 100))
	assert.False(t, m.Blocked("paper"))

	// 8% drawdown against a 5% limit: ratio 1.6, pause and reduce.
	actions := m.Check(ctx, "paper", 92)
	assert.Equal(t, []string{ActionPauseNew, ActionReducePositions}, actions)
	assert.True(t, m.Blocked("paper"))

	// 11% drawdown: ratio 2.2, flat everything.
	actions = m.Check(ctx, "paper", 89)
	assert.Equal(t, []string{ActionCloseAll}, actions)
}

func TestDrawdownBelowLimitNoActions(t *testing.T) {
	ctx := context.Background()
	m := testMonitor()

	m.Check(ctx, "paper", 100)
	assert.Empty(t, m.Check(ctx, "paper", 96)) // 4% < 5% limit
	assert.False(t, m.Blocked("paper"))
}

func TestDrawdownMildBreachPausesOnly(t *testing.T) {
	ctx := context.Background()
	m := testMonitor()

	m.Check(ctx, "paper", 100)
	// 6% drawdown: ratio 1.2, below the reduce threshold.
	assert.Equal(t, []string{ActionPauseNew}, m.Check(ctx, "paper", 94))
}

func TestDrawdownPeakResetsAtMonthBoundary(t *testing.T) {
	ctx := context.Background()
	m := testMonitor()

	m.Check(ctx, "paper", 100)
	m.Check(ctx, "paper", 92)
	assert.True(t, m.Blocked("paper"))

	m.now = func() time.Time { return time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC) }
	assert.Empty(t, m.Check(ctx, "paper", 92))
	assert.False(t, m.Blocked("paper"))
}

func TestDrawdownProtectiveLimitNearTarget(t *testing.T) {
	ctx := context.Background()
	m := testMonitor()

	// Portfolio above 90% of the €1M target uses the 2% limit.
	m.Check(ctx, "live", 950_000)
	actions := m.Check(ctx, "live", 920_000) // 3.16% > 2%
	assert.NotEmpty(t, actions)
	assert.Contains(t, actions, ActionPauseNew)
}

func TestDrawdownEnvironmentsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := testMonitor()

	m.Check(ctx, "paper", 100)
	m.Check(ctx, "paper", 89)
	assert.True(t, m.Blocked("paper"))
	assert.False(t, m.Blocked("live"))
}
