package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mastertrade/core/internal/database"
)

func progressRow(goalType string, progressPct float64) *database.GoalProgress {
	return &database.GoalProgress{GoalType: goalType, ProgressPct: progressPct}
}

func TestAssessBands(t *testing.T) {
	// Mid-month: expected progress is 50%.
	const midMonth = 0.5

	tests := []struct {
		name        string
		monthlyPct  float64
		wantSizing  float64
		wantStance  string
	}{
		{"far behind sizes up", 30, 1.3, StanceAggressive},       // ratio 0.6
		{"at risk sizes up slightly", 40, 1.15, StanceModerateAggressive}, // ratio 0.8
		{"on track stays flat", 48, 1.0, StanceBalanced},         // ratio 0.96
		{"ahead eases off", 53, 0.9, StanceSlightConservative},   // ratio 1.06
		{"well ahead protects gains", 70, 0.8, StanceConservative}, // ratio 1.4
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			progress := map[string]*database.GoalProgress{
				database.GoalMonthlyReturnPct: progressRow(database.GoalMonthlyReturnPct, tt.monthlyPct),
				database.GoalMonthlyProfitUSD: progressRow(database.GoalMonthlyProfitUSD, tt.monthlyPct),
			}
			status := Assess(progress, midMonth)
			assert.InDelta(t, tt.wantSizing, status.SizingFactor, 1e-9)
			assert.Equal(t, tt.wantStance, status.Stance)
		})
	}
}

func TestAssessActivationFactorFloor(t *testing.T) {
	progress := map[string]*database.GoalProgress{
		database.GoalMonthlyReturnPct: progressRow(database.GoalMonthlyReturnPct, 70),
		database.GoalMonthlyProfitUSD: progressRow(database.GoalMonthlyProfitUSD, 70),
	}
	status := Assess(progress, 0.5)
	// Activation range is narrower than sizing.
	assert.GreaterOrEqual(t, status.ActivationFactor, 0.7)
	assert.LessOrEqual(t, status.ActivationFactor, 1.3)
}

func TestAssessPreservationMode(t *testing.T) {
	progress := map[string]*database.GoalProgress{
		database.GoalMonthlyReturnPct:   progressRow(database.GoalMonthlyReturnPct, 20),
		database.GoalMonthlyProfitUSD:   progressRow(database.GoalMonthlyProfitUSD, 20),
		database.GoalPortfolioTargetUSD: progressRow(database.GoalPortfolioTargetUSD, 92),
	}
	status := Assess(progress, 0.5)
	assert.True(t, status.Preservation)
	// Preservation clamps sizing into [0.5, 0.7] even when behind.
	assert.LessOrEqual(t, status.SizingFactor, 0.7)
	assert.GreaterOrEqual(t, status.SizingFactor, 0.5)
}

func TestAssessNoProgressDefaultsToBalanced(t *testing.T) {
	status := Assess(map[string]*database.GoalProgress{}, 0.5)
	assert.Equal(t, 1.0, status.SizingFactor)
	assert.Equal(t, 1.0, status.ActivationFactor)
	assert.Equal(t, StanceBalanced, status.Stance)
	assert.False(t, status.Preservation)
}

func openPosition(qty, entry, current float64) *database.Position {
	return &database.Position{
		Quantity:     decimal.NewFromFloat(qty),
		EntryPrice:   decimal.NewFromFloat(entry),
		CurrentPrice: decimal.NewFromFloat(current),
	}
}

func TestPortfolioValueRestoresCostBasis(t *testing.T) {
	// A BUY that fills 15,000 notional shows up in the cash-flow ledger as
	// -15,000. The open position's market value must bring the portfolio
	// back to par, not leave it reading a 15% drawdown.
	positions := []*database.Position{openPosition(0.3, 50_000, 50_000)}
	assert.InDelta(t, 100_000, portfolioValue(100_000, -15_000, 0, positions), 1e-6)

	// Price moves +10%: value reflects the unrealized gain.
	positions = []*database.Position{openPosition(0.3, 50_000, 55_000)}
	assert.InDelta(t, 101_500, portfolioValue(100_000, -15_000, 0, positions), 1e-6)

	// After the SELL fills the position is gone and the gain is in the
	// cash flow; the valuation does not move.
	assert.InDelta(t, 101_500, portfolioValue(100_000, 1_500, 0, nil), 1e-6)
}

func TestPortfolioValueIncludesAdjustments(t *testing.T) {
	assert.InDelta(t, 100_250, portfolioValue(100_000, 0, 250, nil), 1e-6)
}

func TestGoalStatusDerivation(t *testing.T) {
	mid := 0.5
	assert.Equal(t, database.GoalStatusAchieved, goalStatus(105, database.GoalMonthlyReturnPct, mid))
	assert.Equal(t, database.GoalStatusBehind, goalStatus(30, database.GoalMonthlyReturnPct, mid))
	assert.Equal(t, database.GoalStatusOnTrack, goalStatus(48, database.GoalMonthlyReturnPct, mid))
	assert.Equal(t, database.GoalStatusAhead, goalStatus(60, database.GoalMonthlyReturnPct, mid))
	assert.Equal(t, database.GoalStatusOnTrack, goalStatus(50, database.GoalPortfolioTargetUSD, mid))
	assert.Equal(t, database.GoalStatusAhead, goalStatus(92, database.GoalPortfolioTargetUSD, mid))
}

func TestMonthElapsedFraction(t *testing.T) {
	mid := time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC) // April has 30 days
	assert.InDelta(t, 0.5, monthElapsedFraction(mid), 0.001)

	first := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 0.0, monthElapsedFraction(first), 0.001)
}

func TestClusterOf(t *testing.T) {
	assert.Equal(t, "majors", clusterOf("BTCUSDT"))
	assert.Equal(t, "majors", clusterOf("ETHUSDT"))
	assert.Equal(t, altCluster, clusterOf("SOLUSDT"))
}
