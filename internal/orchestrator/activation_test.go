package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/strategy"
)

func TestActivationDiffRespectsCap(t *testing.T) {
	// Cap 3, active {A=1, B=2, C=3}; ranking puts {D=4, E=5, A=1} on top.
	ranked := []Ranked{
		{ID: 4, Score: 0.9},
		{ID: 5, Score: 0.85},
		{ID: 1, Score: 0.8},
		{ID: 2, Score: 0.4},
		{ID: 3, Score: 0.3},
	}
	target := SelectTop(ranked, 3)
	require.Equal(t, []int64{4, 5, 1}, target)

	activate, deactivate := Diff([]int64{1, 2, 3}, target)
	assert.ElementsMatch(t, []int64{4, 5}, activate)
	assert.ElementsMatch(t, []int64{2, 3}, deactivate)
}

func TestDiffNoChange(t *testing.T) {
	activate, deactivate := Diff([]int64{1, 2}, []int64{2, 1})
	assert.Empty(t, activate)
	assert.Empty(t, deactivate)
}

func TestSelectTopStableTieBreak(t *testing.T) {
	ranked := []Ranked{
		{ID: 9, Score: 0.5},
		{ID: 3, Score: 0.5},
		{ID: 7, Score: 0.5},
	}
	assert.Equal(t, []int64{3, 7}, SelectTop(ranked, 2))
}

func TestScoreMoved(t *testing.T) {
	assert.False(t, scoreMoved(0.50, 0.55)) // 10%
	assert.True(t, scoreMoved(0.50, 0.60))  // 20%
	assert.True(t, scoreMoved(0.50, 0.40))  // -20%
	assert.False(t, scoreMoved(0.50, 0.45)) // -10%
	assert.True(t, scoreMoved(0, 0.1))
}

func TestOverallWeights(t *testing.T) {
	score := Overall(ScoreInputs{Performance: 1, Backtest: 1, MarketAlignment: 1, Risk: 1}, 1.0)
	assert.InDelta(t, 1.0, score, 1e-9)

	score = Overall(ScoreInputs{Performance: 1}, 1.0)
	assert.InDelta(t, 0.50, score, 1e-9)

	score = Overall(ScoreInputs{Backtest: 1}, 1.0)
	assert.InDelta(t, 0.25, score, 1e-9)

	// Goal factor scales the whole score.
	score = Overall(ScoreInputs{Performance: 1, Backtest: 1, MarketAlignment: 1, Risk: 1}, 0.8)
	assert.InDelta(t, 0.8, score, 1e-9)
}

func TestOverallClampsComponents(t *testing.T) {
	score := Overall(ScoreInputs{Performance: 5, Backtest: -3, MarketAlignment: 2, Risk: 1}, 1.0)
	assert.InDelta(t, 0.50+0.15+0.10, score, 1e-9)
}

func TestMarketAlignmentByRegime(t *testing.T) {
	// Trending market favors trend followers.
	assert.Greater(t,
		MarketAlignment(strategy.TypeMomentum, 0.8),
		MarketAlignment(strategy.TypeMeanReversion, 0.8))
	// Ranging market favors mean reversion.
	assert.Greater(t,
		MarketAlignment(strategy.TypeMeanReversion, 0.05),
		MarketAlignment(strategy.TypeMomentum, 0.05))
	// Hybrid sits between.
	h := MarketAlignment(strategy.TypeHybrid, 0.5)
	assert.Greater(t, h, 0.5)
	assert.LessOrEqual(t, h, 0.8)
}

func TestBacktestScoreOrdersResults(t *testing.T) {
	good := &database.BacktestResult{Sharpe: 2.0, ProfitFactor: 2.5, WinRate: 0.6, TotalReturn: 0.3, MaxDrawdown: 0.1}
	bad := &database.BacktestResult{Sharpe: -0.5, ProfitFactor: 0.8, WinRate: 0.35, TotalReturn: -0.1, MaxDrawdown: 0.4}

	assert.Greater(t, BacktestScore(good), BacktestScore(bad))
	assert.Greater(t, RiskScore(good), RiskScore(bad))
	assert.Zero(t, BacktestScore(nil))
}

func TestAlignReferenceCarriesGaps(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []database.OHLCVBar{
		{Timestamp: start, Close: 10},
		{Timestamp: start.Add(time.Hour), Close: 11},
		{Timestamp: start.Add(2 * time.Hour), Close: 12},
	}
	refBars := []database.OHLCVBar{
		{Timestamp: start, Close: 100},
		// gap at +1h
		{Timestamp: start.Add(2 * time.Hour), Close: 104},
	}

	ref, err := alignReference(bars, refBars)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 100, 104}, ref)

	_, err = alignReference(bars, nil)
	assert.Error(t, err)
}
