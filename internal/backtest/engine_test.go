package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/strategy"
)

// syntheticBars builds a deterministic trending price path with a cyclic
// component so entries and exits both fire.
func syntheticBars(n int) []database.OHLCVBar {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]database.OHLCVBar, n)
	for i := 0; i < n; i++ {
		base := 30000 + float64(i)*2 + 1500*math.Sin(float64(i)/40)
		bars[i] = database.OHLCVBar{
			Symbol:    "BTCUSDT",
			Interval:  "1h",
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      base,
			High:      base * 1.004,
			Low:       base * 0.996,
			Close:     base,
			Volume:    100,
		}
	}
	return bars
}

func testStrategy() *database.Strategy {
	tmpl, _ := strategy.TemplateFor(strategy.TypeMACD)
	params := make(map[string]interface{}, len(tmpl.Defaults))
	for k, v := range tmpl.Defaults {
		params[k] = v
	}
	return &database.Strategy{
		ID:              1,
		Name:            "macd-BTCUSDT-1h-test",
		Type:            strategy.TypeMACD,
		Symbol:          "BTCUSDT",
		Interval:        "1h",
		Parameters:      params,
		StopLossPct:     3.0,
		TakeProfitPct:   6.0,
		PositionSizePct: 5.0,
	}
}

func TestRunProducesTradesAndConsistentCounts(t *testing.T) {
	engine := New(0, 0)
	result, err := engine.Run(testStrategy(), syntheticBars(2000), nil, 99)
	require.NoError(t, err)

	assert.Greater(t, result.TotalTrades, 0)
	assert.Equal(t, result.TotalTrades, result.WinningTrades+result.LosingTrades)
	assert.Len(t, result.TradeLog, result.TotalTrades)
	assert.Equal(t, int64(99), result.Seed)
	assert.GreaterOrEqual(t, result.MaxDrawdown, 0.0)
	assert.LessOrEqual(t, result.MaxDrawdown, 1.0)
	if result.TotalTrades > 0 {
		assert.GreaterOrEqual(t, result.WinRate, 0.0)
		assert.LessOrEqual(t, result.WinRate, 1.0)
	}
	// 2000 hourly bars span January into March.
	assert.GreaterOrEqual(t, len(result.MonthlyReturns), 2)
}

func TestRunIsDeterministic(t *testing.T) {
	engine := New(0, 0)
	bars := syntheticBars(2000)

	a, err := engine.Run(testStrategy(), bars, nil, 7)
	require.NoError(t, err)
	b, err := engine.Run(testStrategy(), bars, nil, 7)
	require.NoError(t, err)

	assert.Equal(t, a.TotalReturn, b.TotalReturn)
	assert.Equal(t, a.Sharpe, b.Sharpe)
	assert.Equal(t, a.Sortino, b.Sortino)
	assert.Equal(t, a.MaxDrawdown, b.MaxDrawdown)
	assert.Equal(t, a.TotalTrades, b.TotalTrades)
	assert.Equal(t, a.MonthlyReturns, b.MonthlyReturns)
	assert.Equal(t, a.TradeLog, b.TradeLog)
}

func TestRunRejectsShortSeries(t *testing.T) {
	engine := New(0, 0)
	_, err := engine.Run(testStrategy(), syntheticBars(10), nil, 1)
	assert.Error(t, err)
}

func TestTradeExitsRespectStops(t *testing.T) {
	engine := New(0, 0)
	result, err := engine.Run(testStrategy(), syntheticBars(2000), nil, 1)
	require.NoError(t, err)

	for _, trade := range result.TradeLog {
		assert.Contains(t, []string{"stop_loss", "take_profit", "signal", "window_end"}, trade.ExitReason)
		assert.True(t, trade.ExitTime.After(trade.EntryTime) || trade.ExitTime.Equal(trade.EntryTime))
		if trade.ExitReason == "stop_loss" {
			assert.InDelta(t, trade.EntryPrice*0.97, trade.ExitPrice, trade.EntryPrice*0.001)
		}
	}
}

func TestUnrealisticFilter(t *testing.T) {
	tests := []struct {
		name   string
		result database.BacktestResult
		reject bool
	}{
		{
			name:   "healthy",
			result: database.BacktestResult{WinRate: 0.55, TotalTrades: 40, MaxDrawdown: 0.15, MonthlyReturns: []float64{3, -2, 5}},
		},
		{
			name:   "absurd monthly return",
			result: database.BacktestResult{WinRate: 0.55, TotalTrades: 40, MaxDrawdown: 0.15, MonthlyReturns: []float64{3, 80}},
			reject: true,
		},
		{
			name:   "win rate too high",
			result: database.BacktestResult{WinRate: 0.95, TotalTrades: 40, MaxDrawdown: 0.15},
			reject: true,
		},
		{
			name:   "win rate too low",
			result: database.BacktestResult{WinRate: 0.1, TotalTrades: 40, MaxDrawdown: 0.15},
			reject: true,
		},
		{
			name:   "too few trades",
			result: database.BacktestResult{WinRate: 0.5, TotalTrades: 5, MaxDrawdown: 0.15},
			reject: true,
		},
		{
			name:   "blown up",
			result: database.BacktestResult{WinRate: 0.5, TotalTrades: 40, MaxDrawdown: 0.9},
			reject: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, rejected := Unrealistic(&tt.result)
			assert.Equal(t, tt.reject, rejected)
			if rejected {
				assert.NotEmpty(t, reason)
			}
		})
	}
}
