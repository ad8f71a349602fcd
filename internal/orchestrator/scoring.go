package orchestrator

import (
	"math"

	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/strategy"
)

// Overall score weights.
const (
	weightPerformance = 0.50
	weightBacktest    = 0.25
	weightAlignment   = 0.15
	weightRisk        = 0.10
)

// ScoreInputs are the four subcomponents, each in [0, 1].
type ScoreInputs struct {
	Performance     float64
	Backtest        float64
	MarketAlignment float64
	Risk            float64
}

// Overall combines the subcomponents and applies the goal factor.
func Overall(in ScoreInputs, goalFactor float64) float64 {
	base := weightPerformance*clamp01(in.Performance) +
		weightBacktest*clamp01(in.Backtest) +
		weightAlignment*clamp01(in.MarketAlignment) +
		weightRisk*clamp01(in.Risk)
	return base * goalFactor
}

// BacktestScore condenses a result's metrics into [0, 1]: risk-adjusted
// return, hit rate, and payoff, each squashed.
func BacktestScore(r *database.BacktestResult) float64 {
	if r == nil {
		return 0
	}
	sharpe := sigmoid(r.Sharpe)                  // 0.5 at zero, saturates ~3
	payoff := clamp01(r.ProfitFactor / 3)        // PF 3 is excellent
	hit := clamp01((r.WinRate - 0.3) / 0.4)      // 0.3..0.7 maps to 0..1
	ret := clamp01(0.5 + r.TotalReturn)          // -50%..+50% maps to 0..1
	return 0.35*sharpe + 0.25*payoff + 0.2*hit + 0.2*ret
}

// RiskScore rewards shallow drawdowns.
func RiskScore(r *database.BacktestResult) float64 {
	if r == nil {
		return 0
	}
	return clamp01(1 - r.MaxDrawdown/0.5)
}

// PerformanceScore maps realized PnL relative to notional capital onto
// [0, 1], with 0.5 at flat. Strategies without fills score the neutral
// midpoint so fresh candidates are not buried.
func PerformanceScore(realizedPnL, capitalBase float64) float64 {
	if capitalBase <= 0 {
		return 0.5
	}
	return clamp01(0.5 + realizedPnL/capitalBase*5)
}

// MarketAlignment scores how well a strategy family fits the current
// regime. avgSignalScore is the mean fused score over recent signals for
// the strategy's symbol: near zero means ranging, large magnitude means
// trending.
func MarketAlignment(strategyType string, avgSignalScore float64) float64 {
	trend := clamp01(math.Abs(avgSignalScore))
	switch strategyType {
	case strategy.TypeMomentum, strategy.TypeBreakout, strategy.TypeBTCCorrelation:
		return 0.3 + 0.7*trend
	case strategy.TypeMeanReversion:
		return 1 - 0.7*trend
	default: // macd, hybrid work in both regimes
		return 0.5 + 0.3*trend
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
