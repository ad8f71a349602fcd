// Package backtest replays a compiled strategy over historical candles
// and computes the full metric set. Replays are deterministic: the same
// (strategy, window, candles) input always yields identical metrics.
package backtest

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/strategy"
)

const (
	defaultCapital    = 100_000
	defaultCommission = 0.001 // 10 bps per side

	// annualization factor for daily return series
	tradingDays = 365.0

	profitFactorCap = 999
)

// Engine holds replay parameters shared across runs.
type Engine struct {
	initialCapital float64
	commissionPct  float64
}

// New builds an engine; zero arguments select the defaults.
func New(initialCapital, commissionPct float64) *Engine {
	if initialCapital <= 0 {
		initialCapital = defaultCapital
	}
	if commissionPct <= 0 {
		commissionPct = defaultCommission
	}
	return &Engine{initialCapital: initialCapital, commissionPct: commissionPct}
}

type openTrade struct {
	entryTime  time.Time
	entryPrice float64
	quantity   float64
	stopLoss   float64
	takeProfit float64
}

// Run replays s over bars. ref is the index-aligned BTC close series for
// correlation strategies, nil otherwise. seed is recorded on the result
// for reproducibility audits.
func (e *Engine) Run(s *database.Strategy, bars []database.OHLCVBar, ref []float64, seed int64) (*database.BacktestResult, error) {
	prog, err := strategy.Compile(s, bars, ref)
	if err != nil {
		return nil, err
	}
	if prog.Warmup() >= len(bars) {
		return nil, fmt.Errorf("backtest %s: %d bars below warmup %d", s.Name, len(bars), prog.Warmup())
	}

	equity := e.initialCapital
	equityCurve := make([]float64, len(bars))
	var open *openTrade
	var trades []database.BacktestTrade

	closePosition := func(bar database.OHLCVBar, price float64, reason string) {
		gross := (price - open.entryPrice) * open.quantity
		commission := (open.entryPrice + price) * open.quantity * e.commissionPct
		pnl := gross - commission
		equity += pnl
		trades = append(trades, database.BacktestTrade{
			EntryTime:  open.entryTime,
			ExitTime:   bar.Timestamp,
			Side:       "BUY",
			EntryPrice: open.entryPrice,
			ExitPrice:  price,
			Quantity:   open.quantity,
			PnL:        pnl,
			ExitReason: reason,
		})
		open = nil
	}

	for i := 0; i < len(bars); i++ {
		bar := bars[i]

		if open != nil {
			switch {
			case bar.Low <= open.stopLoss:
				closePosition(bar, open.stopLoss, "stop_loss")
			case bar.High >= open.takeProfit:
				closePosition(bar, open.takeProfit, "take_profit")
			case prog.ExitAt(i):
				closePosition(bar, bar.Close, "signal")
			}
		}

		if open == nil && prog.EnterAt(i) {
			notional := equity * s.PositionSizePct / 100
			if notional > 0 && bar.Close > 0 {
				open = &openTrade{
					entryTime:  bar.Timestamp,
					entryPrice: bar.Close,
					quantity:   notional / bar.Close,
					stopLoss:   bar.Close * (1 - s.StopLossPct/100),
					takeProfit: bar.Close * (1 + s.TakeProfitPct/100),
				}
			}
		}

		mark := equity
		if open != nil {
			mark += (bar.Close - open.entryPrice) * open.quantity
		}
		equityCurve[i] = mark
	}

	if open != nil {
		closePosition(bars[len(bars)-1], bars[len(bars)-1].Close, "window_end")
		equityCurve[len(bars)-1] = equity
	}

	result := e.metrics(s.ID, bars, equityCurve, trades)
	result.Seed = seed
	return result, nil
}

// metrics computes the persisted metric set from the replay artifacts.
func (e *Engine) metrics(strategyID int64, bars []database.OHLCVBar, equityCurve []float64, trades []database.BacktestTrade) *database.BacktestResult {
	windowStart := bars[0].Timestamp
	windowEnd := bars[len(bars)-1].Timestamp
	final := equityCurve[len(equityCurve)-1]

	result := &database.BacktestResult{
		StrategyID:  strategyID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		TotalReturn: (final - e.initialCapital) / e.initialCapital,
		TotalTrades: len(trades),
		TradeLog:    trades,
	}

	days := windowEnd.Sub(windowStart).Hours() / 24
	if days > 0 && final > 0 {
		result.CAGR = math.Pow(final/e.initialCapital, tradingDays/days) - 1
	}

	var grossProfit, grossLoss float64
	for _, t := range trades {
		if t.PnL > 0 {
			result.WinningTrades++
			grossProfit += t.PnL
		} else {
			result.LosingTrades++
			grossLoss += -t.PnL
		}
	}
	if result.TotalTrades > 0 {
		result.WinRate = float64(result.WinningTrades) / float64(result.TotalTrades)
	}
	switch {
	case grossLoss > 0:
		result.ProfitFactor = math.Min(grossProfit/grossLoss, profitFactorCap)
	case grossProfit > 0:
		result.ProfitFactor = profitFactorCap
	}

	daily := dailyReturns(bars, equityCurve)
	if len(daily) > 1 {
		mean := stat.Mean(daily, nil)
		std := stat.StdDev(daily, nil)
		if std > 0 {
			result.Sharpe = mean / std * math.Sqrt(tradingDays)
		}
		if down := downsideDeviation(daily); down > 0 {
			result.Sortino = mean / down * math.Sqrt(tradingDays)
		}
	}

	result.MaxDrawdown = maxDrawdown(equityCurve)
	result.MonthlyReturns = monthlyReturns(bars, equityCurve)
	return result
}

// dailyReturns samples the equity curve at day boundaries.
func dailyReturns(bars []database.OHLCVBar, equityCurve []float64) []float64 {
	var returns []float64
	lastDay := bars[0].Timestamp.Truncate(24 * time.Hour)
	lastEquity := equityCurve[0]
	for i := 1; i < len(bars); i++ {
		day := bars[i].Timestamp.Truncate(24 * time.Hour)
		if day.After(lastDay) {
			if lastEquity > 0 {
				returns = append(returns, (equityCurve[i-1]-lastEquity)/lastEquity)
			}
			lastDay = day
			lastEquity = equityCurve[i-1]
		}
	}
	return returns
}

// monthlyReturns samples equity at calendar month boundaries, in percent.
func monthlyReturns(bars []database.OHLCVBar, equityCurve []float64) []float64 {
	var returns []float64
	lastMonth := bars[0].Timestamp.Month()
	lastEquity := equityCurve[0]
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Month() != lastMonth {
			if lastEquity > 0 {
				returns = append(returns, (equityCurve[i-1]-lastEquity)/lastEquity*100)
			}
			lastMonth = bars[i].Timestamp.Month()
			lastEquity = equityCurve[i-1]
		}
	}
	if lastEquity > 0 {
		final := equityCurve[len(equityCurve)-1]
		returns = append(returns, (final-lastEquity)/lastEquity*100)
	}
	return returns
}

// maxDrawdown returns the largest peak-to-trough fraction of the curve.
func maxDrawdown(equityCurve []float64) float64 {
	var maxDD float64
	peak := equityCurve[0]
	for _, v := range equityCurve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// downsideDeviation is the RMS of negative returns only.
func downsideDeviation(returns []float64) float64 {
	var sum float64
	var n int
	for _, r := range returns {
		if r < 0 {
			sum += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
