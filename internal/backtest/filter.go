package backtest

import (
	"fmt"
	"math"

	"github.com/mastertrade/core/internal/database"
)

// Realism bounds. Results outside these are overfit or broken and never
// reach activation.
const (
	maxMonthlyReturnPct = 50.0
	minWinRate          = 0.2
	maxWinRate          = 0.85
	minTrades           = 10
	maxDrawdownBound    = 0.8
)

// Unrealistic reports whether a result fails the realism filter, with the
// archival reason when it does.
func Unrealistic(r *database.BacktestResult) (string, bool) {
	for _, m := range r.MonthlyReturns {
		if math.Abs(m) > maxMonthlyReturnPct {
			return fmt.Sprintf("unrealistic monthly return %.1f%%", m), true
		}
	}
	if r.WinRate < minWinRate || r.WinRate > maxWinRate {
		return fmt.Sprintf("win rate %.2f outside [%.2f, %.2f]", r.WinRate, minWinRate, maxWinRate), true
	}
	if r.TotalTrades < minTrades {
		return fmt.Sprintf("only %d trades, need %d", r.TotalTrades, minTrades), true
	}
	if r.MaxDrawdown > maxDrawdownBound {
		return fmt.Sprintf("max drawdown %.2f exceeds %.2f", r.MaxDrawdown, maxDrawdownBound), true
	}
	return "", false
}
