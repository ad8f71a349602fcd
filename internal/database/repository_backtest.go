package database

import (
	"context"
	"encoding/json"
	"fmt"
)

// CreateBacktestResult persists one backtest run.
func (r *Repository) CreateBacktestResult(ctx context.Context, b *BacktestResult) error {
	if b.WinningTrades+b.LosingTrades != b.TotalTrades {
		return fmt.Errorf("inconsistent trade counts: %d winning + %d losing != %d total",
			b.WinningTrades, b.LosingTrades, b.TotalTrades)
	}
	monthly, _ := json.Marshal(b.MonthlyReturns)
	trades, _ := json.Marshal(b.TradeLog)
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO backtest_results (strategy_id, window_start, window_end, seed,
			total_return, cagr, sharpe, sortino, max_drawdown, win_rate, profit_factor,
			total_trades, winning_trades, losing_trades, monthly_returns, trade_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at
	`, b.StrategyID, b.WindowStart, b.WindowEnd, b.Seed,
		b.TotalReturn, b.CAGR, b.Sharpe, b.Sortino, b.MaxDrawdown, b.WinRate, b.ProfitFactor,
		b.TotalTrades, b.WinningTrades, b.LosingTrades, monthly, trades,
	).Scan(&b.ID, &b.CreatedAt)
}

// LatestBacktestResult returns the most recent result for a strategy.
func (r *Repository) LatestBacktestResult(ctx context.Context, strategyID int64) (*BacktestResult, error) {
	b := &BacktestResult{}
	var monthly, trades []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, strategy_id, window_start, window_end, seed,
		       total_return, cagr, sharpe, sortino, max_drawdown, win_rate, profit_factor,
		       total_trades, winning_trades, losing_trades, monthly_returns, trade_log, created_at
		FROM backtest_results
		WHERE strategy_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, strategyID).Scan(
		&b.ID, &b.StrategyID, &b.WindowStart, &b.WindowEnd, &b.Seed,
		&b.TotalReturn, &b.CAGR, &b.Sharpe, &b.Sortino, &b.MaxDrawdown, &b.WinRate, &b.ProfitFactor,
		&b.TotalTrades, &b.WinningTrades, &b.LosingTrades, &monthly, &trades, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	json.Unmarshal(monthly, &b.MonthlyReturns)
	json.Unmarshal(trades, &b.TradeLog)
	return b, nil
}

// LatestBacktestResults returns the most recent result per strategy for a
// set of strategy ids.
func (r *Repository) LatestBacktestResults(ctx context.Context, strategyIDs []int64) (map[int64]*BacktestResult, error) {
	if len(strategyIDs) == 0 {
		return map[int64]*BacktestResult{}, nil
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (strategy_id)
		       id, strategy_id, window_start, window_end, seed,
		       total_return, cagr, sharpe, sortino, max_drawdown, win_rate, profit_factor,
		       total_trades, winning_trades, losing_trades, monthly_returns, trade_log, created_at
		FROM backtest_results
		WHERE strategy_id = ANY($1)
		ORDER BY strategy_id, created_at DESC
	`, strategyIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*BacktestResult, len(strategyIDs))
	for rows.Next() {
		b := &BacktestResult{}
		var monthly, trades []byte
		if err := rows.Scan(
			&b.ID, &b.StrategyID, &b.WindowStart, &b.WindowEnd, &b.Seed,
			&b.TotalReturn, &b.CAGR, &b.Sharpe, &b.Sortino, &b.MaxDrawdown, &b.WinRate, &b.ProfitFactor,
			&b.TotalTrades, &b.WinningTrades, &b.LosingTrades, &monthly, &trades, &b.CreatedAt,
		); err != nil {
			return nil, err
		}
		json.Unmarshal(monthly, &b.MonthlyReturns)
		json.Unmarshal(trades, &b.TradeLog)
		out[b.StrategyID] = b
	}
	return out, rows.Err()
}
