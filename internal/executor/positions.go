package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mastertrade/core/internal/database"
)

// positionLock serializes mutation of one (strategy, symbol,
// environment) position.
func (e *Executor) positionLock(strategyID int64, symbol, environment string) *sync.Mutex {
	key := fmt.Sprintf("%d|%s|%s", strategyID, symbol, environment)
	e.mu.Lock()
	defer e.mu.Unlock()
	if lock, ok := e.posLocks[key]; ok {
		return lock
	}
	lock := new(sync.Mutex)
	e.posLocks[key] = lock
	return lock
}

// applyFill folds a filled order into position state: entries average in,
// opposite-side fills reduce, and a flat position is deleted.
func (e *Executor) applyFill(ctx context.Context, order *database.Order, fillPrice decimal.Decimal) {
	lock := e.positionLock(order.StrategyID, order.Symbol, order.Environment)
	lock.Lock()
	defer lock.Unlock()

	position, err := e.repo.GetPosition(ctx, order.StrategyID, order.Symbol, order.Environment)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		position = nil
	case err != nil:
		e.logger.Error().Err(err).Int64("order_id", order.ID).Msg("position load failed")
		return
	}

	if order.Side == "BUY" {
		e.applyEntry(ctx, order, position, fillPrice)
		return
	}
	e.applyReduce(ctx, order, position, fillPrice)
}

func (e *Executor) applyEntry(ctx context.Context, order *database.Order, position *database.Position, fillPrice decimal.Decimal) {
	if position == nil {
		position = &database.Position{
			StrategyID:   order.StrategyID,
			Symbol:       order.Symbol,
			Environment:  order.Environment,
			Quantity:     order.FilledQuantity,
			EntryPrice:   fillPrice,
			CurrentPrice: fillPrice,
			StopLoss:     order.StopLoss,
			TakeProfit:   order.TakeProfit,
		}
	} else {
		// Weighted-average entry across adds.
		oldNotional := position.EntryPrice.Mul(position.Quantity)
		addNotional := fillPrice.Mul(order.FilledQuantity)
		newQty := position.Quantity.Add(order.FilledQuantity)
		if newQty.IsPositive() {
			position.EntryPrice = oldNotional.Add(addNotional).Div(newQty)
		}
		position.Quantity = newQty
		position.CurrentPrice = fillPrice
	}

	if err := e.repo.UpsertPosition(ctx, position); err != nil {
		e.logger.Error().Err(err).Int64("order_id", order.ID).Msg("position upsert failed")
	}
}

func (e *Executor) applyReduce(ctx context.Context, order *database.Order, position *database.Position, fillPrice decimal.Decimal) {
	if position == nil {
		e.logger.Warn().Int64("order_id", order.ID).Msg("sell fill without open position")
		return
	}

	remaining := position.Quantity.Sub(order.FilledQuantity)
	if !remaining.IsPositive() {
		if err := e.repo.DeletePosition(ctx, order.StrategyID, order.Symbol, order.Environment); err != nil {
			e.logger.Error().Err(err).Int64("order_id", order.ID).Msg("position delete failed")
		}
		return
	}

	position.Quantity = remaining
	position.CurrentPrice = fillPrice
	if err := e.repo.UpsertPosition(ctx, position); err != nil {
		e.logger.Error().Err(err).Int64("order_id", order.ID).Msg("position reduce failed")
	}
}
