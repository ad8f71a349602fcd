package executor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

// handleTicker re-marks every open position for the ticker's symbol and
// fires protective exits when the marked price crosses a stop level.
func (e *Executor) handleTicker(ctx context.Context, env fabric.Envelope, routingKey string) error {
	var tick fabric.TickerPayload
	if err := env.Decode(&tick); err != nil {
		e.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("undecodable ticker")
		return fabric.ErrPoison
	}
	if tick.Price <= 0 {
		return nil
	}

	price := decimal.NewFromFloat(tick.Price)
	positions, err := e.repo.MarkPositions(ctx, tick.Symbol, price)
	if err != nil {
		return fmt.Errorf("mark positions %s: %w", tick.Symbol, err)
	}

	for _, pos := range positions {
		trigger, hit := stopTrigger(pos, price)
		if !hit {
			continue
		}
		e.requestStopExit(ctx, pos, trigger)
	}
	return nil
}

// stopTrigger reports which protective exit, if any, the marked price
// crosses for a long position.
func stopTrigger(pos *database.Position, price decimal.Decimal) (string, bool) {
	if pos.StopLoss != nil && pos.StopLoss.IsPositive() && price.LessThanOrEqual(*pos.StopLoss) {
		return "stop_loss", true
	}
	if pos.TakeProfit != nil && pos.TakeProfit.IsPositive() && price.GreaterThanOrEqual(*pos.TakeProfit) {
		return "take_profit", true
	}
	return "", false
}

// requestStopExit publishes a market SELL for the whole position through
// the normal request queue. The position-id key dedupes the burst of
// ticks between trigger and fill; a reopened position gets a fresh id.
func (e *Executor) requestStopExit(ctx context.Context, pos *database.Position, trigger string) {
	payload := fabric.OrderRequestPayload{
		IdempotencyKey: stopExitKey(trigger, pos.ID),
		StrategyID:     pos.StrategyID,
		Symbol:         pos.Symbol,
		Side:           "SELL",
		OrderType:      "market",
		Quantity:       pos.Quantity,
		Environment:    pos.Environment,
		Approved:       true,
	}
	env, err := fabric.NewEnvelope(fabric.TypeOrderRequest, "executor", payload)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, fabric.ExchangeOrders, fabric.OrderRequestKey(pos.Symbol), env); err != nil {
		e.logger.Error().Err(err).
			Str("symbol", pos.Symbol).
			Str("trigger", trigger).
			Int64("position_id", pos.ID).
			Msg("stop exit publish failed")
		return
	}
	e.logger.Info().
		Str("symbol", pos.Symbol).
		Str("trigger", trigger).
		Int64("strategy_id", pos.StrategyID).
		Str("environment", pos.Environment).
		Msg("protective exit requested")
}

func stopExitKey(trigger string, positionID int64) string {
	return fmt.Sprintf("%s-%d", trigger, positionID)
}
