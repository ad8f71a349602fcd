// Package executor consumes order requests and drives them to exactly
// one terminal update: paper fills against the cached ticker, live
// orders through the exchange adaptor, both under a terminal deadline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

// Terminal deadlines. A request that has not reached a terminal status
// by its deadline is rejected with reason "timeout".
const (
	paperDeadline = 1 * time.Second
	liveDeadline  = 60 * time.Second

	idempotencyTTL = 24 * time.Hour
)

// Executor is the order execution engine.
type Executor struct {
	repo    *database.Repository
	cache   *cache.Service
	bus     *fabric.Fabric
	adaptor ExchangeAdaptor
	logger  zerolog.Logger

	mu         sync.Mutex
	posLocks   map[string]*sync.Mutex
	deadlines  map[int64]*time.Timer
	byExchange map[string]int64

	now func() time.Time
}

// New builds the executor. adaptor may be nil for paper-only deployments.
func New(repo *database.Repository, cacheSvc *cache.Service, bus *fabric.Fabric, adaptor ExchangeAdaptor, logger zerolog.Logger) *Executor {
	return &Executor{
		repo:       repo,
		cache:      cacheSvc,
		bus:        bus,
		adaptor:    adaptor,
		logger:     logger.With().Str("component", "executor").Logger(),
		posLocks:   make(map[string]*sync.Mutex),
		deadlines:  make(map[int64]*time.Timer),
		byExchange: make(map[string]int64),
		now:        time.Now,
	}
}

// Run consumes order_requests and ticker_updates until ctx ends. The
// exchange stream runs alongside when a live adaptor is configured.
func (e *Executor) Run(ctx context.Context) error {
	if e.adaptor != nil {
		go e.streamLoop(ctx)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.bus.Consume(ctx, fabric.QueueOrderRequests, e.handleRequest)
	})
	g.Go(func() error {
		return e.bus.Consume(ctx, fabric.QueueTickerUpdates, e.handleTicker)
	})
	return g.Wait()
}

func (e *Executor) handleRequest(ctx context.Context, env fabric.Envelope, routingKey string) error {
	var req fabric.OrderRequestPayload
	if err := env.Decode(&req); err != nil {
		e.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("undecodable order request")
		return fabric.ErrPoison
	}

	if req.Cancel {
		return e.handleCancel(ctx, &req)
	}
	return e.handleNew(ctx, &req)
}

func (e *Executor) handleNew(ctx context.Context, req *fabric.OrderRequestPayload) error {
	if req.IdempotencyKey == "" {
		e.logger.Warn().Str("symbol", req.Symbol).Msg("order request without idempotency key")
		return fabric.ErrPoison
	}

	// Fast duplicate check before touching the store; the unique index is
	// the backstop.
	if fresh, err := e.cache.SetNX(ctx, idempotencyCacheKey(req.IdempotencyKey), "1", idempotencyTTL); err == nil && !fresh {
		e.logger.Debug().Str("key", req.IdempotencyKey).Msg("duplicate order request dropped")
		return nil
	}

	order := &database.Order{
		IdempotencyKey: req.IdempotencyKey,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Quantity:       req.Quantity,
		Price:          req.Price,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		Environment:    req.Environment,
		Status:         database.OrderStatusPending,
	}
	if err := e.repo.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, database.ErrDuplicateOrder) {
			e.logger.Debug().Str("key", req.IdempotencyKey).Msg("duplicate order row dropped")
			return nil
		}
		return err
	}

	if reason, ok := e.validate(ctx, req); !ok {
		return e.reject(ctx, order, reason)
	}

	if req.Environment == database.EnvironmentPaper {
		return e.executePaper(ctx, order)
	}
	return e.executeLive(ctx, order)
}

func (e *Executor) validate(ctx context.Context, req *fabric.OrderRequestPayload) (string, bool) {
	if !req.Approved {
		return "not approved by risk gate", false
	}
	if !req.Quantity.IsPositive() {
		return "non-positive quantity", false
	}
	if _, err := e.repo.GetStrategy(ctx, req.StrategyID); err != nil {
		return "unknown strategy", false
	}
	return "", true
}

// executePaper simulates an immediate fill at the latest cached ticker
// price. Without a price the deadline timer rejects the order.
func (e *Executor) executePaper(ctx context.Context, order *database.Order) error {
	e.armDeadline(order, paperDeadline)

	var ticker fabric.TickerPayload
	if err := e.cache.GetJSON(ctx, cache.TickerKey(order.Symbol), &ticker); err != nil || ticker.Price <= 0 {
		// Leave the deadline to fire; the invariant still yields one
		// terminal update.
		e.logger.Warn().Str("symbol", order.Symbol).Msg("paper fill has no ticker price")
		return nil
	}

	price := decimal.NewFromFloat(ticker.Price)
	syntheticID := fmt.Sprintf("paper-%d-%d", order.ID, e.now().UnixNano())
	if err := e.repo.UpdateOrderStatus(ctx, order.ID, database.OrderStatusFilled, order.Quantity, &price, &syntheticID, nil); err != nil {
		return err
	}
	e.disarmDeadline(order.ID)

	order.Status = database.OrderStatusFilled
	order.FilledQuantity = order.Quantity
	order.AvgFillPrice = &price
	e.applyFill(ctx, order, price)
	e.publishUpdate(ctx, order, "")
	return nil
}

func (e *Executor) executeLive(ctx context.Context, order *database.Order) error {
	if e.adaptor == nil {
		return e.reject(ctx, order, "no live exchange configured")
	}

	exchangeID, err := e.adaptor.Submit(ctx, order)
	if err != nil {
		e.logger.Error().Err(err).Int64("order_id", order.ID).Msg("exchange submit failed")
		return e.reject(ctx, order, "exchange submit failed")
	}

	if err := e.repo.UpdateOrderStatus(ctx, order.ID, database.OrderStatusOpen, decimal.Zero, nil, &exchangeID, nil); err != nil {
		return err
	}
	order.Status = database.OrderStatusOpen
	order.ExchangeID = &exchangeID

	e.mu.Lock()
	e.byExchange[exchangeID] = order.ID
	e.mu.Unlock()

	e.armDeadline(order, liveDeadline)
	e.publishUpdate(ctx, order, "")
	return nil
}

func (e *Executor) handleCancel(ctx context.Context, req *fabric.OrderRequestPayload) error {
	order, err := e.repo.GetOrder(ctx, req.CancelOrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fabric.ErrPoison
		}
		return err
	}
	if isTerminal(order.Status) {
		return nil
	}

	if order.Environment == database.EnvironmentLive && order.ExchangeID != nil && e.adaptor != nil {
		if err := e.adaptor.Cancel(ctx, *order.ExchangeID); err != nil {
			e.logger.Warn().Err(err).Int64("order_id", order.ID).Msg("exchange cancel failed")
		}
	}

	if err := e.repo.UpdateOrderStatus(ctx, order.ID, database.OrderStatusCancelled, order.FilledQuantity, nil, nil, nil); err != nil {
		return err
	}
	e.disarmDeadline(order.ID)
	order.Status = database.OrderStatusCancelled
	e.publishUpdate(ctx, order, "cancel requested")
	return nil
}

// streamLoop applies exchange order-stream transitions.
func (e *Executor) streamLoop(ctx context.Context) {
	updates := make(chan ExchangeUpdate, 64)
	go func() {
		if err := e.adaptor.Stream(ctx, updates); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("exchange stream ended")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-updates:
			e.applyExchangeUpdate(ctx, update)
		}
	}
}

func (e *Executor) applyExchangeUpdate(ctx context.Context, update ExchangeUpdate) {
	e.mu.Lock()
	orderID, known := e.byExchange[update.ExchangeOrderID]
	e.mu.Unlock()
	if !known {
		return
	}

	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		e.logger.Error().Err(err).Int64("order_id", orderID).Msg("order load failed")
		return
	}
	if isTerminal(order.Status) || order.Status == update.Status {
		return
	}

	var avgPrice *decimal.Decimal
	if update.AvgFillPrice.IsPositive() {
		avgPrice = &update.AvgFillPrice
	}
	var reason *string
	if update.Reason != "" {
		reason = &update.Reason
	}
	if err := e.repo.UpdateOrderStatus(ctx, orderID, update.Status, update.FilledQuantity, avgPrice, nil, reason); err != nil {
		e.logger.Error().Err(err).Int64("order_id", orderID).Msg("status update failed")
		return
	}

	order.Status = update.Status
	order.FilledQuantity = update.FilledQuantity
	order.AvgFillPrice = avgPrice

	if isTerminal(update.Status) {
		e.disarmDeadline(orderID)
		e.mu.Lock()
		delete(e.byExchange, update.ExchangeOrderID)
		e.mu.Unlock()
		if update.Status == database.OrderStatusFilled && avgPrice != nil {
			e.applyFill(ctx, order, *avgPrice)
		}
	}
	e.publishUpdate(ctx, order, update.Reason)
}

// reject marks an order terminally rejected and publishes its update.
func (e *Executor) reject(ctx context.Context, order *database.Order, reason string) error {
	if err := e.repo.UpdateOrderStatus(ctx, order.ID, database.OrderStatusRejected, decimal.Zero, nil, nil, &reason); err != nil {
		return err
	}
	e.disarmDeadline(order.ID)
	order.Status = database.OrderStatusRejected
	e.publishUpdate(ctx, order, reason)
	return nil
}

// armDeadline schedules the timeout rejection for a non-terminal order.
func (e *Executor) armDeadline(order *database.Order, d time.Duration) {
	orderID := order.ID
	environment := order.Environment
	exchangeID := order.ExchangeID

	timer := time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.expire(ctx, orderID, environment, exchangeID)
	})

	e.mu.Lock()
	if old, ok := e.deadlines[orderID]; ok {
		old.Stop()
	}
	e.deadlines[orderID] = timer
	e.mu.Unlock()
}

func (e *Executor) disarmDeadline(orderID int64) {
	e.mu.Lock()
	if timer, ok := e.deadlines[orderID]; ok {
		timer.Stop()
		delete(e.deadlines, orderID)
	}
	e.mu.Unlock()
}

// expire fires when the terminal deadline passes: auto-cancel downstream
// and reject with reason timeout.
func (e *Executor) expire(ctx context.Context, orderID int64, environment string, exchangeID *string) {
	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil || isTerminal(order.Status) {
		return
	}

	if environment == database.EnvironmentLive && exchangeID != nil && e.adaptor != nil {
		if err := e.adaptor.Cancel(ctx, *exchangeID); err != nil {
			e.logger.Warn().Err(err).Int64("order_id", orderID).Msg("timeout cancel failed")
		}
	}

	reason := "timeout"
	if err := e.repo.UpdateOrderStatus(ctx, orderID, database.OrderStatusRejected, order.FilledQuantity, nil, nil, &reason); err != nil {
		e.logger.Error().Err(err).Int64("order_id", orderID).Msg("timeout reject failed")
		return
	}
	order.Status = database.OrderStatusRejected
	e.publishUpdate(ctx, order, reason)
	e.disarmDeadline(orderID)
}

func (e *Executor) publishUpdate(ctx context.Context, order *database.Order, reason string) {
	payload := fabric.OrderUpdatePayload{
		OrderID:        order.ID,
		IdempotencyKey: order.IdempotencyKey,
		StrategyID:     order.StrategyID,
		Symbol:         order.Symbol,
		Status:         order.Status,
		FilledQuantity: order.FilledQuantity,
		AvgFillPrice:   order.AvgFillPrice,
		Environment:    order.Environment,
		Reason:         reason,
		Timestamp:      e.now().UTC(),
	}
	env, err := fabric.NewEnvelope(fabric.TypeOrderUpdate, "executor", payload)
	if err != nil {
		return
	}
	key := fabric.OrderUpdateKey(order.Status, order.ID)
	if err := e.bus.Publish(ctx, fabric.ExchangeOrders, key, env); err != nil {
		e.logger.Error().Err(err).Str("routing_key", key).Msg("order update publish failed")
	}
}

func isTerminal(status string) bool {
	switch status {
	case database.OrderStatusFilled, database.OrderStatusCancelled, database.OrderStatusRejected:
		return true
	}
	return false
}

func idempotencyCacheKey(key string) string {
	return "order:idempotency:" + key
}
