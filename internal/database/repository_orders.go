package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// ErrDuplicateOrder is returned when an idempotency key has been seen.
var ErrDuplicateOrder = errors.New("duplicate idempotency key")

// orderStatusRank encodes the monotonic lifecycle. A transition is legal
// only to a strictly higher rank, except the partially_filled self-loop.
var orderStatusRank = map[string]int{
	OrderStatusPending:         0,
	OrderStatusOpen:            1,
	OrderStatusPartiallyFilled: 2,
	OrderStatusFilled:          3,
	OrderStatusCancelled:       3,
	OrderStatusRejected:        3,
}

// ValidOrderTransition reports whether from -> to preserves monotonicity.
func ValidOrderTransition(from, to string) bool {
	fr, ok1 := orderStatusRank[from]
	tr, ok2 := orderStatusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	if from == OrderStatusPartiallyFilled && to == OrderStatusPartiallyFilled {
		return true
	}
	return tr > fr
}

// CreateOrder inserts a pending order. A reused idempotency key returns
// ErrDuplicateOrder from the unique index.
func (r *Repository) CreateOrder(ctx context.Context, o *Order) error {
	if o.Status == "" {
		o.Status = OrderStatusPending
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO orders (idempotency_key, strategy_id, symbol, side, order_type,
			quantity, price, stop_loss, take_profit, environment, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, o.IdempotencyKey, o.StrategyID, o.Symbol, o.Side, o.OrderType,
		o.Quantity, o.Price, o.StopLoss, o.TakeProfit, o.Environment, o.Status,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.IdempotencyKey)
		}
		return err
	}
	return nil
}

const orderColumns = `
	id, idempotency_key, strategy_id, symbol, side, order_type, quantity, price,
	stop_loss, take_profit, environment, status, filled_quantity, avg_fill_price,
	commission, exchange_id, reject_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	o := &Order{}
	err := row.Scan(
		&o.ID, &o.IdempotencyKey, &o.StrategyID, &o.Symbol, &o.Side, &o.OrderType,
		&o.Quantity, &o.Price, &o.StopLoss, &o.TakeProfit, &o.Environment, &o.Status,
		&o.FilledQuantity, &o.AvgFillPrice, &o.Commission, &o.ExchangeID, &o.RejectReason,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder retrieves one order by id.
func (r *Repository) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return scanOrder(r.db.Pool.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE id = $1`, id))
}

// GetOrderByIdempotencyKey retrieves an order by its idempotency key.
func (r *Repository) GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return scanOrder(r.db.Pool.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
}

// ListOpenOrders returns orders still awaiting a terminal status.
func (r *Repository) ListOpenOrders(ctx context.Context) ([]*Order, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT`+orderColumns+` FROM orders
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at
	`, OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrderStatus moves an order along its lifecycle, enforcing
// monotonicity against the currently persisted status.
func (r *Repository) UpdateOrderStatus(ctx context.Context, id int64, to string, filledQty decimal.Decimal, avgPrice *decimal.Decimal, exchangeID, rejectReason *string) error {
	var from string
	if err := r.db.Pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&from); err != nil {
		return fmt.Errorf("load order %d: %w", id, err)
	}
	if !ValidOrderTransition(from, to) {
		return fmt.Errorf("%w: order %d %s -> %s", ErrInvalidTransition, id, from, to)
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE orders
		SET status = $2,
		    filled_quantity = $3,
		    avg_fill_price = COALESCE($4, avg_fill_price),
		    exchange_id = COALESCE($5, exchange_id),
		    reject_reason = COALESCE($6, reject_reason),
		    updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, id, to, filledQty, avgPrice, exchangeID, rejectReason, from)
	if err != nil {
		return fmt.Errorf("update order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %d changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// UpsertPosition creates or replaces the position row for its unique key.
func (r *Repository) UpsertPosition(ctx context.Context, p *Position) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO positions (strategy_id, symbol, environment, quantity, entry_price,
			current_price, stop_loss, take_profit, unrealized_pnl, unrealized_pnl_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (strategy_id, symbol, environment) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			current_price = EXCLUDED.current_price,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			unrealized_pnl_pct = EXCLUDED.unrealized_pnl_pct,
			updated_at = NOW()
		RETURNING id, opened_at, updated_at
	`, p.StrategyID, p.Symbol, p.Environment, p.Quantity, p.EntryPrice,
		p.CurrentPrice, p.StopLoss, p.TakeProfit, p.UnrealizedPnL, p.UnrealizedPnLPct,
	).Scan(&p.ID, &p.OpenedAt, &p.UpdatedAt)
}

// GetPosition retrieves the position for a (strategy, symbol, environment).
func (r *Repository) GetPosition(ctx context.Context, strategyID int64, symbol, environment string) (*Position, error) {
	p := &Position{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, strategy_id, symbol, environment, quantity, entry_price, current_price,
		       stop_loss, take_profit, unrealized_pnl, unrealized_pnl_pct, opened_at, updated_at
		FROM positions
		WHERE strategy_id = $1 AND symbol = $2 AND environment = $3
	`, strategyID, symbol, environment).Scan(
		&p.ID, &p.StrategyID, &p.Symbol, &p.Environment, &p.Quantity, &p.EntryPrice,
		&p.CurrentPrice, &p.StopLoss, &p.TakeProfit, &p.UnrealizedPnL, &p.UnrealizedPnLPct,
		&p.OpenedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPositions returns all open positions for an environment.
func (r *Repository) ListPositions(ctx context.Context, environment string) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, strategy_id, symbol, environment, quantity, entry_price, current_price,
		       stop_loss, take_profit, unrealized_pnl, unrealized_pnl_pct, opened_at, updated_at
		FROM positions
		WHERE environment = $1
		ORDER BY opened_at
	`, environment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p := &Position{}
		if err := rows.Scan(
			&p.ID, &p.StrategyID, &p.Symbol, &p.Environment, &p.Quantity, &p.EntryPrice,
			&p.CurrentPrice, &p.StopLoss, &p.TakeProfit, &p.UnrealizedPnL, &p.UnrealizedPnLPct,
			&p.OpenedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPositions re-marks every open position for a symbol at the latest
// ticker price and returns the updated rows.
func (r *Repository) MarkPositions(ctx context.Context, symbol string, price decimal.Decimal) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE positions
		SET current_price = $2,
		    unrealized_pnl = ($2 - entry_price) * quantity,
		    unrealized_pnl_pct = CASE WHEN entry_price > 0
		        THEN ($2 - entry_price) / entry_price * 100 ELSE 0 END,
		    updated_at = NOW()
		WHERE symbol = $1
		RETURNING id, strategy_id, symbol, environment, quantity, entry_price, current_price,
		          stop_loss, take_profit, unrealized_pnl, unrealized_pnl_pct, opened_at, updated_at
	`, symbol, price)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p := &Position{}
		if err := rows.Scan(
			&p.ID, &p.StrategyID, &p.Symbol, &p.Environment, &p.Quantity, &p.EntryPrice,
			&p.CurrentPrice, &p.StopLoss, &p.TakeProfit, &p.UnrealizedPnL, &p.UnrealizedPnLPct,
			&p.OpenedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes a flat position.
func (r *Repository) DeletePosition(ctx context.Context, strategyID int64, symbol, environment string) error {
	_, err := r.db.Pool.Exec(ctx, `
		DELETE FROM positions WHERE strategy_id = $1 AND symbol = $2 AND environment = $3
	`, strategyID, symbol, environment)
	return err
}

// RealizedPnLSince sums fill-side PnL approximated from filled orders in
// the window, used for monthly goal progress.
func (r *Repository) RealizedPnLSince(ctx context.Context, environment string, since time.Time) (float64, error) {
	var pnl float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN side = 'SELL'
				THEN filled_quantity * COALESCE(avg_fill_price, 0)
				ELSE -filled_quantity * COALESCE(avg_fill_price, 0)
			END) - SUM(commission), 0)
		FROM orders
		WHERE environment = $1 AND status = $2 AND updated_at >= $3
	`, environment, OrderStatusFilled, since).Scan(&pnl)
	return pnl, err
}

// RealizedPnLByStrategy sums the same approximation for one strategy,
// used by activation scoring.
func (r *Repository) RealizedPnLByStrategy(ctx context.Context, strategyID int64, since time.Time) (float64, error) {
	var pnl float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN side = 'SELL'
				THEN filled_quantity * COALESCE(avg_fill_price, 0)
				ELSE -filled_quantity * COALESCE(avg_fill_price, 0)
			END) - SUM(commission), 0)
		FROM orders
		WHERE strategy_id = $1 AND status = $2 AND updated_at >= $3
	`, strategyID, OrderStatusFilled, since).Scan(&pnl)
	return pnl, err
}
