package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/mastertrade/core/internal/database"
)

// ExchangeUpdate is one order transition reported by the exchange.
type ExchangeUpdate struct {
	ExchangeOrderID string
	Status          string
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Reason          string
}

// ExchangeAdaptor submits live orders and streams their transitions.
type ExchangeAdaptor interface {
	Submit(ctx context.Context, order *database.Order) (exchangeOrderID string, err error)
	Cancel(ctx context.Context, exchangeOrderID string) error
	Stream(ctx context.Context, updates chan<- ExchangeUpdate) error
}

// restAdaptor talks to a Coinbase-style exchange REST surface. Order
// stream delivery arrives through the market-data websocket feed in the
// collectors cluster; this adaptor polls as a fallback.
type restAdaptor struct {
	http     *resty.Client
	pollTick time.Duration
}

// NewRESTAdaptor builds the default live adaptor.
func NewRESTAdaptor(baseURL, apiKey, apiSecret string) ExchangeAdaptor {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("CB-ACCESS-KEY", apiKey).
		SetHeader("CB-ACCESS-SIGN", apiSecret).
		SetHeader("Accept", "application/json")
	return &restAdaptor{http: client, pollTick: 2 * time.Second}
}

type exchangeOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	FilledSize   string `json:"filled_size"`
	ExecutedCost string `json:"executed_value"`
	RejectReason string `json:"reject_reason"`
}

func (a *restAdaptor) Submit(ctx context.Context, order *database.Order) (string, error) {
	body := map[string]interface{}{
		"product_id": order.Symbol,
		"side":       order.Side,
		"type":       order.OrderType,
		"size":       order.Quantity.String(),
	}
	if order.Price != nil {
		body["price"] = order.Price.String()
	}

	var out exchangeOrder
	resp, err := a.http.R().SetContext(ctx).SetBody(body).SetResult(&out).Post("/orders")
	if err != nil {
		return "", fmt.Errorf("exchange submit: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("exchange submit: status %d", resp.StatusCode())
	}
	return out.ID, nil
}

func (a *restAdaptor) Cancel(ctx context.Context, exchangeOrderID string) error {
	resp, err := a.http.R().SetContext(ctx).Delete("/orders/" + exchangeOrderID)
	if err != nil {
		return fmt.Errorf("exchange cancel: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("exchange cancel: status %d", resp.StatusCode())
	}
	return nil
}

// Stream polls open orders and forwards transitions until ctx ends.
func (a *restAdaptor) Stream(ctx context.Context, updates chan<- ExchangeUpdate) error {
	ticker := time.NewTicker(a.pollTick)
	defer ticker.Stop()

	seen := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var orders []exchangeOrder
		resp, err := a.http.R().SetContext(ctx).SetResult(&orders).Get("/orders?status=all")
		if err != nil || resp.IsError() {
			continue
		}
		for _, o := range orders {
			if seen[o.ID] == o.Status {
				continue
			}
			seen[o.ID] = o.Status

			filled, _ := decimal.NewFromString(o.FilledSize)
			cost, _ := decimal.NewFromString(o.ExecutedCost)
			update := ExchangeUpdate{
				ExchangeOrderID: o.ID,
				Status:          mapExchangeStatus(o.Status),
				FilledQuantity:  filled,
				Reason:          o.RejectReason,
			}
			if filled.IsPositive() {
				update.AvgFillPrice = cost.Div(filled)
			}
			select {
			case updates <- update:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func mapExchangeStatus(s string) string {
	switch s {
	case "pending", "received":
		return database.OrderStatusPending
	case "open", "active":
		return database.OrderStatusOpen
	case "partially_filled":
		return database.OrderStatusPartiallyFilled
	case "done", "filled", "settled":
		return database.OrderStatusFilled
	case "cancelled", "canceled":
		return database.OrderStatusCancelled
	default:
		return database.OrderStatusRejected
	}
}
