package fabric

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Message types carried in the envelope's type field. Consumers dispatch
// on the tag.
const (
	TypeMarketData         = "market_data"
	TypeTicker             = "ticker"
	TypeTrade              = "trade"
	TypeOrderbook          = "orderbook"
	TypeSentiment          = "sentiment"
	TypeOnChainMetric      = "onchain_metric"
	TypeWhaleAlert         = "whale_alert"
	TypeTradingSignal      = "trading_signal"
	TypeOrderRequest       = "order_request"
	TypeOrderUpdate        = "order_update"
	TypeRiskCheck          = "risk_check"
	TypeRiskBreach         = "risk_breach"
	TypeSystemNotification = "system_notification"
	TypeAlertDelivery      = "alert_delivery"
)

// Envelope is the wire form of every message on the fabric.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload for publishing.
func NewEnvelope(msgType, source string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
	}, nil
}

// Decode unmarshals the payload into dest.
func (e Envelope) Decode(dest interface{}) error {
	return json.Unmarshal(e.Data, dest)
}

// TickerPayload is a single ticker observation.
type TickerPayload struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketDataPayload carries one OHLCV candle.
type MarketDataPayload struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SentimentPayload carries one aggregated social sentiment observation.
type SentimentPayload struct {
	Symbol     string    `json:"symbol"`
	Score      float64   `json:"score"` // [-1, 1]
	Engagement float64   `json:"engagement"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// OnChainMetricPayload carries one on-chain metric observation.
type OnChainMetricPayload struct {
	Symbol    string    `json:"symbol"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// WhaleAlertPayload is a normalized large transfer.
type WhaleAlertPayload struct {
	Symbol     string    `json:"symbol"`
	AmountUSD  float64   `json:"amount_usd"`
	Direction  string    `json:"direction"`
	TxHash     string    `json:"tx_hash"`
	DetectedAt time.Time `json:"detected_at"`
	Source     string    `json:"source"`
}

// MacroIndicatorPayload carries one macro series observation.
type MacroIndicatorPayload struct {
	Series    string    `json:"series"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalComponent is one fused-signal input.
type SignalComponent struct {
	Score      float64 `json:"score"`      // [-1, 1]
	Confidence float64 `json:"confidence"` // [0, 1]
	AgeSeconds float64 `json:"age_seconds"`
}

// TradingSignalPayload is a fused MarketSignal.
type TradingSignalPayload struct {
	Symbol      string                     `json:"symbol"`
	Timestamp   time.Time                  `json:"timestamp"`
	Action      string                     `json:"action"`
	Confidence  float64                    `json:"confidence"`
	Strength    string                     `json:"strength"`
	Score       float64                    `json:"score"`
	Components  map[string]SignalComponent `json:"components"`
	WeightsUsed map[string]float64         `json:"weights_used"`
}

// OrderRequestPayload asks the executor to place or cancel an order.
type OrderRequestPayload struct {
	IdempotencyKey string           `json:"idempotency_key"`
	StrategyID     int64            `json:"strategy_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	OrderType      string           `json:"order_type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	StopLoss       *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"take_profit,omitempty"`
	Environment    string           `json:"environment"`
	Approved       bool             `json:"approved"`
	Cancel         bool             `json:"cancel"`     // cancellation request
	CancelOrderID  int64            `json:"cancel_order_id,omitempty"`
}

// OrderUpdatePayload announces one order status transition.
type OrderUpdatePayload struct {
	OrderID        int64            `json:"order_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	StrategyID     int64            `json:"strategy_id"`
	Symbol         string           `json:"symbol"`
	Status         string           `json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Environment    string           `json:"environment"`
	Reason         string           `json:"reason,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// RiskBreachPayload announces a drawdown breach and its actions.
type RiskBreachPayload struct {
	Environment  string   `json:"environment"`
	DrawdownPct  float64  `json:"drawdown_pct"`
	LimitPct     float64  `json:"limit_pct"`
	Actions      []string `json:"actions"`
	PeakValue    float64  `json:"peak_value"`
	CurrentValue float64  `json:"current_value"`
}

// SystemNotificationPayload is a free-form system event.
type SystemNotificationPayload struct {
	Event    string                 `json:"event"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// CollectorHealthPayload is the per-cycle health record.
type CollectorHealthPayload struct {
	Collector        string `json:"collector"`
	Status           string `json:"status"`
	LatencyMS        int64  `json:"latency_ms"`
	RecordsCollected int    `json:"records_collected"`
	ErrorMessage     string `json:"error_message,omitempty"`
}
