package fabric

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names. All are topic exchanges.
const (
	ExchangeMarket  = "mastertrade.market"
	ExchangeTrading = "mastertrade.trading"
	ExchangeOrders  = "mastertrade.orders"
	ExchangeRisk    = "mastertrade.risk"
	ExchangeSystem  = "mastertrade.system"
	ExchangeDLX     = "mastertrade.dlx"
)

// Queue names.
const (
	QueueMarketData    = "market_data"
	QueueTickerUpdates = "ticker_updates"
	QueueSentiment     = "sentiment_data"
	QueueOnChain       = "onchain_metrics"
	QueueWhaleAlerts   = "whale_alerts"
	QueueSignals       = "trading_signals"
	QueueOrderRequests = "order_requests"
	QueueOrderUpdates  = "order_updates"
	QueueRiskChecks    = "risk_checks"
	QueueSystem        = "system_notifications"
	QueueAlerts        = "alert_intake"
	QueueDLQ           = "dead_letters"
)

// queueSpec declares one durable queue with its binding and policies.
type queueSpec struct {
	name       string
	exchange   string
	bindingKey string
	ttlMS      int32
	maxLength  int32 // 0 = unbounded
	dropHead   bool  // overflow=drop-head for lossy high-volume queues
	dlq        bool  // dead-letter rejected messages
}

// topology is the full queue table. TTLs and lengths are fixed per queue
// class; lossy market queues drop oldest on overflow while critical queues
// reject publishes.
var topology = []queueSpec{
	{name: QueueMarketData, exchange: ExchangeMarket, bindingKey: "market.data.*", ttlMS: 60_000, maxLength: 100_000, dropHead: true},
	{name: QueueTickerUpdates, exchange: ExchangeMarket, bindingKey: "ticker.*", ttlMS: 10_000, maxLength: 50_000, dropHead: true},
	{name: QueueSentiment, exchange: ExchangeMarket, bindingKey: "sentiment.*", ttlMS: 300_000, maxLength: 10_000},
	{name: QueueOnChain, exchange: ExchangeMarket, bindingKey: "onchain.*", ttlMS: 300_000},
	{name: QueueWhaleAlerts, exchange: ExchangeMarket, bindingKey: "whale.alert.*", ttlMS: 600_000},
	{name: QueueSignals, exchange: ExchangeTrading, bindingKey: "signal.*", ttlMS: 30_000, maxLength: 10_000, dlq: true},
	{name: QueueOrderRequests, exchange: ExchangeOrders, bindingKey: "order.request.*", ttlMS: 60_000, maxLength: 5_000, dlq: true},
	{name: QueueOrderUpdates, exchange: ExchangeOrders, bindingKey: "order.update.#", ttlMS: 300_000},
	{name: QueueRiskChecks, exchange: ExchangeRisk, bindingKey: "risk.check.*", ttlMS: 30_000},
	{name: QueueSystem, exchange: ExchangeSystem, bindingKey: "system.#", ttlMS: 600_000},
}

// PrefetchFor returns the per-queue consumer prefetch: 10 for data
// queues, 5 for signal queues, 1 for order queues.
func PrefetchFor(queue string) int {
	switch queue {
	case QueueSignals:
		return 5
	case QueueOrderRequests, QueueOrderUpdates:
		return 1
	default:
		return 10
	}
}

// DeclareTopology idempotently declares every exchange, queue, and binding
// on the channel. Safe to run on each startup.
func DeclareTopology(ch *amqp.Channel) error {
	exchanges := []string{ExchangeMarket, ExchangeTrading, ExchangeOrders, ExchangeRisk, ExchangeSystem, ExchangeDLX}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	// Dead-letter sink, 24h TTL.
	dlqArgs := amqp.Table{"x-message-ttl": int32(24 * 60 * 60 * 1000)}
	if _, err := ch.QueueDeclare(QueueDLQ, true, false, false, false, dlqArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueDLQ, err)
	}
	if err := ch.QueueBind(QueueDLQ, "dlq.*", ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", QueueDLQ, err)
	}

	for _, q := range topology {
		args := amqp.Table{"x-message-ttl": q.ttlMS}
		if q.maxLength > 0 {
			args["x-max-length"] = q.maxLength
		}
		if q.dropHead {
			args["x-overflow"] = "drop-head"
		}
		if q.dlq {
			args["x-dead-letter-exchange"] = ExchangeDLX
			args["x-dead-letter-routing-key"] = "dlq." + q.name
		}
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.bindingKey, q.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s (%s): %w", q.name, q.exchange, q.bindingKey, err)
		}
	}

	// Alert intake fans in from several exchanges, so it is declared with
	// its bindings spelled out.
	alertArgs := amqp.Table{"x-message-ttl": int32(600_000)}
	if _, err := ch.QueueDeclare(QueueAlerts, true, false, false, false, alertArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueAlerts, err)
	}
	alertBindings := []struct{ key, exchange string }{
		{"system.#", ExchangeSystem},
		{"risk.breach.*", ExchangeRisk},
		{"goal.#", ExchangeRisk},
		{"order.update.#", ExchangeOrders},
	}
	for _, b := range alertBindings {
		if err := ch.QueueBind(QueueAlerts, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s (%s): %w", QueueAlerts, b.exchange, b.key, err)
		}
	}
	return nil
}
