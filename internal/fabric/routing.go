package fabric

import "fmt"

// Routing key builders. Keys follow the dot-separated topic grammar the
// topology binds on.

func MarketDataKey(symbol string) string   { return fmt.Sprintf("market.data.%s", symbol) }
func TickerKey(symbol string) string       { return fmt.Sprintf("ticker.%s", symbol) }
func SentimentKey(symbol string) string    { return fmt.Sprintf("sentiment.%s", symbol) }
func OnChainKey(symbol string) string      { return fmt.Sprintf("onchain.%s", symbol) }
func WhaleAlertKey(symbol string) string   { return fmt.Sprintf("whale.alert.%s", symbol) }
func SignalKey(symbol string) string       { return fmt.Sprintf("signal.%s", symbol) }
func StrongSignalKey(symbol string) string { return fmt.Sprintf("signal.%s.strong", symbol) }
func OrderRequestKey(symbol string) string { return fmt.Sprintf("order.request.%s", symbol) }
func RiskCheckKey(symbol string) string    { return fmt.Sprintf("risk.check.%s", symbol) }

// OrderUpdateKey carries both the status and the order id so consumers can
// bind on either.
func OrderUpdateKey(status string, orderID int64) string {
	return fmt.Sprintf("order.update.%s.%d", status, orderID)
}

// SystemKey namespaces system events, e.g. system.health.market or
// system.config.collectors.
func SystemKey(parts ...string) string {
	key := "system"
	for _, p := range parts {
		key += "." + p
	}
	return key
}

// RiskBreachKey routes drawdown breaches per environment.
func RiskBreachKey(environment string) string {
	return fmt.Sprintf("risk.breach.%s", environment)
}
