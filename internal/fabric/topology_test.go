package fabric

import (
	"testing"
	"time"
)

func TestPrefetchPerQueueClass(t *testing.T) {
	tests := []struct {
		queue string
		want  int
	}{
		{QueueMarketData, 10},
		{QueueTickerUpdates, 10},
		{QueueSentiment, 10},
		{QueueSignals, 5},
		{QueueOrderRequests, 1},
		{QueueOrderUpdates, 1},
		{QueueSystem, 10},
	}
	for _, tt := range tests {
		if got := PrefetchFor(tt.queue); got != tt.want {
			t.Errorf("PrefetchFor(%s) = %d, want %d", tt.queue, got, tt.want)
		}
	}
}

func TestTopologyQueuePolicies(t *testing.T) {
	specs := make(map[string]queueSpec, len(topology))
	for _, q := range topology {
		specs[q.name] = q
	}

	// Critical queues dead-letter and reject-publish on overflow.
	for _, name := range []string{QueueSignals, QueueOrderRequests} {
		q, ok := specs[name]
		if !ok {
			t.Fatalf("queue %s missing from topology", name)
		}
		if !q.dlq {
			t.Errorf("queue %s should route rejects to the DLQ", name)
		}
		if q.dropHead {
			t.Errorf("queue %s must not drop-head on overflow", name)
		}
	}

	// Lossy high-volume queues drop oldest instead.
	for _, name := range []string{QueueMarketData, QueueTickerUpdates} {
		q := specs[name]
		if !q.dropHead {
			t.Errorf("queue %s should drop-head on overflow", name)
		}
	}

	if specs[QueueTickerUpdates].ttlMS != int32((10 * time.Second).Milliseconds()) {
		t.Errorf("ticker_updates ttl = %dms, want 10s", specs[QueueTickerUpdates].ttlMS)
	}
}

func TestRoutingKeys(t *testing.T) {
	if got := SignalKey("BTCUSDT"); got != "signal.BTCUSDT" {
		t.Errorf("SignalKey = %s", got)
	}
	if got := StrongSignalKey("BTCUSDT"); got != "signal.BTCUSDT.strong" {
		t.Errorf("StrongSignalKey = %s", got)
	}
	if got := OrderUpdateKey("filled", 42); got != "order.update.filled.42" {
		t.Errorf("OrderUpdateKey = %s", got)
	}
	if got := SystemKey("health", "market"); got != "system.health.market" {
		t.Errorf("SystemKey = %s", got)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeTicker, "market", TickerPayload{Symbol: "ETHUSDT", Price: 2500})
	if err != nil {
		t.Fatalf("NewEnvelope() = %v", err)
	}
	if env.Type != TypeTicker {
		t.Errorf("type = %s, want %s", env.Type, TypeTicker)
	}

	var p TickerPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if p.Symbol != "ETHUSDT" || p.Price != 2500 {
		t.Errorf("decoded payload = %+v", p)
	}
}
