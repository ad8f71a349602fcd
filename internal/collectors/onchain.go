package collectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/circuit"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
	"github.com/mastertrade/core/internal/ratelimit"
)

// On-chain metric names stored in metric_points.
const (
	MetricNVT          = "nvt"
	MetricMVRV         = "mvrv"
	MetricExchangeFlow = "exchange_net_flow"
)

// OnChainCollector polls Glassnode for NVT/MVRV/exchange-flow metrics and
// Moralis for large transfers, normalizing both into the store and the
// fabric.
type OnChainCollector struct {
	client       *Client
	moralisKey   string
	glassnodeKey string
	symbols      []string
	repo         *database.Repository
	bus          *fabric.Fabric
	logger       zerolog.Logger
}

// NewOnChainCollector builds the on-chain collector. Glassnode free tier
// allows roughly 1 req/2s, so the limiter starts conservative.
func NewOnChainCollector(moralisKey, glassnodeKey string, symbols []string, timeout time.Duration, repo *database.Repository, bus *fabric.Fabric, logger zerolog.Logger) *OnChainCollector {
	limiter := ratelimit.New("onchain", ratelimit.Config{
		MaxPerSecond:      2,
		InitialPerSecond:  0.5,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Minute,
	}, logger)
	breaker := circuit.New("onchain", circuit.DefaultConfig(), logger)
	client := NewClient("onchain", "https://api.glassnode.com", timeout, limiter, breaker, logger)
	client.SetHeader("X-Api-Key", glassnodeKey)

	return &OnChainCollector{
		client:       client,
		moralisKey:   moralisKey,
		glassnodeKey: glassnodeKey,
		symbols:      symbols,
		repo:         repo,
		bus:          bus,
		logger:       logger.With().Str("collector", "onchain").Logger(),
	}
}

func (c *OnChainCollector) Name() string            { return "onchain" }
func (c *OnChainCollector) Kind() string            { return KindOnChain }
func (c *OnChainCollector) Interval() time.Duration { return 5 * time.Minute }
func (c *OnChainCollector) Client() *Client         { return c.client }

// Endpoints lists the limiter buckets this collector persists.
func (c *OnChainCollector) Endpoints() []string {
	return []string{"/v1/metrics/indicators/nvt", "/v1/metrics/market/mvrv", "/v1/metrics/transactions/transfers_volume_exchanges_net"}
}

type glassnodePoint struct {
	T int64   `json:"t"`
	V float64 `json:"v"`
}

var glassnodeEndpoints = map[string]string{
	MetricNVT:          "/v1/metrics/indicators/nvt",
	MetricMVRV:         "/v1/metrics/market/mvrv",
	MetricExchangeFlow: "/v1/metrics/transactions/transfers_volume_exchanges_net",
}

// PollOnce fetches the latest value of each metric per tracked asset.
func (c *OnChainCollector) PollOnce(ctx context.Context) (int, error) {
	records := 0
	var firstErr error
	for _, symbol := range c.symbols {
		asset := baseAsset(symbol)
		for metric, endpoint := range glassnodeEndpoints {
			var points []glassnodePoint
			err := c.client.GetJSON(ctx, endpoint, map[string]string{
				"a": asset,
				"i": "24h",
				"s": fmt.Sprintf("%d", time.Now().Add(-48*time.Hour).Unix()),
			}, &points)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if len(points) == 0 {
				continue
			}
			latest := points[len(points)-1]
			if err := c.storeAndPublish(ctx, symbol, metric, latest); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			records++
		}
	}
	if records == 0 && firstErr != nil {
		return 0, firstErr
	}
	return records, nil
}

func (c *OnChainCollector) storeAndPublish(ctx context.Context, symbol, metric string, p glassnodePoint) error {
	ts := time.Unix(p.T, 0).UTC()
	point := database.MetricPoint{Symbol: symbol, Timestamp: ts, Metric: metric, Value: p.V, Source: "glassnode"}

	// Store and publish with one retry each per the degraded-cycle rule.
	if err := retryOnce(ctx, func() error {
		return c.repo.InsertMetricPoints(ctx, []database.MetricPoint{point})
	}); err != nil {
		return fmt.Errorf("store %s %s: %w", symbol, metric, err)
	}

	env, err := fabric.NewEnvelope(fabric.TypeOnChainMetric, "onchain", fabric.OnChainMetricPayload{
		Symbol: symbol, Metric: metric, Value: p.V, Source: "glassnode", Timestamp: ts,
	})
	if err != nil {
		return err
	}
	return retryOnce(ctx, func() error {
		return c.bus.Publish(ctx, fabric.ExchangeMarket, fabric.OnChainKey(symbol), env)
	})
}

// Backfill fetches the metric history over a range.
func (c *OnChainCollector) Backfill(ctx context.Context, from, to time.Time) error {
	for _, symbol := range c.symbols {
		asset := baseAsset(symbol)
		for metric, endpoint := range glassnodeEndpoints {
			var points []glassnodePoint
			err := c.client.GetJSON(ctx, endpoint, map[string]string{
				"a": asset,
				"i": "24h",
				"s": fmt.Sprintf("%d", from.Unix()),
				"u": fmt.Sprintf("%d", to.Unix()),
			}, &points)
			if err != nil {
				return err
			}
			batch := make([]database.MetricPoint, 0, len(points))
			for _, p := range points {
				batch = append(batch, database.MetricPoint{
					Symbol: symbol, Timestamp: time.Unix(p.T, 0).UTC(),
					Metric: metric, Value: p.V, Source: "glassnode",
				})
			}
			if err := c.repo.InsertMetricPoints(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// baseAsset strips the quote currency from a trading pair: BTCUSDT -> BTC.
func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "BTC"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}

// retryOnce runs fn, retrying a single time after 1s on failure.
func retryOnce(ctx context.Context, fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return fn()
}
