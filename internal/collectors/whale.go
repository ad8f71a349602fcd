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

// whaleMinUSD is the detection floor for large transfers.
const whaleMinUSD = 500_000

// WhaleCollector polls the whale-alert transaction feed, normalizes large
// transfers, and publishes whale alerts the aggregator and the WebSocket
// surface consume.
type WhaleCollector struct {
	client  *Client
	apiKey  string
	symbols map[string]string // base asset -> trading symbol
	repo    *database.Repository
	bus     *fabric.Fabric
	logger  zerolog.Logger

	lastCursor int64
}

// NewWhaleCollector builds the whale collector.
func NewWhaleCollector(apiKey string, symbols []string, timeout time.Duration, repo *database.Repository, bus *fabric.Fabric, logger zerolog.Logger) *WhaleCollector {
	limiter := ratelimit.New("whale", ratelimit.Config{
		MaxPerSecond:      1,
		InitialPerSecond:  0.2,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Minute,
	}, logger)
	breaker := circuit.New("whale", circuit.DefaultConfig(), logger)
	client := NewClient("whale", "https://api.whale-alert.io", timeout, limiter, breaker, logger)

	bySymbol := make(map[string]string, len(symbols))
	for _, s := range symbols {
		bySymbol[strings.ToLower(baseAsset(s))] = s
	}

	return &WhaleCollector{
		client:  client,
		apiKey:  apiKey,
		symbols: bySymbol,
		repo:    repo,
		bus:     bus,
		logger:  logger.With().Str("collector", "whale").Logger(),
	}
}

func (c *WhaleCollector) Name() string            { return "whale" }
func (c *WhaleCollector) Kind() string            { return KindOnChain }
func (c *WhaleCollector) Interval() time.Duration { return 30 * time.Second }
func (c *WhaleCollector) Client() *Client         { return c.client }

type whaleTxResponse struct {
	Transactions []struct {
		Symbol    string  `json:"symbol"`
		AmountUSD float64 `json:"amount_usd"`
		Hash      string  `json:"hash"`
		Timestamp int64   `json:"timestamp"`
		From      struct {
			OwnerType string `json:"owner_type"`
		} `json:"from"`
		To struct {
			OwnerType string `json:"owner_type"`
		} `json:"to"`
	} `json:"transactions"`
}

// PollOnce fetches transfers since the previous cursor and processes the
// ones on tracked assets.
func (c *WhaleCollector) PollOnce(ctx context.Context) (int, error) {
	start := c.lastCursor
	if start == 0 {
		start = time.Now().Add(-10 * time.Minute).Unix()
	}

	var resp whaleTxResponse
	err := c.client.GetJSON(ctx, "/v1/transactions", map[string]string{
		"api_key":   c.apiKey,
		"min_value": fmt.Sprintf("%d", whaleMinUSD),
		"start":     fmt.Sprintf("%d", start),
	}, &resp)
	if err != nil {
		return 0, err
	}

	records := 0
	var firstErr error
	for _, tx := range resp.Transactions {
		symbol, tracked := c.symbols[strings.ToLower(tx.Symbol)]
		if !tracked {
			continue
		}
		if tx.Timestamp > c.lastCursor {
			c.lastCursor = tx.Timestamp
		}

		direction := "unknown"
		switch {
		case tx.To.OwnerType == "exchange" && tx.From.OwnerType != "exchange":
			direction = "to_exchange"
		case tx.From.OwnerType == "exchange" && tx.To.OwnerType != "exchange":
			direction = "from_exchange"
		}

		transfer := &database.WhaleTransfer{
			Symbol:     symbol,
			AmountUSD:  tx.AmountUSD,
			Direction:  direction,
			TxHash:     tx.Hash,
			DetectedAt: time.Unix(tx.Timestamp, 0).UTC(),
			Source:     "whale-alert",
		}
		if err := retryOnce(ctx, func() error { return c.repo.InsertWhaleTransfer(ctx, transfer) }); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("store whale transfer: %w", err)
			}
			continue
		}

		env, err := fabric.NewEnvelope(fabric.TypeWhaleAlert, "whale", fabric.WhaleAlertPayload{
			Symbol: symbol, AmountUSD: tx.AmountUSD, Direction: direction,
			TxHash: tx.Hash, DetectedAt: transfer.DetectedAt, Source: "whale-alert",
		})
		if err == nil {
			if err := retryOnce(ctx, func() error {
				return c.bus.Publish(ctx, fabric.ExchangeMarket, fabric.WhaleAlertKey(symbol), env)
			}); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		records++
	}

	if records == 0 && firstErr != nil {
		return 0, firstErr
	}
	return records, nil
}

// Backfill re-reads the feed over a range, bounded by the upstream's
// history window.
func (c *WhaleCollector) Backfill(ctx context.Context, from, to time.Time) error {
	saved := c.lastCursor
	c.lastCursor = from.Unix()
	defer func() {
		if c.lastCursor < saved {
			c.lastCursor = saved
		}
	}()
	for c.lastCursor < to.Unix() {
		before := c.lastCursor
		if _, err := c.PollOnce(ctx); err != nil {
			return err
		}
		if c.lastCursor == before {
			return nil // feed exhausted
		}
	}
	return nil
}
