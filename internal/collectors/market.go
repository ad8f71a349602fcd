package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/circuit"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
	"github.com/mastertrade/core/internal/ratelimit"
)

// MarketCollector polls exchange OHLCV and maintains a streaming ticker
// subscription. Tickers are cached for the executor's paper fills and
// published on the fabric.
type MarketCollector struct {
	client  *Client
	wsURL   string
	symbols []string
	repo    *database.Repository
	bus     *fabric.Fabric
	cache   *cache.Service
	logger  zerolog.Logger
}

// NewMarketCollector builds the market collector against a generic
// exchange REST + websocket pair.
func NewMarketCollector(restURL, wsURL string, symbols []string, timeout time.Duration, repo *database.Repository, bus *fabric.Fabric, cacheSvc *cache.Service, logger zerolog.Logger) *MarketCollector {
	limiter := ratelimit.New("market", ratelimit.Config{
		MaxPerSecond:      10,
		InitialPerSecond:  5,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Minute,
	}, logger)
	breaker := circuit.New("market", circuit.DefaultConfig(), logger)
	client := NewClient("market", restURL, timeout, limiter, breaker, logger)

	return &MarketCollector{
		client:  client,
		wsURL:   wsURL,
		symbols: symbols,
		repo:    repo,
		bus:     bus,
		cache:   cacheSvc,
		logger:  logger.With().Str("collector", "market").Logger(),
	}
}

func (c *MarketCollector) Name() string            { return "market" }
func (c *MarketCollector) Kind() string            { return KindMarket }
func (c *MarketCollector) Interval() time.Duration { return time.Minute }
func (c *MarketCollector) Client() *Client         { return c.client }

// candleRow is the exchange's [time, low, high, open, close, volume] row.
type candleRow [6]float64

// PollOnce fetches the most recent 1m candles per symbol, stores them, and
// publishes the freshest one.
func (c *MarketCollector) PollOnce(ctx context.Context) (int, error) {
	records := 0
	var firstErr error

	for _, symbol := range c.symbols {
		var rows []candleRow
		err := c.client.GetJSON(ctx, "/products/"+symbol+"/candles", map[string]string{
			"granularity": "60",
		}, &rows)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(rows) == 0 {
			continue
		}

		bars := make([]database.OHLCVBar, 0, len(rows))
		for _, row := range rows {
			bars = append(bars, database.OHLCVBar{
				Symbol:    symbol,
				Interval:  "1m",
				Timestamp: time.Unix(int64(row[0]), 0).UTC(),
				Low:       row[1],
				High:      row[2],
				Open:      row[3],
				Close:     row[4],
				Volume:    row[5],
			})
		}
		if err := retryOnce(ctx, func() error { return c.repo.InsertOHLCV(ctx, bars) }); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("store candles %s: %w", symbol, err)
			}
			continue
		}

		latest := bars[0]
		env, err := fabric.NewEnvelope(fabric.TypeMarketData, "market", fabric.MarketDataPayload{
			Symbol: latest.Symbol, Interval: latest.Interval, Timestamp: latest.Timestamp,
			Open: latest.Open, High: latest.High, Low: latest.Low, Close: latest.Close, Volume: latest.Volume,
		})
		if err == nil {
			if err := retryOnce(ctx, func() error {
				return c.bus.Publish(ctx, fabric.ExchangeMarket, fabric.MarketDataKey(symbol), env)
			}); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		records += len(bars)
	}

	if records == 0 && firstErr != nil {
		return 0, firstErr
	}
	return records, nil
}

// Backfill pulls historical candles over a range in day-sized pages.
func (c *MarketCollector) Backfill(ctx context.Context, from, to time.Time) error {
	for _, symbol := range c.symbols {
		for start := from; start.Before(to); start = start.Add(24 * time.Hour) {
			end := start.Add(24 * time.Hour)
			if end.After(to) {
				end = to
			}
			var rows []candleRow
			err := c.client.GetJSON(ctx, "/products/"+symbol+"/candles", map[string]string{
				"granularity": "3600",
				"start":       start.Format(time.RFC3339),
				"end":         end.Format(time.RFC3339),
			}, &rows)
			if err != nil {
				return err
			}
			bars := make([]database.OHLCVBar, 0, len(rows))
			for _, row := range rows {
				bars = append(bars, database.OHLCVBar{
					Symbol: symbol, Interval: "1h",
					Timestamp: time.Unix(int64(row[0]), 0).UTC(),
					Low:       row[1], High: row[2], Open: row[3], Close: row[4], Volume: row[5],
				})
			}
			if err := c.repo.InsertOHLCV(ctx, bars); err != nil {
				return err
			}
		}
	}
	return nil
}

type wsTickerFrame struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

// Stream maintains the websocket ticker subscription until ctx is
// cancelled or the connection drops. The Runner handles reconnect backoff.
func (c *MarketCollector) Stream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial ticker stream: %w", err)
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": c.symbols,
		"channels":    []string{"ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe ticker stream: %w", err)
	}
	c.logger.Info().Strs("symbols", c.symbols).Msg("ticker stream subscribed")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ticker stream read: %w", err)
		}
		var frame wsTickerFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "ticker" {
			continue
		}
		c.handleTick(ctx, frame)
	}
}

func (c *MarketCollector) handleTick(ctx context.Context, frame wsTickerFrame) {
	price, err := strconv.ParseFloat(frame.Price, 64)
	if err != nil {
		return
	}
	volume, _ := strconv.ParseFloat(frame.Volume24h, 64)
	ts, err := time.Parse(time.RFC3339, frame.Time)
	if err != nil {
		ts = time.Now().UTC()
	}

	tick := fabric.TickerPayload{Symbol: frame.ProductID, Price: price, Volume24h: volume, Timestamp: ts}

	tickCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.cache.SetJSON(tickCtx, cache.TickerKey(frame.ProductID), tick, cache.TickerTTL); err != nil {
		c.logger.Debug().Err(err).Msg("ticker cache write failed")
	}
	env, err := fabric.NewEnvelope(fabric.TypeTicker, "market", tick)
	if err != nil {
		return
	}
	if err := c.bus.Publish(tickCtx, fabric.ExchangeMarket, fabric.TickerKey(frame.ProductID), env); err != nil {
		c.logger.Debug().Err(err).Msg("ticker publish failed")
	}
}
