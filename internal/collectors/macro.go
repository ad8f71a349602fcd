package collectors

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/circuit"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
	"github.com/mastertrade/core/internal/ratelimit"
)

// Macro metric names. Macro series are stored under the synthetic symbol
// MACRO since they are not per-asset.
const (
	MacroSymbol         = "MACRO"
	MetricFedFundsRate  = "fed_funds_rate"
	MetricCPI           = "cpi"
	MetricDXY           = "dxy"
	MetricFearGreed     = "fear_greed_index"
)

// MacroCollector polls FRED economic series and the alternative.me fear &
// greed index.
type MacroCollector struct {
	fred      *Client
	fearGreed *Client
	fredKey   string
	repo      *database.Repository
	bus       *fabric.Fabric
	logger    zerolog.Logger
}

var fredSeries = map[string]string{
	MetricFedFundsRate: "DFF",
	MetricCPI:          "CPIAUCSL",
	MetricDXY:          "DTWEXBGS",
}

// NewMacroCollector builds the macro collector.
func NewMacroCollector(fredKey string, timeout time.Duration, repo *database.Repository, bus *fabric.Fabric, logger zerolog.Logger) *MacroCollector {
	breaker := circuit.New("macro", circuit.DefaultConfig(), logger)

	fredLimiter := ratelimit.New("macro", ratelimit.Config{
		MaxPerSecond:      2,
		InitialPerSecond:  1,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Minute,
	}, logger)
	fred := NewClient("macro", "https://api.stlouisfed.org", timeout, fredLimiter, breaker, logger)

	fgLimiter := ratelimit.New("macro-feargreed", ratelimit.Config{
		MaxPerSecond:      1,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Minute,
	}, logger)
	fearGreed := NewClient("macro-feargreed", "https://api.alternative.me", timeout, fgLimiter, breaker, logger)

	return &MacroCollector{
		fred:      fred,
		fearGreed: fearGreed,
		fredKey:   fredKey,
		repo:      repo,
		bus:       bus,
		logger:    logger.With().Str("collector", "macro").Logger(),
	}
}

func (c *MacroCollector) Name() string            { return "macro" }
func (c *MacroCollector) Kind() string            { return KindMacro }
func (c *MacroCollector) Interval() time.Duration { return time.Hour }
func (c *MacroCollector) Client() *Client         { return c.fred }

type fredObservations struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

type fearGreedResponse struct {
	Data []struct {
		Value     string `json:"value"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
}

// PollOnce fetches the latest observation of each macro series.
func (c *MacroCollector) PollOnce(ctx context.Context) (int, error) {
	records := 0
	var firstErr error
	now := time.Now().UTC()

	for metric, series := range fredSeries {
		var obs fredObservations
		err := c.fred.GetJSON(ctx, "/fred/series/observations", map[string]string{
			"series_id":  series,
			"api_key":    c.fredKey,
			"file_type":  "json",
			"sort_order": "desc",
			"limit":      "1",
		}, &obs)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(obs.Observations) == 0 {
			continue
		}
		value, err := strconv.ParseFloat(obs.Observations[0].Value, 64)
		if err != nil {
			// FRED reports missing observations as ".".
			continue
		}
		if err := c.storeAndPublish(ctx, metric, series, value, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		records++
	}

	var fg fearGreedResponse
	if err := c.fearGreed.GetJSON(ctx, "/fng/", map[string]string{"limit": "1"}, &fg); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if len(fg.Data) > 0 {
		if value, err := strconv.ParseFloat(fg.Data[0].Value, 64); err == nil {
			if err := c.storeAndPublish(ctx, MetricFearGreed, "fng", value, now); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				records++
			}
		}
	}

	if records == 0 && firstErr != nil {
		return 0, firstErr
	}
	return records, nil
}

func (c *MacroCollector) storeAndPublish(ctx context.Context, metric, series string, value float64, ts time.Time) error {
	point := database.MetricPoint{Symbol: MacroSymbol, Timestamp: ts, Metric: metric, Value: value, Source: "macro"}
	if err := retryOnce(ctx, func() error {
		return c.repo.InsertMetricPoints(ctx, []database.MetricPoint{point})
	}); err != nil {
		return fmt.Errorf("store macro %s: %w", metric, err)
	}

	env, err := fabric.NewEnvelope(fabric.TypeOnChainMetric, "macro", fabric.MacroIndicatorPayload{
		Series: series, Value: value, Source: "macro", Timestamp: ts,
	})
	if err != nil {
		return err
	}
	return retryOnce(ctx, func() error {
		return c.bus.Publish(ctx, fabric.ExchangeMarket, fabric.OnChainKey(MacroSymbol), env)
	})
}

// Backfill fetches series history over a range.
func (c *MacroCollector) Backfill(ctx context.Context, from, to time.Time) error {
	for metric, series := range fredSeries {
		var obs fredObservations
		err := c.fred.GetJSON(ctx, "/fred/series/observations", map[string]string{
			"series_id":         series,
			"api_key":           c.fredKey,
			"file_type":         "json",
			"observation_start": from.Format("2006-01-02"),
			"observation_end":   to.Format("2006-01-02"),
		}, &obs)
		if err != nil {
			return err
		}
		batch := make([]database.MetricPoint, 0, len(obs.Observations))
		for _, o := range obs.Observations {
			value, err := strconv.ParseFloat(o.Value, 64)
			if err != nil {
				continue
			}
			date, err := time.Parse("2006-01-02", o.Date)
			if err != nil {
				continue
			}
			batch = append(batch, database.MetricPoint{
				Symbol: MacroSymbol, Timestamp: date, Metric: metric, Value: value, Source: "macro",
			})
		}
		if err := c.repo.InsertMetricPoints(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
