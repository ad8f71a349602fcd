package collectors

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/circuit"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
	"github.com/mastertrade/core/internal/ratelimit"
)

// Social metric names.
const (
	MetricGalaxyScore     = "galaxy_score"
	MetricSocialSentiment = "social_sentiment"
	MetricMentionVelocity = "mention_velocity"
)

// SocialCollector polls LunarCrush for the galaxy score and aggregated
// sentiment, and Reddit for mention velocity.
type SocialCollector struct {
	lunar   *Client
	reddit  *Client
	symbols []string
	repo    *database.Repository
	bus     *fabric.Fabric
	logger  zerolog.Logger
}

// NewSocialCollector builds the social collector. Both upstreams share one
// breaker since the collector degrades as a unit, but pace independently.
func NewSocialCollector(lunarKey, redditAppID string, symbols []string, timeout time.Duration, repo *database.Repository, bus *fabric.Fabric, logger zerolog.Logger) *SocialCollector {
	breaker := circuit.New("social", circuit.DefaultConfig(), logger)

	lunarLimiter := ratelimit.New("social", ratelimit.Config{
		MaxPerSecond:      1,
		InitialPerSecond:  0.2,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Minute,
	}, logger)
	lunar := NewClient("social", "https://lunarcrush.com/api4", timeout, lunarLimiter, breaker, logger)
	lunar.SetHeader("Authorization", "Bearer "+lunarKey)

	redditLimiter := ratelimit.New("social-reddit", ratelimit.Config{
		MaxPerSecond:      1,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Minute,
	}, logger)
	reddit := NewClient("social-reddit", "https://www.reddit.com", timeout, redditLimiter, breaker, logger)
	reddit.SetHeader("User-Agent", "mastertrade-collector/"+redditAppID)

	return &SocialCollector{
		lunar:   lunar,
		reddit:  reddit,
		symbols: symbols,
		repo:    repo,
		bus:     bus,
		logger:  logger.With().Str("collector", "social").Logger(),
	}
}

func (c *SocialCollector) Name() string            { return "social" }
func (c *SocialCollector) Kind() string            { return KindSocial }
func (c *SocialCollector) Interval() time.Duration { return 2 * time.Minute }
func (c *SocialCollector) Client() *Client         { return c.lunar }

type lunarCrushResponse struct {
	Data struct {
		GalaxyScore    float64 `json:"galaxy_score"`
		Sentiment      float64 `json:"sentiment"`
		SocialVolume24 float64 `json:"social_volume_24h"`
	} `json:"data"`
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// PollOnce fetches sentiment per tracked asset, normalizes the LunarCrush
// sentiment (1..5 scale) into [-1,1], stores it, and publishes it.
func (c *SocialCollector) PollOnce(ctx context.Context) (int, error) {
	records := 0
	var firstErr error
	now := time.Now().UTC()

	for _, symbol := range c.symbols {
		asset := baseAsset(symbol)

		var lr lunarCrushResponse
		if err := c.lunar.GetJSON(ctx, "/public/coins/"+asset+"/v1", nil, &lr); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			score := (lr.Data.Sentiment - 3) / 2 // 1..5 -> [-1, 1]
			points := []database.MetricPoint{
				{Symbol: symbol, Timestamp: now, Metric: MetricGalaxyScore, Value: lr.Data.GalaxyScore, Source: "lunarcrush"},
				{Symbol: symbol, Timestamp: now, Metric: MetricSocialSentiment, Value: score, Source: "lunarcrush"},
			}
			if err := retryOnce(ctx, func() error { return c.repo.InsertMetricPoints(ctx, points) }); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("store sentiment %s: %w", symbol, err)
				}
			} else {
				env, err := fabric.NewEnvelope(fabric.TypeSentiment, "social", fabric.SentimentPayload{
					Symbol: symbol, Score: score, Engagement: lr.Data.SocialVolume24,
					Source: "lunarcrush", Timestamp: now,
				})
				if err == nil {
					if err := retryOnce(ctx, func() error {
						return c.bus.Publish(ctx, fabric.ExchangeMarket, fabric.SentimentKey(symbol), env)
					}); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				records += 2
			}
		}

		var listing redditListing
		query := map[string]string{"q": asset, "sort": "new", "limit": "100", "t": "hour"}
		if err := c.reddit.GetJSON(ctx, "/r/CryptoCurrency/search.json", query, &listing); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		velocity := float64(len(listing.Data.Children)) // mentions in the last hour
		point := database.MetricPoint{Symbol: symbol, Timestamp: now, Metric: MetricMentionVelocity, Value: velocity, Source: "reddit"}
		if err := retryOnce(ctx, func() error {
			return c.repo.InsertMetricPoints(ctx, []database.MetricPoint{point})
		}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		records++
	}

	if records == 0 && firstErr != nil {
		return 0, firstErr
	}
	return records, nil
}

// Backfill is unsupported for social feeds; the upstreams expose no
// history at this tier.
func (c *SocialCollector) Backfill(ctx context.Context, from, to time.Time) error {
	return fmt.Errorf("%w: social backfill unsupported", ErrPermanent)
}
