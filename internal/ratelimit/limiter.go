// Package ratelimit implements the adaptive per-endpoint pacing used by
// collectors. Each (collector, endpoint) pair gets a token bucket whose
// rate adapts to upstream feedback: 429 responses shrink it, rate-limit
// headers pace it against the remaining budget, and sustained success
// grows it back toward the configured maximum.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// successStreakThreshold is the number of consecutive 2xx responses after
// which the rate is raised by 10%.
const successStreakThreshold = 50

// Config holds limiter configuration for one collector.
type Config struct {
	MaxPerSecond      float64       `json:"max_per_second"`     // configured ceiling
	InitialPerSecond  float64       `json:"initial_per_second"` // starting rate, defaults to max
	BackoffMultiplier float64       `json:"backoff_multiplier"` // divisor applied on 429
	MaxBackoff        time.Duration `json:"max_backoff"`        // cap on Retry-After sleeps
}

// DefaultConfig returns conservative limiter defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerSecond:      5,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Minute,
	}
}

// bucket tracks pacing state for a single endpoint.
type bucket struct {
	rate          float64 // current requests per second
	nextSlot      time.Time
	successStreak int
	penaltyUntil  time.Time // sleep imposed by a 429 Retry-After

	totalAcquired int64
	total429      int64
	totalErrors   int64
}

// Snapshot is the serializable per-endpoint state persisted to the cache
// under ratelimit:{collector}:{endpoint} with a 24h TTL.
type Snapshot struct {
	Rate          float64 `json:"rate"`
	SuccessStreak int     `json:"success_streak"`
	TotalAcquired int64   `json:"total_acquired"`
	Total429      int64   `json:"total_429"`
	TotalErrors   int64   `json:"total_errors"`
}

// Limiter paces requests for one collector across its endpoints.
type Limiter struct {
	mu        sync.Mutex
	collector string
	config    Config
	buckets   map[string]*bucket
	logger    zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter for a collector.
func New(collector string, cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.MaxPerSecond <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.InitialPerSecond <= 0 || cfg.InitialPerSecond > cfg.MaxPerSecond {
		cfg.InitialPerSecond = cfg.MaxPerSecond
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	return &Limiter{
		collector: collector,
		config:    cfg,
		buckets:   make(map[string]*bucket),
		logger:    logger.With().Str("limiter", collector).Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) bucketFor(endpoint string) *bucket {
	b, ok := l.buckets[endpoint]
	if !ok {
		b = &bucket{rate: l.config.InitialPerSecond}
		l.buckets[endpoint] = b
	}
	return b
}

// Acquire blocks until the endpoint may be called. It honors ctx
// cancellation and any penalty imposed by a prior 429.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	l.mu.Lock()
	b := l.bucketFor(endpoint)
	now := l.now()

	wait := time.Duration(0)
	if b.penaltyUntil.After(now) {
		wait = b.penaltyUntil.Sub(now)
	}
	if b.nextSlot.After(now.Add(wait)) {
		wait = b.nextSlot.Sub(now)
	}

	// Claim the next slot before sleeping so concurrent callers queue up.
	interval := time.Duration(float64(time.Second) / b.rate)
	start := now.Add(wait)
	b.nextSlot = start.Add(interval)
	b.totalAcquired++
	l.mu.Unlock()

	return l.sleep(ctx, wait)
}

// Observe feeds a response back into the limiter, applying the adaptation
// rules. It never blocks; penalties are applied to subsequent Acquires.
func (l *Limiter) Observe(endpoint string, statusCode int, header http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(endpoint)
	now := l.now()

	switch {
	case statusCode == http.StatusTooManyRequests:
		b.total429++
		b.successStreak = 0
		b.rate = b.rate / l.config.BackoffMultiplier
		if b.rate < 0.01 {
			b.rate = 0.01
		}
		penalty := retryAfter(header, now)
		if penalty > l.config.MaxBackoff {
			penalty = l.config.MaxBackoff
		}
		if penalty > 0 {
			b.penaltyUntil = now.Add(penalty)
		}
		l.logger.Warn().
			Str("endpoint", endpoint).
			Float64("rate", b.rate).
			Dur("penalty", penalty).
			Msg("throttled by upstream, rate lowered")

	case statusCode >= 200 && statusCode < 300:
		b.successStreak++
		if b.successStreak >= successStreakThreshold {
			b.successStreak = 0
			raised := b.rate * 1.1
			if raised > l.config.MaxPerSecond {
				raised = l.config.MaxPerSecond
			}
			b.rate = raised
		}
		// When the upstream advertises its remaining budget, pace to spend
		// it evenly over the reset window instead of our local estimate.
		if remaining, reset, ok := rateHeaders(header); ok && reset > 0 {
			paced := float64(remaining) / reset.Seconds()
			if paced > 0 && paced < b.rate {
				b.rate = paced
			}
		}

	default:
		b.totalErrors++
		b.successStreak = 0
	}
}

// retryAfter parses a Retry-After header as delta-seconds or HTTP date.
func retryAfter(header http.Header, now time.Time) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now)
	}
	return 0
}

// rateHeaders extracts X-RateLimit-Remaining and the duration until
// X-RateLimit-Reset (unix seconds or delta-seconds).
func rateHeaders(header http.Header) (remaining int, untilReset time.Duration, ok bool) {
	rem := header.Get("X-RateLimit-Remaining")
	rst := header.Get("X-RateLimit-Reset")
	if rem == "" || rst == "" {
		return 0, 0, false
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return 0, 0, false
	}
	resetVal, err := strconv.ParseInt(rst, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	// Values above ~1e9 are unix timestamps; smaller values are deltas.
	if resetVal > 1_000_000_000 {
		untilReset = time.Until(time.Unix(resetVal, 0))
	} else {
		untilReset = time.Duration(resetVal) * time.Second
	}
	return remaining, untilReset, true
}

// Rate returns the current rate for an endpoint in requests per second.
func (l *Limiter) Rate(endpoint string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucketFor(endpoint).rate
}

// SetRate overrides the current rate for an endpoint, clamped to the
// configured maximum. Used by the control API.
func (l *Limiter) SetRate(endpoint string, perSecond float64) error {
	if perSecond <= 0 {
		return fmt.Errorf("rate must be positive, got %v", perSecond)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(endpoint)
	if perSecond > l.config.MaxPerSecond {
		perSecond = l.config.MaxPerSecond
	}
	b.rate = perSecond
	b.successStreak = 0
	return nil
}

// Stats returns per-endpoint pacing statistics.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	endpoints := make(map[string]interface{}, len(l.buckets))
	for name, b := range l.buckets {
		endpoints[name] = map[string]interface{}{
			"rate":           b.rate,
			"success_streak": b.successStreak,
			"total_acquired": b.totalAcquired,
			"total_429":      b.total429,
			"total_errors":   b.totalErrors,
		}
	}
	return map[string]interface{}{
		"collector": l.collector,
		"max_rate":  l.config.MaxPerSecond,
		"endpoints": endpoints,
	}
}

// Snapshots returns the persistable state per endpoint.
func (l *Limiter) Snapshots() map[string]Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Snapshot, len(l.buckets))
	for name, b := range l.buckets {
		out[name] = Snapshot{
			Rate:          b.rate,
			SuccessStreak: b.successStreak,
			TotalAcquired: b.totalAcquired,
			Total429:      b.total429,
			TotalErrors:   b.totalErrors,
		}
	}
	return out
}

// Restore applies a persisted snapshot for one endpoint. Restored rates
// are advisory and clamped to the configured maximum.
func (l *Limiter) Restore(endpoint string, s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(endpoint)
	if s.Rate > 0 {
		b.rate = s.Rate
		if b.rate > l.config.MaxPerSecond {
			b.rate = l.config.MaxPerSecond
		}
	}
	b.successStreak = s.SuccessStreak
	b.totalAcquired = s.TotalAcquired
	b.total429 = s.Total429
	b.totalErrors = s.TotalErrors
}

// SetClock overrides the limiter clock and sleeper. Test hook.
func (l *Limiter) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.sleep = sleep
}
