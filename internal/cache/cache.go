// Package cache provides the Redis-backed ephemeral store: query caching,
// rate-limiter and breaker persistence, collector health, and the recent
// signal buffer. When Redis is unavailable operations return errors that
// callers handle by degrading (stale reads, defaults, skipped persistence).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrUnavailable is returned while the internal failure circuit is open.
var ErrUnavailable = errors.New("cache unavailable")

// ErrMiss is returned on a cache miss.
var ErrMiss = redis.Nil

// Key builders. Keys are namespaced by concern, not by component, so the
// control API can read collector state without importing the collectors.
const (
	keyRateLimit       = "ratelimit:%s:%s" // collector, endpoint
	keyBreaker         = "breaker:%s"      // collector
	keyCollectorHealth = "collector:health:%s"
	keySignalBuffer    = "signals:recent"
	keyGoalStatus      = "goals:status"
	keyTicker          = "ticker:%s" // symbol
	keyQuery           = "query:%s"
)

// Default TTLs per state class.
const (
	StateTTL  = 24 * time.Hour   // rate limiter, breaker, collector health
	QueryTTL  = 300 * time.Second
	GoalTTL   = 5 * time.Minute
	TickerTTL = time.Minute

	signalBufferMax = 1000
)

// Service wraps the Redis client with a small failure circuit so a dead
// cache degrades the system instead of stalling it.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// New connects to Redis from a URL. A failed initial connection returns
// the service in degraded mode rather than an error; the circuit recovers
// on the first successful ping.
func New(url string, logger zerolog.Logger) (*Service, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	s := &Service{
		client:        redis.NewClient(opts),
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("initial cache connection failed, starting degraded")
		return s, nil
	}
	s.healthy = true
	s.lastCheck = time.Now()
	return s, nil
}

// IsHealthy reports whether the cache circuit is closed.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.logger.Warn().Int("failures", s.failureCount).Msg("cache marked unhealthy")
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.logger.Info().Msg("cache recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth schedules a background ping when the circuit has been open
// long enough to probe again.
func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()
	if !shouldCheck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		} else {
			s.mu.Lock()
			s.lastCheck = time.Now()
			s.mu.Unlock()
		}
	}()
}

func (s *Service) guard() error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return err
		}
		s.recordFailure()
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	s.recordSuccess()
	return json.Unmarshal(data, dest)
}

// SetJSON marshals and stores a JSON value with TTL.
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

// Increment atomically increments a counter, setting TTL on first use.
func (s *Service) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("cache incr %s: %w", key, err)
	}
	if val == 1 && ttl > 0 {
		s.client.Expire(ctx, key, ttl)
	}
	s.recordSuccess()
	return val, nil
}

// SetNX sets a key only if absent, returning whether it was set. Used for
// idempotency-key deduplication.
func (s *Service) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		s.recordFailure()
		return false, fmt.Errorf("cache setnx %s: %w", key, err)
	}
	s.recordSuccess()
	return ok, nil
}

// Close closes the underlying client.
func (s *Service) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// ---- typed accessors over the key namespace ----

// RateLimitKey builds the persistence key for one collector endpoint.
func RateLimitKey(collector, endpoint string) string {
	return fmt.Sprintf(keyRateLimit, collector, endpoint)
}

// BreakerKey builds the persistence key for a collector breaker.
func BreakerKey(collector string) string {
	return fmt.Sprintf(keyBreaker, collector)
}

// CollectorHealthKey builds the health-record key for a collector.
func CollectorHealthKey(name string) string {
	return fmt.Sprintf(keyCollectorHealth, name)
}

// GoalStatusKey returns the cached goal-status key.
func GoalStatusKey() string { return keyGoalStatus }

// TickerKey builds the latest-ticker key for a symbol.
func TickerKey(symbol string) string {
	return fmt.Sprintf(keyTicker, symbol)
}

// QueryKey builds a query-result cache key.
func QueryKey(name string) string {
	return fmt.Sprintf(keyQuery, name)
}

// StrategyScoreKey builds the key holding a strategy's overall score as
// of its last activation flip.
func StrategyScoreKey(strategyID int64) string {
	return fmt.Sprintf("strategy:flipscore:%d", strategyID)
}

// BufferedSignal is the compact form of a market signal held in the
// recent-signal sorted set.
type BufferedSignal struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Strength   string    `json:"strength"`
	Score      float64   `json:"score"`
}

// PushSignal appends a signal to the recent buffer, trims it to the max
// length, and refreshes the 24h TTL. Score is the signal timestamp so
// range queries by time are a ZRANGEBYSCORE.
func (s *Service) PushSignal(ctx context.Context, sig BufferedSignal) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, keySignalBuffer, redis.Z{
		Score:  float64(sig.Timestamp.UnixMilli()),
		Member: data,
	})
	pipe.ZRemRangeByRank(ctx, keySignalBuffer, 0, int64(-signalBufferMax-1))
	pipe.Expire(ctx, keySignalBuffer, StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordFailure()
		return fmt.Errorf("cache push signal: %w", err)
	}
	s.recordSuccess()
	return nil
}

// RecentSignals returns buffered signals in [from, to], newest first,
// optionally filtered by symbol, up to limit entries.
func (s *Service) RecentSignals(ctx context.Context, symbol string, from, to time.Time, limit int) ([]BufferedSignal, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > signalBufferMax {
		limit = signalBufferMax
	}

	members, err := s.client.ZRevRangeByScore(ctx, keySignalBuffer, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixMilli()),
		Max: fmt.Sprintf("%d", to.UnixMilli()),
	}).Result()
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("cache range signals: %w", err)
	}
	s.recordSuccess()

	out := make([]BufferedSignal, 0, limit)
	for _, m := range members {
		var sig BufferedSignal
		if err := json.Unmarshal([]byte(m), &sig); err != nil {
			continue // tolerate a malformed buffer entry
		}
		if symbol != "" && sig.Symbol != symbol {
			continue
		}
		out = append(out, sig)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats returns cache health statistics for the control API.
func (s *Service) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"healthy":       s.healthy,
		"failure_count": s.failureCount,
	}
}
