// Package collectors implements the ingestion framework: a shared
// rate-limited, breaker-guarded HTTP client, a polling runner with health
// accounting, and the concrete source collectors.
package collectors

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/circuit"
	"github.com/mastertrade/core/internal/fabric"
	"github.com/mastertrade/core/internal/ratelimit"
)

// Health statuses emitted each cycle.
const (
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthFailed      = "failed"
	HealthCircuitOpen = "circuit_open"
)

// Source kinds.
const (
	KindOnChain  = "onchain"
	KindSocial   = "social"
	KindMarket   = "market"
	KindMacro    = "macro"
	KindExchange = "exchange"
)

// Collector is the capability set every source implements. Streaming
// sources run their subscription inside Start and may implement PollOnce
// as a no-op snapshot.
type Collector interface {
	Name() string
	Kind() string
	PollOnce(ctx context.Context) (records int, err error)
	Backfill(ctx context.Context, from, to time.Time) error
	Interval() time.Duration
	Client() *Client
}

// Streamer is implemented by collectors that additionally maintain a
// streaming subscription.
type Streamer interface {
	Stream(ctx context.Context) error
}

// HealthRecord is the per-cycle health snapshot.
type HealthRecord struct {
	Status           string    `json:"status"`
	LatencyMS        int64     `json:"latency_ms"`
	RecordsCollected int       `json:"records_collected"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	At               time.Time `json:"at"`
}

// Runner drives one collector: the polling loop, the optional stream, and
// per-cycle health emission to the cache and the fabric.
type Runner struct {
	collector Collector
	cache     *cache.Service
	fabric    *fabric.Fabric
	store     RunStore
	logger    zerolog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    HealthRecord
}

// RunStore archives collector runs; satisfied by the database repository.
type RunStore interface {
	RecordCollectorRun(ctx context.Context, collector, status string, latency time.Duration, records int, errMsg string) error
}

// NewRunner wraps a collector with its lifecycle.
func NewRunner(c Collector, cacheSvc *cache.Service, bus *fabric.Fabric, store RunStore, logger zerolog.Logger) *Runner {
	return &Runner{
		collector: c,
		cache:     cacheSvc,
		fabric:    bus,
		store:     store,
		logger:    logger.With().Str("collector", c.Name()).Logger(),
	}
}

// Start launches the polling loop (and stream, when the collector has
// one). Idempotent while running.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	r.restoreState(runCtx)

	go r.loop(runCtx)
	if s, ok := r.collector.(Streamer); ok {
		go r.streamLoop(runCtx, s)
	}
	r.logger.Info().Str("kind", r.collector.Kind()).Msg("collector started")
}

// Stop cancels the loops and persists limiter/breaker state.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.persistState(context.Background())
	r.logger.Info().Msg("collector stopped")
}

// Restart stops then starts the collector.
func (r *Runner) Restart(ctx context.Context) {
	r.Stop()
	r.Start(ctx)
}

// IsRunning reports whether the loop is live.
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// LastHealth returns the most recent health record.
func (r *Runner) LastHealth() HealthRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Collector returns the wrapped collector.
func (r *Runner) Collector() Collector { return r.collector }

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.collector.Interval())
	defer ticker.Stop()

	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Runner) cycle(ctx context.Context) {
	start := time.Now()
	records, err := r.collector.PollOnce(ctx)
	latency := time.Since(start)

	rec := HealthRecord{
		Status:           HealthHealthy,
		LatencyMS:        latency.Milliseconds(),
		RecordsCollected: records,
		At:               time.Now().UTC(),
	}

	switch {
	case err == nil:
	case errors.Is(err, circuit.ErrCircuitOpen):
		rec.Status = HealthCircuitOpen
		rec.ErrorMessage = err.Error()
		r.logger.Debug().Err(err).Msg("cycle skipped, breaker open")
	case errors.Is(err, ErrThrottled):
		rec.Status = HealthDegraded
		rec.ErrorMessage = err.Error()
		r.logger.Debug().Err(err).Msg("cycle throttled")
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrParse):
		rec.Status = HealthDegraded
		rec.ErrorMessage = err.Error()
		r.logger.Error().Err(err).Msg("cycle error")
	default:
		rec.Status = HealthFailed
		rec.ErrorMessage = err.Error()
		r.logger.Warn().Err(err).Msg("cycle failed")
	}

	r.mu.Lock()
	r.last = rec
	r.mu.Unlock()

	r.emitHealth(ctx, rec)
	r.persistState(ctx)
}

// emitHealth writes the record to the cache and publishes it on the
// fabric. Failures degrade silently; health reporting never fails a cycle.
func (r *Runner) emitHealth(ctx context.Context, rec HealthRecord) {
	name := r.collector.Name()
	emitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.cache.SetJSON(emitCtx, cache.CollectorHealthKey(name), rec, cache.StateTTL); err != nil {
		r.logger.Debug().Err(err).Msg("health cache write failed")
	}

	env, err := fabric.NewEnvelope(fabric.TypeSystemNotification, name, fabric.CollectorHealthPayload{
		Collector:        name,
		Status:           rec.Status,
		LatencyMS:        rec.LatencyMS,
		RecordsCollected: rec.RecordsCollected,
		ErrorMessage:     rec.ErrorMessage,
	})
	if err == nil {
		if err := r.fabric.Publish(emitCtx, fabric.ExchangeSystem, fabric.SystemKey("health", name), env); err != nil {
			r.logger.Debug().Err(err).Msg("health publish failed")
		}
	}

	if r.store != nil {
		if err := r.store.RecordCollectorRun(emitCtx, name, rec.Status, time.Duration(rec.LatencyMS)*time.Millisecond, rec.RecordsCollected, rec.ErrorMessage); err != nil {
			r.logger.Debug().Err(err).Msg("health row write failed")
		}
	}
}

// persistState saves limiter and breaker snapshots so restarts resume the
// prior pacing posture.
func (r *Runner) persistState(ctx context.Context) {
	name := r.collector.Name()
	client := r.collector.Client()
	if client == nil {
		return
	}
	stateCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	for endpoint, snap := range client.Limiter().Snapshots() {
		key := cache.RateLimitKey(name, endpoint)
		if err := r.cache.SetJSON(stateCtx, key, snap, cache.StateTTL); err != nil {
			return
		}
	}
	if err := r.cache.SetJSON(stateCtx, cache.BreakerKey(name), client.Breaker().Snapshot(), cache.StateTTL); err != nil {
		r.logger.Debug().Err(err).Msg("breaker state persist failed")
	}
}

// restoreState loads persisted limiter/breaker snapshots. Advisory only.
func (r *Runner) restoreState(ctx context.Context) {
	client := r.collector.Client()
	if client == nil {
		return
	}
	name := r.collector.Name()
	stateCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var breakerSnap circuit.Snapshot
	if err := r.cache.GetJSON(stateCtx, cache.BreakerKey(name), &breakerSnap); err == nil {
		client.Breaker().Restore(breakerSnap)
		r.logger.Info().Str("state", string(breakerSnap.State)).Msg("breaker state restored")
	}

	if e, ok := r.collector.(interface{ Endpoints() []string }); ok {
		for _, endpoint := range e.Endpoints() {
			var snap ratelimit.Snapshot
			if err := r.cache.GetJSON(stateCtx, cache.RateLimitKey(name, endpoint), &snap); err == nil {
				client.Limiter().Restore(endpoint, snap)
			}
		}
	}
}

// streamLoop maintains the streaming subscription with exponential
// reconnect backoff (1s doubling to 60s, reset on success).
func (r *Runner) streamLoop(ctx context.Context, s Streamer) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := s.Stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected, reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff < 60*time.Second {
			backoff *= 2
		}
	}
}
