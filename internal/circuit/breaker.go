// Package circuit implements the three-state circuit breaker that isolates
// failing upstream sources. One breaker is owned by exactly one collector
// task; only manual controls are reachable from other goroutines.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned by Allow while the breaker is open and the
// retry timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const healthWindow = 1000

// Config holds circuit breaker thresholds.
type Config struct {
	FailureThreshold    int           `json:"failure_threshold"`     // consecutive failures to open
	OpenTimeout         time.Duration `json:"open_timeout"`          // base open -> half-open delay
	MaxOpenTimeout      time.Duration `json:"max_open_timeout"`      // cap on the grown delay
	HalfOpenSuccesses   int           `json:"half_open_successes"`   // successes to close from half-open
	HalfOpenMaxCalls    int           `json:"half_open_max_calls"`   // probe budget in half-open
}

// DefaultConfig returns the standard collector breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenTimeout:       300 * time.Second,
		MaxOpenTimeout:    time.Hour,
		HalfOpenSuccesses: 2,
		HalfOpenMaxCalls:  3,
	}
}

// Breaker is a three-state circuit breaker. The only legal transitions are
// closed -> open, open -> half_open, half_open -> closed and
// half_open -> open.
type Breaker struct {
	mu sync.RWMutex

	name   string
	config Config
	logger zerolog.Logger

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenCalls       int
	recoveryAttempts    int
	nextAttemptAt       time.Time
	lastOKAt            time.Time

	// ring of recent call outcomes for the health score
	outcomes [healthWindow]bool
	outcomeN int
	outcomeI int

	totalSuccesses int64
	totalFailures  int64

	now func() time.Time // injectable clock for tests
}

// New creates a breaker in the closed state.
func New(name string, cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		name:   name,
		config: cfg,
		logger: logger.With().Str("breaker", name).Logger(),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow checks whether a call may proceed. While open it returns
// ErrCircuitOpen until the retry timeout elapses, at which point the
// breaker moves to half-open and admits a bounded number of probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			return fmt.Errorf("%w: retry at %s", ErrCircuitOpen, b.nextAttemptAt.UTC().Format(time.RFC3339))
		}
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return fmt.Errorf("%w: half-open probe budget exhausted", ErrCircuitOpen)
		}
		b.halfOpenCalls++
		return nil
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recordOutcome(true)
	b.totalSuccesses++
	b.lastOKAt = b.now()
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenSuccesses {
			b.recoveryAttempts = 0
			b.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed call. In the closed state it opens the
// breaker once the consecutive-failure threshold is reached; in half-open
// any failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recordOutcome(false)
	b.totalFailures++
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// open moves to the open state with an exponentially grown retry timeout.
// Caller must hold the lock.
func (b *Breaker) open() {
	timeout := b.config.OpenTimeout
	for i := 0; i < b.recoveryAttempts; i++ {
		timeout = timeout * 3 / 2
		if timeout >= b.config.MaxOpenTimeout {
			timeout = b.config.MaxOpenTimeout
			break
		}
	}
	b.recoveryAttempts++
	b.nextAttemptAt = b.now().Add(timeout)
	b.transition(StateOpen)
}

// transition applies a state change. Caller must hold the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.halfOpenSuccesses = 0
	if to != StateHalfOpen {
		b.halfOpenCalls = 0
	}
	b.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Int("consecutive_failures", b.consecutiveFailures).
		Time("next_attempt_at", b.nextAttemptAt).
		Msg("breaker state transition")
}

func (b *Breaker) recordOutcome(ok bool) {
	b.outcomes[b.outcomeI] = ok
	b.outcomeI = (b.outcomeI + 1) % healthWindow
	if b.outcomeN < healthWindow {
		b.outcomeN++
	}
}

// ForceOpen manually opens the breaker. Actor and reason are logged.
func (b *Breaker) ForceOpen(actor, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Warn().Str("actor", actor).Str("reason", reason).Msg("breaker forced open")
	b.nextAttemptAt = b.now().Add(b.config.MaxOpenTimeout)
	b.transition(StateOpen)
}

// ForceClose manually closes the breaker. Actor and reason are logged.
func (b *Breaker) ForceClose(actor, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Warn().Str("actor", actor).Str("reason", reason).Msg("breaker forced closed")
	b.consecutiveFailures = 0
	b.recoveryAttempts = 0
	b.transition(StateClosed)
}

// Reset clears all counters and closes the breaker. Actor and reason are
// logged.
func (b *Breaker) Reset(actor, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Warn().Str("actor", actor).Str("reason", reason).Msg("breaker reset")
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenCalls = 0
	b.recoveryAttempts = 0
	b.outcomeN = 0
	b.outcomeI = 0
	b.transition(StateClosed)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// HealthScore returns successes / (successes + failures) over the last
// 1000 recorded calls. With no history it reports 1.0.
func (b *Breaker) HealthScore() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.outcomeN == 0 {
		return 1.0
	}
	ok := 0
	for i := 0; i < b.outcomeN; i++ {
		if b.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(b.outcomeN)
}

// Snapshot is the serializable breaker state persisted to the cache so a
// restart resumes with the prior posture.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	RecoveryAttempts    int       `json:"recovery_attempts"`
	NextAttemptAt       time.Time `json:"next_attempt_at"`
	LastOKAt            time.Time `json:"last_ok_at"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
}

// Snapshot returns the current persistable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		RecoveryAttempts:    b.recoveryAttempts,
		NextAttemptAt:       b.nextAttemptAt,
		LastOKAt:            b.lastOKAt,
		TotalSuccesses:      b.totalSuccesses,
		TotalFailures:       b.totalFailures,
	}
}

// Restore applies a persisted snapshot. Restored state is advisory: an
// open breaker resumes its open timer, everything else resumes counters.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s.State
	b.consecutiveFailures = s.ConsecutiveFailures
	b.halfOpenSuccesses = s.HalfOpenSuccesses
	b.recoveryAttempts = s.RecoveryAttempts
	b.nextAttemptAt = s.NextAttemptAt
	b.lastOKAt = s.LastOKAt
	b.totalSuccesses = s.TotalSuccesses
	b.totalFailures = s.TotalFailures
}

// Stats returns breaker statistics for the control API.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ok := 0
	for i := 0; i < b.outcomeN; i++ {
		if b.outcomes[i] {
			ok++
		}
	}
	health := 1.0
	if b.outcomeN > 0 {
		health = float64(ok) / float64(b.outcomeN)
	}

	return map[string]interface{}{
		"state":                string(b.state),
		"consecutive_failures": b.consecutiveFailures,
		"half_open_successes":  b.halfOpenSuccesses,
		"recovery_attempts":    b.recoveryAttempts,
		"next_attempt_at":      b.nextAttemptAt,
		"last_ok_at":           b.lastOKAt,
		"health_score":         health,
		"total_successes":      b.totalSuccesses,
		"total_failures":       b.totalFailures,
	}
}

// SetClock overrides the breaker clock. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
