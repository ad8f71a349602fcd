package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := New("test", DefaultConfig(), zerolog.Nop())
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := &now
	b.SetClock(func() time.Time { return *clock })
	return b, clock
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, want threshold 5", i+1)
		}
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after 5 consecutive failures", b.State())
	}

	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed: success should reset the consecutive counter", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Before the timeout, calls are rejected.
	*clock = clock.Add(299 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() before timeout = %v, want ErrCircuitOpen", err)
	}

	// After 300s the breaker half-opens and admits probes.
	*clock = clock.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	// Two successes close it.
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s after 1 success, want half_open", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s after 2 successes, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	*clock = clock.Add(301 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after half-open failure", b.State())
	}
}

func TestBreakerOpenTimeoutGrows(t *testing.T) {
	b, clock := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	first := b.Snapshot().NextAttemptAt.Sub(*clock)
	if first != 300*time.Second {
		t.Fatalf("first open timeout = %v, want 300s", first)
	}

	*clock = clock.Add(301 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v", err)
	}
	b.RecordFailure() // reopen from half-open

	second := b.Snapshot().NextAttemptAt.Sub(*clock)
	if second != 450*time.Second {
		t.Fatalf("second open timeout = %v, want 450s (300 * 1.5)", second)
	}
}

func TestBreakerManualControls(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.ForceOpen("operator", "maintenance")
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after ForceOpen", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() = %v, want ErrCircuitOpen", err)
	}

	b.ForceClose("operator", "maintenance done")
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after ForceClose", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}
}

func TestBreakerHealthScore(t *testing.T) {
	b, _ := newTestBreaker(t)

	if got := b.HealthScore(); got != 1.0 {
		t.Fatalf("empty health score = %v, want 1.0", got)
	}

	for i := 0; i < 3; i++ {
		b.RecordSuccess()
	}
	b.RecordFailure()

	if got := b.HealthScore(); got != 0.75 {
		t.Fatalf("health score = %v, want 0.75", got)
	}
}

func TestBreakerSnapshotRestore(t *testing.T) {
	b, clock := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	snap := b.Snapshot()
	restored := New("test", DefaultConfig(), zerolog.Nop())
	restored.SetClock(func() time.Time { return *clock })
	restored.Restore(snap)

	if restored.State() != StateOpen {
		t.Fatalf("restored state = %s, want open", restored.State())
	}
	if err := restored.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("restored Allow() = %v, want ErrCircuitOpen", err)
	}
}
