package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T) (*Limiter, *time.Time, *[]time.Duration) {
	t.Helper()
	l := New("test", Config{MaxPerSecond: 10, BackoffMultiplier: 2, MaxBackoff: time.Minute}, zerolog.Nop())

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := &now
	sleeps := &[]time.Duration{}
	l.SetClock(
		func() time.Time { return *clock },
		func(ctx context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			*clock = clock.Add(d)
			return nil
		},
	)
	return l, clock, sleeps
}

func TestAcquireFirstCallIsImmediate(t *testing.T) {
	l, _, sleeps := newTestLimiter(t)

	if err := l.Acquire(context.Background(), "/ticker"); err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 0 {
		t.Fatalf("first acquire slept %v, want 0", *sleeps)
	}
}

func TestAcquirePacesAtCurrentRate(t *testing.T) {
	l, _, sleeps := newTestLimiter(t)

	// Rate 10/s => second immediate call must wait ~100ms.
	_ = l.Acquire(context.Background(), "/ticker")
	_ = l.Acquire(context.Background(), "/ticker")

	if (*sleeps)[1] != 100*time.Millisecond {
		t.Fatalf("second acquire slept %v, want 100ms", (*sleeps)[1])
	}
}

func TestObserve429LowersRateAndPenalizes(t *testing.T) {
	l, _, sleeps := newTestLimiter(t)

	h := http.Header{}
	h.Set("Retry-After", "30")
	l.Observe("/ticker", http.StatusTooManyRequests, h)

	if got := l.Rate("/ticker"); got != 5 {
		t.Fatalf("rate after 429 = %v, want 5 (10 / backoff 2)", got)
	}

	_ = l.Acquire(context.Background(), "/ticker")
	if (*sleeps)[0] != 30*time.Second {
		t.Fatalf("penalty sleep = %v, want 30s from Retry-After", (*sleeps)[0])
	}
}

func TestObserve429CapsPenaltyAtMaxBackoff(t *testing.T) {
	l, _, sleeps := newTestLimiter(t)

	h := http.Header{}
	h.Set("Retry-After", "3600")
	l.Observe("/ticker", http.StatusTooManyRequests, h)

	_ = l.Acquire(context.Background(), "/ticker")
	if (*sleeps)[0] != time.Minute {
		t.Fatalf("penalty sleep = %v, want capped at 1m", (*sleeps)[0])
	}
}

func TestObserveSuccessStreakRaisesRate(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	// Drop the rate first so there is headroom to grow.
	l.Observe("/ticker", http.StatusTooManyRequests, http.Header{})
	if got := l.Rate("/ticker"); got != 5 {
		t.Fatalf("rate = %v, want 5", got)
	}

	for i := 0; i < successStreakThreshold; i++ {
		l.Observe("/ticker", http.StatusOK, http.Header{})
	}

	if got := l.Rate("/ticker"); got != 5.5 {
		t.Fatalf("rate after streak = %v, want 5.5 (5 * 1.1)", got)
	}
}

func TestObserveSuccessNeverExceedsConfiguredMax(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	for i := 0; i < successStreakThreshold*3; i++ {
		l.Observe("/ticker", http.StatusOK, http.Header{})
	}
	if got := l.Rate("/ticker"); got > 10 {
		t.Fatalf("rate = %v, want <= configured max 10", got)
	}
}

func TestObserveRateHeadersPaceToBudget(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	// 60 requests left over a 60 second window => 1/s.
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "60")
	h.Set("X-RateLimit-Reset", "60")
	l.Observe("/ticker", http.StatusOK, h)

	if got := l.Rate("/ticker"); got != 1 {
		t.Fatalf("rate after budget headers = %v, want 1", got)
	}
}

func TestObserveErrorResetsStreakWithoutLoweringRate(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	for i := 0; i < successStreakThreshold-1; i++ {
		l.Observe("/ticker", http.StatusOK, http.Header{})
	}
	l.Observe("/ticker", http.StatusInternalServerError, http.Header{})
	l.Observe("/ticker", http.StatusOK, http.Header{})

	if got := l.Rate("/ticker"); got != 10 {
		t.Fatalf("rate = %v, want unchanged 10 after 5xx", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	l.Observe("/ticker", http.StatusTooManyRequests, http.Header{})
	snaps := l.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}

	fresh := New("test", Config{MaxPerSecond: 10, BackoffMultiplier: 2, MaxBackoff: time.Minute}, zerolog.Nop())
	fresh.Restore("/ticker", snaps["/ticker"])

	if got := fresh.Rate("/ticker"); got != 5 {
		t.Fatalf("restored rate = %v, want 5", got)
	}
}

func TestRestoreClampsToMax(t *testing.T) {
	fresh := New("test", Config{MaxPerSecond: 2, BackoffMultiplier: 2, MaxBackoff: time.Minute}, zerolog.Nop())
	fresh.Restore("/ticker", Snapshot{Rate: 100})

	if got := fresh.Rate("/ticker"); got != 2 {
		t.Fatalf("restored rate = %v, want clamped to 2", got)
	}
}
