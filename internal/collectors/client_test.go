package collectors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/circuit"
	"github.com/mastertrade/core/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	limiter := ratelimit.New("test", ratelimit.Config{MaxPerSecond: 1000, BackoffMultiplier: 2, MaxBackoff: time.Second}, zerolog.Nop())
	breaker := circuit.New("test", circuit.DefaultConfig(), zerolog.Nop())
	return NewClient("test", server.URL, 5*time.Second, limiter, breaker, zerolog.Nop()), server
}

func TestClientSuccessRecordsBreakerSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": 42}`))
	})

	var out struct {
		Value int `json:"value"`
	}
	if err := client.GetJSON(context.Background(), "/data", nil, &out); err != nil {
		t.Fatalf("GetJSON() = %v", err)
	}
	if out.Value != 42 {
		t.Errorf("value = %d, want 42", out.Value)
	}
	if got := client.Breaker().HealthScore(); got != 1.0 {
		t.Errorf("health score = %v, want 1.0", got)
	}
}

func TestClientClassifies4xxAsPermanent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	var out map[string]interface{}
	err := client.GetJSON(context.Background(), "/missing", nil, &out)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("GetJSON() = %v, want ErrPermanent", err)
	}
	// Permanent errors must not count toward the breaker.
	if got := client.Breaker().State(); got != circuit.StateClosed {
		t.Errorf("breaker state = %s, want closed", got)
	}
}

func TestClientClassifies429AsThrottled(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	var out map[string]interface{}
	err := client.GetJSON(context.Background(), "/data", nil, &out)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("GetJSON() = %v, want ErrThrottled", err)
	}
	if got := client.Breaker().State(); got != circuit.StateClosed {
		t.Errorf("breaker state = %s, want closed after throttle", got)
	}
	// The limiter must have lowered the endpoint rate.
	if got := client.Limiter().Rate("/data"); got >= 1000 {
		t.Errorf("rate = %v, want lowered after 429", got)
	}
}

func TestClientClassifies5xxAsTransientAndCountsBreaker(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	var out map[string]interface{}
	err := client.getOnce(context.Background(), "/data", nil, &out)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("getOnce() = %v, want ErrTransient", err)
	}
	if got := client.Breaker().HealthScore(); got != 0.0 {
		t.Errorf("health score = %v, want 0.0 after failure", got)
	}
}

func TestClientClassifiesBadBodyAsParse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	var out map[string]interface{}
	err := client.GetJSON(context.Background(), "/data", nil, &out)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("GetJSON() = %v, want ErrParse", err)
	}
	// The HTTP call itself succeeded, so the breaker records success.
	if got := client.Breaker().State(); got != circuit.StateClosed {
		t.Errorf("breaker state = %s, want closed", got)
	}
}

func TestClientRejectsWhenBreakerOpen(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	client.Breaker().ForceOpen("test", "forced")

	var out map[string]interface{}
	err := client.GetJSON(context.Background(), "/data", nil, &out)
	if !errors.Is(err, circuit.ErrCircuitOpen) {
		t.Fatalf("GetJSON() = %v, want ErrCircuitOpen", err)
	}
}

func TestBaseAsset(t *testing.T) {
	tests := []struct {
		symbol, want string
	}{
		{"BTCUSDT", "BTC"},
		{"ETHUSDC", "ETH"},
		{"SOLUSD", "SOL"},
		{"ADAEUR", "ADA"},
		{"BTC", "BTC"},
	}
	for _, tt := range tests {
		if got := baseAsset(tt.symbol); got != tt.want {
			t.Errorf("baseAsset(%s) = %s, want %s", tt.symbol, got, tt.want)
		}
	}
}
