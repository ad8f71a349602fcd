package collectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/circuit"
	"github.com/mastertrade/core/internal/ratelimit"
)

const transientRetries = 3

// Client is the shared upstream HTTP client every collector calls through.
// It paces requests with the adaptive limiter, isolates failures with the
// breaker, and classifies every failure into the error taxonomy.
type Client struct {
	name    string
	http    *resty.Client
	limiter *ratelimit.Limiter
	breaker *circuit.Breaker
	logger  zerolog.Logger
}

// NewClient builds a client for one collector.
func NewClient(name, baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, breaker *circuit.Breaker, logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		name:    name,
		http:    httpClient,
		limiter: limiter,
		breaker: breaker,
		logger:  logger.With().Str("client", name).Logger(),
	}
}

// SetHeader sets a default header, typically the API key.
func (c *Client) SetHeader(key, value string) *Client {
	c.http.SetHeader(key, value)
	return c
}

// Limiter exposes the client's limiter for stats and control.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// Breaker exposes the client's breaker for stats and control.
func (c *Client) Breaker() *circuit.Breaker { return c.breaker }

// GetJSON performs a rate-limited, breaker-guarded GET and unmarshals the
// response body into dest. Transient failures are retried up to 3 times
// and count toward the breaker; throttles and client errors do not.
func (c *Client) GetJSON(ctx context.Context, endpoint string, query map[string]string, dest interface{}) error {
	var lastErr error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := c.getOnce(ctx, endpoint, query, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func (c *Client) getOnce(ctx context.Context, endpoint string, query map[string]string, dest interface{}) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}
	if err := c.limiter.Acquire(ctx, endpoint); err != nil {
		return fmt.Errorf("%w: limiter: %v", ErrThrottled, err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(endpoint)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, c.name, endpoint, err)
	}

	c.limiter.Observe(endpoint, resp.StatusCode(), resp.Header())

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		// Limiter already lowered the rate; next Acquire sleeps it off.
		return fmt.Errorf("%w: %s %s", ErrThrottled, c.name, endpoint)

	case resp.StatusCode() >= 500:
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s %s: status %d", ErrTransient, c.name, endpoint, resp.StatusCode())

	case resp.StatusCode() >= 400:
		return fmt.Errorf("%w: %s %s: status %d", ErrPermanent, c.name, endpoint, resp.StatusCode())
	}

	if err := json.Unmarshal(resp.Body(), dest); err != nil {
		c.breaker.RecordSuccess() // the call itself succeeded
		sample := resp.Body()
		if len(sample) > 200 {
			sample = sample[:200]
		}
		c.logger.Error().
			Str("endpoint", endpoint).
			Str("sample", string(sample)).
			Msg("unparsable upstream payload")
		return fmt.Errorf("%w: %s %s: %v", ErrParse, c.name, endpoint, err)
	}

	c.breaker.RecordSuccess()
	return nil
}
