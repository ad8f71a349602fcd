package collectors

import "errors"

// Error taxonomy for upstream calls. The client classifies every failure
// into exactly one of these so callers can pick the right policy:
// transient errors count toward the breaker, throttles sleep through the
// limiter, permanent and parse errors advance the cycle without counting.
var (
	// ErrTransient covers timeouts and upstream 5xx. Counts toward the
	// breaker; retried with backoff up to 3 attempts.
	ErrTransient = errors.New("transient upstream error")

	// ErrThrottled covers 429 and local limiter rejection. Does not count
	// toward the breaker.
	ErrThrottled = errors.New("throttled")

	// ErrPermanent covers non-throttle 4xx. Logged, no retry, no breaker.
	ErrPermanent = errors.New("permanent client error")

	// ErrParse covers malformed upstream payloads. Logged with a sample,
	// message dropped, no breaker.
	ErrParse = errors.New("unparsable payload")
)
