package taostats

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError reports an upstream 429 or a documented rate-limit
// body. RetryAfter is zero when the upstream supplied no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// TransportError reports a network or timeout failure before any HTTP
// status was received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError reports a non-2xx response other than a rate limit.
type UpstreamError struct {
	Status      int
	BodyExcerpt string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.BodyExcerpt)
}

// DecodeError reports a response body that failed schema or timestamp
// decoding. Decode failures are never retried.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries a rate limit, and the
// upstream-supplied retry hint if so.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// ErrorsContainRateLimit reports whether any accumulated error in a sync
// run carries a rate limit. The orchestrator uses this to trigger
// tier-level backoff.
func ErrorsContainRateLimit(errs []error) bool {
	for _, err := range errs {
		if _, ok := IsRateLimited(err); ok {
			return true
		}
	}
	return false
}
