package reliability

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// IsRetryableHTTPStatus classifies upstream statuses worth another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableError reports whether a transport error is transient. Caller
// cancellation is never retryable.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Dial and connection-level failures surface as *net.OpError, usually
	// wrapped in the *url.Error returned by http.Client.Do.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Backoff is a capped exponential schedule with optional full jitter.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool
}

func (b Backoff) Delay(attempt int) time.Duration {
	d := ExponentialBackoff(attempt, b.Base, b.Cap)
	if !b.Jitter || d <= 0 {
		return d
	}
	return d/2 + rand.N(d/2+1)
}

// Wait sleeps for the attempt's delay or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
