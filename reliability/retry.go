// Package reliability provides the framework's single retry mechanism and a
// circuit breaker. Nothing else in the framework retries implicitly; callers
// that want resilience opt in through Retry.
package reliability

import (
	"context"
	"math"
	"time"

	"github.com/meshrpc/meshrpc-go/errors"
)

// RetryOptions configures Retry. Zero values fall back to the defaults noted
// per field.
type RetryOptions struct {
	// MaxRetries is the number of retries after the first attempt. Default 3.
	MaxRetries int
	// InitialDelay is the delay before the first retry. Default 100ms.
	InitialDelay time.Duration
	// MaxDelay caps the backoff. Default 30s.
	MaxDelay time.Duration
	// BackoffFactor multiplies the delay after each retry. Default 2.
	BackoffFactor float64
	// RetryIf decides whether an error is worth retrying. Default: the error
	// is a retryable MessagingError.
	RetryIf func(error) bool
}

func (o *RetryOptions) applyDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.InitialDelay == 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.BackoffFactor == 0 {
		o.BackoffFactor = 2
	}
	if o.RetryIf == nil {
		o.RetryIf = errors.IsRetryable
	}
}

// Retry invokes fn, retrying on failure with exponential backoff while
// RetryIf accepts the error and attempts remain. The delay grows as
// delay = min(delay * BackoffFactor, MaxDelay). Context cancellation aborts
// the backoff sleep. The final error is returned as a MessagingError,
// wrapping foreign errors.
func Retry(ctx context.Context, fn func() error, opts RetryOptions) error {
	opts.applyDefaults()

	delay := opts.InitialDelay
	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= opts.MaxRetries || !opts.RetryIf(err) {
			return errors.Wrap(lastErr)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(math.Min(float64(delay)*opts.BackoffFactor, float64(opts.MaxDelay)))
	}
}

// Policy computes backoff delays for schedulers that manage their own attempt
// loop, such as the reconnect scheduler.
type Policy interface {
	// NextDelay returns the delay before the given attempt. Attempts are
	// 1-based.
	NextDelay(attempt int) time.Duration
	// MaxAttempts returns the attempt limit, or 0 for unlimited.
	MaxAttempts() int
}

// ExponentialBackoff is a capped exponential backoff policy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Attempts     int
}

// NewExponentialBackoff creates a capped exponential backoff policy.
func NewExponentialBackoff(initial, max time.Duration, factor float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       factor,
		Attempts:     attempts,
	}
}

// NextDelay implements Policy: min(initial * factor^(attempt-1), max).
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialDelay) * math.Pow(e.Factor, float64(attempt-1))
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}
	return time.Duration(delay)
}

// MaxAttempts implements Policy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}
