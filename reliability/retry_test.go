package reliability

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrpc/meshrpc-go/errors"
)

func retryable(code string) *errors.MessagingError {
	return &errors.MessagingError{Code: code, Message: code, Type: errors.TypeTransport, Retryable: true}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return retryable("FLAKY")
		}
		return nil
	}, RetryOptions{InitialDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	fatal := &errors.MessagingError{Code: "FATAL", Message: "fatal", Type: errors.TypeValidation}
	err := Retry(context.Background(), func() error {
		calls++
		return fatal
	}, RetryOptions{InitialDelay: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.TypeValidation))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return retryable("ALWAYS")
	}, RetryOptions{MaxRetries: 2, InitialDelay: time.Millisecond})

	require.Error(t, err)
	// First attempt plus two retries.
	assert.Equal(t, 3, calls)

	var merr *errors.MessagingError
	require.True(t, stderrors.As(err, &merr))
	assert.Equal(t, "ALWAYS", merr.Code)
}

func TestRetryCustomPredicate(t *testing.T) {
	calls := 0
	plain := stderrors.New("plain failure")
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return plain
		}
		return nil
	}, RetryOptions{
		InitialDelay: time.Millisecond,
		RetryIf:      func(error) bool { return true },
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, func() error {
		calls++
		cancel()
		return retryable("SLOW")
	}, RetryOptions{InitialDelay: time.Minute})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryDelayGrowth(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	calls := 0
	_ = Retry(context.Background(), func() error {
		now := time.Now()
		if calls > 0 {
			gaps = append(gaps, now.Sub(last))
		}
		last = now
		calls++
		return retryable("ALWAYS")
	}, RetryOptions{MaxRetries: 2, InitialDelay: 40 * time.Millisecond, BackoffFactor: 2})

	require.Len(t, gaps, 2)
	assert.GreaterOrEqual(t, gaps[0], 40*time.Millisecond)
	// Second gap doubles.
	assert.GreaterOrEqual(t, gaps[1], 80*time.Millisecond)
}

func TestExponentialBackoffDelays(t *testing.T) {
	policy := NewExponentialBackoff(time.Second, 30*time.Second, 1.5, 10)

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 1500*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 2250*time.Millisecond, policy.NextDelay(3))
	assert.Equal(t, 30*time.Second, policy.NextDelay(50))
	assert.Equal(t, 10, policy.MaxAttempts())

	// Attempts below 1 clamp to the initial delay.
	assert.Equal(t, time.Second, policy.NextDelay(0))
}
