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

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(3), WithCooldown(time.Hour))
	fn := func() error { return stderrors.New("boom") }

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(context.Background(), fn))
	}
	assert.Equal(t, BreakerOpen, cb.State())

	// Open breaker fails fast with a retryable state error.
	err := cb.Execute(context.Background(), func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	var merr *errors.MessagingError
	require.True(t, stderrors.As(err, &merr))
	assert.Equal(t, "CIRCUIT_OPEN", merr.Code)
	assert.True(t, merr.Retryable)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(3))

	boom := func() error { return stderrors.New("boom") }
	ok := func() error { return nil }

	_ = cb.Execute(context.Background(), boom)
	_ = cb.Execute(context.Background(), boom)
	_ = cb.Execute(context.Background(), ok)
	_ = cb.Execute(context.Background(), boom)
	_ = cb.Execute(context.Background(), boom)

	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	var transitions []BreakerState
	cb := NewCircuitBreaker(
		WithFailureThreshold(1),
		WithSuccessThreshold(2),
		WithCooldown(10*time.Millisecond),
		WithStateChangeFunc(func(from, to BreakerState) { transitions = append(transitions, to) }),
	)

	require.Error(t, cb.Execute(context.Background(), func() error { return stderrors.New("boom") }))
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	// Two successful probes close the breaker.
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, BreakerHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, BreakerClosed, cb.State())

	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, transitions)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(1), WithCooldown(10*time.Millisecond))

	require.Error(t, cb.Execute(context.Background(), func() error { return stderrors.New("boom") }))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, cb.Execute(context.Background(), func() error { return stderrors.New("still down") }))
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(1), WithCooldown(time.Hour))
	require.Error(t, cb.Execute(context.Background(), func() error { return stderrors.New("boom") }))
	require.Equal(t, BreakerOpen, cb.State())

	cb.Reset()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
}
