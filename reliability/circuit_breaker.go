package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshrpc/meshrpc-go/errors"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails fast once consecutive failures cross a threshold,
// probing the protected operation again after a cooldown.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	halfOpenInUse   int
	lastFailureTime time.Time

	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenRequests int
	onStateChange    func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerName names the breaker for error messages.
func WithBreakerName(name string) BreakerOption {
	return func(cb *CircuitBreaker) { cb.name = name }
}

// WithFailureThreshold sets the consecutive-failure count that opens the breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.failureThreshold = n }
}

// WithSuccessThreshold sets the half-open success count that closes the breaker.
func WithSuccessThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.successThreshold = n }
}

// WithCooldown sets how long the breaker stays open before probing.
func WithCooldown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithHalfOpenRequests caps concurrent probes in the half-open state.
func WithHalfOpenRequests(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenRequests = n }
}

// WithStateChangeFunc registers a state transition callback.
func WithStateChangeFunc(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// NewCircuitBreaker creates a circuit breaker with conservative defaults.
func NewCircuitBreaker(options ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            BreakerClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		cooldown:         30 * time.Second,
		halfOpenRequests: 3,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn under breaker protection. When the breaker is open it
// returns a state-type MessagingError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		cb.release(ctx.Err())
		return ctx.Err()
	default:
	}
	err := fn()
	cb.release(err)
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(BreakerClosed)
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInUse = 0
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(cb.lastFailureTime) >= cb.cooldown {
			cb.transition(BreakerHalfOpen)
			cb.halfOpenInUse = 1
			cb.successes = 0
			return nil
		}
		return cb.openError()
	case BreakerHalfOpen:
		if cb.halfOpenInUse >= cb.halfOpenRequests {
			return cb.openError()
		}
		cb.halfOpenInUse++
		return nil
	}
	return errors.Newf("CIRCUIT_UNKNOWN_STATE", errors.TypeState, "circuit breaker %s in unknown state", cb.name)
}

func (cb *CircuitBreaker) release(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen && cb.halfOpenInUse > 0 {
		cb.halfOpenInUse--
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailureTime = time.Now()
		switch cb.state {
		case BreakerClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(BreakerOpen)
			}
		case BreakerHalfOpen:
			// A single probe failure re-opens the breaker.
			cb.transition(BreakerOpen)
		}
		return
	}

	cb.successes++
	if cb.state == BreakerHalfOpen && cb.successes >= cb.successThreshold {
		cb.failures = 0
		cb.transition(BreakerClosed)
	} else if cb.state == BreakerClosed {
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) openError() *errors.MessagingError {
	return &errors.MessagingError{
		Code:     "CIRCUIT_OPEN",
		Message:  fmt.Sprintf("circuit breaker %s is %s (%d consecutive failures)", cb.name, cb.state, cb.failures),
		Type:     errors.TypeState,
		Severity: errors.SeverityWarning,
		// Retryable: the protected operation may recover once the cooldown
		// elapses.
		Retryable:  true,
		RetryDelay: cb.cooldown,
	}
}
