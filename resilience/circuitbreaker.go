// Package resilience implements Happen's resilience combinators: circuit
// breaker, bulkhead, timeout, fallback, and supervised restart (spec
// §4.8), wrapping continuum handlers the same way continuum's own flow
// combinators do.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/arc-self/happen/continuum"
)

// circuitState is the circuit breaker's state machine (spec §4.8).
type circuitState int

const (
	StateClosed circuitState = iota
	StateHalfOpen
	StateOpen
)

// CircuitBreakerOptions configures a CircuitBreaker's thresholds (spec
// §4.8).
type CircuitBreakerOptions struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// Fallback, if set, is invoked instead of failing fast while open.
	Fallback continuum.HandlerFn
}

// CircuitBreaker wraps a handler with the closed/open/half-open state
// machine from spec §4.8.
type CircuitBreaker struct {
	mu sync.Mutex

	opts        CircuitBreakerOptions
	state       circuitState
	failures    int
	successes   int
	nextAttempt time.Time

	onStateChange func(circuitState)
}

// NewCircuitBreaker constructs a closed circuit breaker.
func NewCircuitBreaker(opts CircuitBreakerOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{opts: opts}
}

// OnStateChange registers a callback invoked whenever the breaker
// transitions state, so a node can log/emit telemetry on it.
func (cb *CircuitBreaker) OnStateChange(fn func(circuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to circuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		fn := cb.onStateChange
		go fn(to)
	}
}

// Wrap returns a HandlerFn that executes h through this breaker (spec
// §4.8, "execute(h, e, c)"):
//   - open and now < nextAttempt -> fallback or fail fast.
//   - open and now >= nextAttempt -> half-open, reset successes, call h.
//   - on success: reset failures; if half-open, count toward
//     successThreshold to close.
//   - on failure: increment failures; if >= failureThreshold, trip open
//     with nextAttempt = now + timeout.
func (cb *CircuitBreaker) Wrap(h continuum.HandlerFn) continuum.HandlerFn {
	return func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		cb.mu.Lock()
		if cb.state == StateOpen {
			if time.Now().Before(cb.nextAttempt) {
				fallback := cb.opts.Fallback
				cb.mu.Unlock()
				if fallback != nil {
					return fallback(ctx, in, hctx)
				}
				return continuum.Fail(ErrCircuitOpen)
			}
			cb.transition(StateHalfOpen)
			cb.successes = 0
		}
		cb.mu.Unlock()

		res := h(ctx, in, hctx)

		cb.mu.Lock()
		defer cb.mu.Unlock()
		if res.IsFailure() {
			cb.failures++
			if cb.failures >= cb.opts.FailureThreshold {
				cb.transition(StateOpen)
				cb.nextAttempt = time.Now().Add(cb.opts.Timeout)
			}
			return res
		}

		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.opts.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return res
	}
}
