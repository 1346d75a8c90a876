package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/happen/continuum"
)

func okHandler(v any) continuum.HandlerFn {
	return func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		return continuum.Return(v)
	}
}

func failHandler(err error) continuum.HandlerFn {
	return func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		return continuum.Fail(err)
	}
}

func TestCircuitBreaker_TripsOpenAtFailureThreshold(t *testing.T) {
	boom := errors.New("boom")
	cb := NewCircuitBreaker(CircuitBreakerOptions{FailureThreshold: 3, Timeout: time.Minute})
	wrapped := cb.Wrap(failHandler(boom))
	hctx := continuum.NewHandlerContext(continuum.NodeInfo{})

	for i := 0; i < 3; i++ {
		res := wrapped(context.Background(), continuum.Single(nil), hctx)
		require.True(t, res.IsFailure())
		assert.ErrorIs(t, res.Err(), boom)
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OpenFailsFastBeforeNextAttempt(t *testing.T) {
	boom := errors.New("boom")
	cb := NewCircuitBreaker(CircuitBreakerOptions{FailureThreshold: 1, Timeout: time.Hour})
	wrapped := cb.Wrap(failHandler(boom))
	hctx := continuum.NewHandlerContext(continuum.NodeInfo{})

	wrapped(context.Background(), continuum.Single(nil), hctx)
	require.Equal(t, StateOpen, cb.State())

	res := wrapped(context.Background(), continuum.Single(nil), hctx)
	require.True(t, res.IsFailure())
	assert.ErrorIs(t, res.Err(), ErrCircuitOpen)
}

func TestCircuitBreaker_OpenDelegatesToFallback(t *testing.T) {
	boom := errors.New("boom")
	cb := NewCircuitBreaker(CircuitBreakerOptions{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		Fallback:         okHandler("fallback-value"),
	})
	wrapped := cb.Wrap(failHandler(boom))
	hctx := continuum.NewHandlerContext(continuum.NodeInfo{})

	wrapped(context.Background(), continuum.Single(nil), hctx)
	require.Equal(t, StateOpen, cb.State())

	res := wrapped(context.Background(), continuum.Single(nil), hctx)
	require.False(t, res.IsFailure())
	assert.Equal(t, "fallback-value", res.Value())
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	boom := errors.New("boom")
	failing := true
	h := func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		if failing {
			return continuum.Fail(boom)
		}
		return continuum.Return("ok")
	}
	cb := NewCircuitBreaker(CircuitBreakerOptions{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond})
	wrapped := cb.Wrap(h)
	hctx := continuum.NewHandlerContext(continuum.NodeInfo{})

	wrapped(context.Background(), continuum.Single(nil), hctx)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	failing = false

	wrapped(context.Background(), continuum.Single(nil), hctx)
	assert.Equal(t, StateHalfOpen, cb.State())

	wrapped(context.Background(), continuum.Single(nil), hctx)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OnStateChangeFiresOnTransition(t *testing.T) {
	boom := errors.New("boom")
	cb := NewCircuitBreaker(CircuitBreakerOptions{FailureThreshold: 1, Timeout: time.Minute})

	seen := make(chan circuitState, 4)
	cb.OnStateChange(func(s circuitState) { seen <- s })

	wrapped := cb.Wrap(failHandler(boom))
	wrapped(context.Background(), continuum.Single(nil), continuum.NewHandlerContext(continuum.NodeInfo{}))

	select {
	case s := <-seen:
		assert.Equal(t, StateOpen, s)
	case <-time.After(time.Second):
		t.Fatal("onStateChange never fired")
	}
}
