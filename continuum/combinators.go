package continuum

import (
	"context"
	"errors"
	"sync"
	"time"
)

// When returns h's Continue iff cond(ctx, in, hctx) is true, else
// terminates with a nil value (spec §4.2, Flow combinators).
func When(cond func(context.Context, Input, *HandlerContext) bool, h HandlerFn) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		if cond(ctx, in, hctx) {
			return Continue(h)
		}
		return Return(nil)
	}
}

// Branch evaluates each (cond, handler) pair in order and continues with
// the first whose cond is true. If none match, terminates with nil.
func Branch(branches ...struct {
	Cond func(context.Context, Input, *HandlerContext) bool
	H    HandlerFn
}) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		for _, b := range branches {
			if b.Cond(ctx, in, hctx) {
				return Continue(b.H)
			}
		}
		return Return(nil)
	}
}

// Parallel awaits every handler concurrently against the same shared
// context, then terminates with a nil value (spec §4.2). Each handler
// chain is driven to completion with Run using a zero deadline (no
// per-branch timeout) — wrap individual branches in Timeout for a
// bounded wait.
func Parallel(handlers ...HandlerFn) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		var wg sync.WaitGroup
		wg.Add(len(handlers))
		for _, h := range handlers {
			h := h
			go func() {
				defer wg.Done()
				Run(ctx, 0, h, in, hctx, nil)
			}()
		}
		wg.Wait()
		return Return(nil)
	}
}

// Sequence runs each handler to completion in order; the first one that
// itself terminates with Continue (rather than Return/Stream/Fail) short-
// circuits the remaining sequence to that next handler (spec §4.2).
func Sequence(handlers ...HandlerFn) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		for _, h := range handlers {
			res := h(ctx, in, hctx)
			if res.kind == kindContinue {
				return res
			}
			if res.kind == kindFail {
				return res
			}
		}
		return Return(nil)
	}
}

// RetryOptions configures the retry combinator.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Retry invokes h with exponential backoff on failure, re-raising the
// last error once MaxAttempts is exhausted (spec §4.2).
func Retry(h HandlerFn, opts RetryOptions) HandlerFn {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		var last Result
		delay := opts.BaseDelay
		for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
			last = h(ctx, in, hctx)
			if last.kind != kindFail {
				return last
			}
			if attempt < opts.MaxAttempts-1 && delay > 0 {
				select {
				case <-ctx.Done():
					return Fail(ctx.Err())
				case <-time.After(delay):
				}
				delay *= 2
			}
		}
		return last
	}
}

// ErrCombinatorTimeout is the failure value produced when Timeout's
// deadline elapses before h terminates.
var ErrCombinatorTimeout = errors.New("continuum: handler timeout")

// Timeout races h against a deadline, failing with ErrCombinatorTimeout
// if h does not terminate in time (spec §4.2).
func Timeout(h HandlerFn, d time.Duration) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		resCh := make(chan Result, 1)
		go func() { resCh <- h(ctx, in, hctx) }()

		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case res := <-resCh:
			return res
		case <-timer.C:
			return Fail(ErrCombinatorTimeout)
		case <-ctx.Done():
			return Fail(ctx.Err())
		}
	}
}

// Map transforms in via tx before invoking h.
func Map(tx func(Input) Input, h HandlerFn) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		return h(ctx, tx(in), hctx)
	}
}

// Filter invokes h only if pred(in) holds; otherwise terminates with nil.
func Filter(pred func(Input) bool, h HandlerFn) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		if !pred(in) {
			return Return(nil)
		}
		return Continue(h)
	}
}

// Catch invokes h; if it fails, the failure value is stored on
// hctx.Error and errH is continued to, per spec §4.2 ("catch stores the
// caught value in context.error and continues with errH").
func Catch(h HandlerFn, errH HandlerFn) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		res := h(ctx, in, hctx)
		if res.kind != kindFail {
			return res
		}
		hctx.Error = res.err
		return Continue(errH)
	}
}

// Finally invokes h, then always invokes fin (for cleanup) before
// propagating h's result.
func Finally(h HandlerFn, fin func(context.Context, Input, *HandlerContext)) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		res := h(ctx, in, hctx)
		fin(ctx, in, hctx)
		return res
	}
}

// Fallback tries primary; on failure it records context.FallbackReason
// and continues to secondary (spec §4.8, "Fallback").
func Fallback(primary, secondary HandlerFn) HandlerFn {
	return func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		res := primary(ctx, in, hctx)
		if res.kind != kindFail {
			return res
		}
		hctx.FallbackReason = res.err
		return Continue(secondary)
	}
}
