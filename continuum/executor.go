package continuum

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned as Outcome.Err when a continuum's deadline
// elapses before it terminates (spec §4.2, "Timeout").
var ErrTimeout = errors.New("continuum: timeout")

// ErrorReporter is invoked by the executor whenever a continuum
// terminates abnormally (HandlerFailure or timeout), so the caller (the
// node) can emit the corresponding system.error event (spec §4.2 cases 4
// and the timeout clause, spec §7).
type ErrorReporter func(ctx context.Context, err error, path []string)

// Run drives the handler chain starting at first until it reaches a
// terminal result or the deadline elapses. The loop itself is the model
// described in spec §4.2: while the current value is a function, invoke
// it and replace current with its result.
func Run(ctx context.Context, deadline time.Duration, first HandlerFn, in Input, hctx *HandlerContext, onError ErrorReporter) Outcome {
	runCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	resultCh := make(chan Outcome, 1)
	go func() {
		resultCh <- runChain(runCtx, first, in, hctx)
	}()

	select {
	case out := <-resultCh:
		if out.Err != nil && onError != nil {
			onError(ctx, out.Err, out.Path)
		}
		return out
	case <-runCtx.Done():
		out := Outcome{Err: ErrTimeout, Path: hctx.Path()}
		if onError != nil {
			onError(ctx, ErrTimeout, out.Path)
		}
		return out
	}
}

// runChain is the uninterrupted handler loop; Run wraps it with deadline
// handling so an abandoned chain's eventual completion doesn't leak into
// the caller after a timeout has already been reported.
func runChain(ctx context.Context, first HandlerFn, in Input, hctx *HandlerContext) Outcome {
	current := first
	for {
		if current == nil {
			return Outcome{Path: hctx.Path()}
		}
		select {
		case <-ctx.Done():
			return Outcome{Err: ErrTimeout, Path: hctx.Path()}
		default:
		}

		res := current(ctx, in, hctx)
		switch res.kind {
		case kindContinue:
			if res.nextLabel != "" {
				hctx.RecordHandler(res.nextLabel)
			}
			current = res.next
		case kindReturn:
			return Outcome{Value: res.value, Path: hctx.Path()}
		case kindStream:
			return Outcome{Stream: res.stream, Path: hctx.Path()}
		case kindFail:
			hctx.Error = res.err
			return Outcome{Err: res.err, Path: hctx.Path()}
		default:
			return Outcome{Path: hctx.Path()}
		}
	}
}
