package resilience

import (
	"context"
	"time"

	"github.com/arc-self/happen/continuum"
)

// Timeout races h against deadline, failing with ErrHandlerTimeout if h
// does not terminate in time (spec §4.8). Distinct from continuum's own
// Timeout combinator only in the error value it surfaces, to match the
// spec's named resilience errors.
func Timeout(h continuum.HandlerFn, deadline time.Duration) continuum.HandlerFn {
	return func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		resCh := make(chan continuum.Result, 1)
		go func() { resCh <- h(ctx, in, hctx) }()

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case res := <-resCh:
			return res
		case <-timer.C:
			return continuum.Fail(ErrHandlerTimeout)
		case <-ctx.Done():
			return continuum.Fail(ctx.Err())
		}
	}
}

// Fallback tries primary; on failure it records hctx.FallbackReason and
// continues to secondary (spec §4.8, "Fallback"). Identical in shape to
// continuum.Fallback; kept here too so resilience-composed chains read
// as self-contained without an import back into continuum's combinator
// file for this one concern.
func Fallback(primary, secondary continuum.HandlerFn) continuum.HandlerFn {
	return continuum.Fallback(primary, secondary)
}
