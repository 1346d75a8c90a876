package continuum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_TerminatesOnNonFunctionValue(t *testing.T) {
	h := func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		return Return(map[string]bool{"ok": true})
	}
	out := Run(context.Background(), 0, h, Single("e1"), NewHandlerContext(NodeInfo{ID: "n1"}), nil)
	require.NoError(t, out.Err)
	assert.Equal(t, map[string]bool{"ok": true}, out.Value)
}

func TestRun_ChainsThroughContinue(t *testing.T) {
	h2 := func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		return Return("done")
	}
	h1 := func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		return ContinueNamed("h2", h2)
	}
	hctx := NewHandlerContext(NodeInfo{ID: "n1"})
	out := Run(context.Background(), 0, h1, Single("e1"), hctx, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, "done", out.Value)
	assert.Equal(t, []string{"h2"}, out.Path)
}

func TestRun_FailPropagatesAndReportsError(t *testing.T) {
	boom := errors.New("boom")
	h := func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		return Fail(boom)
	}

	var reported error
	onError := func(ctx context.Context, err error, path []string) { reported = err }

	hctx := NewHandlerContext(NodeInfo{ID: "n1"})
	out := Run(context.Background(), 0, h, Single("e1"), hctx, onError)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, boom, hctx.Error)
	assert.Equal(t, boom, reported)
}

func TestRun_TimeoutEmitsErrorAndUndefinedResult(t *testing.T) {
	h := func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		select {
		case <-time.After(200 * time.Millisecond):
			return Return("too late")
		case <-ctx.Done():
			return Fail(ctx.Err())
		}
	}

	var reported error
	onError := func(ctx context.Context, err error, path []string) { reported = err }

	hctx := NewHandlerContext(NodeInfo{ID: "n1"})
	out := Run(context.Background(), 10*time.Millisecond, h, Single("e1"), hctx, onError)
	assert.ErrorIs(t, out.Err, ErrTimeout)
	assert.Nil(t, out.Value)
	assert.ErrorIs(t, reported, ErrTimeout)
}

func TestRun_StreamPassesThroughWithoutIterating(t *testing.T) {
	seq := &fakeSeq{items: []any{1, 2, 3}}
	h := func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		return Stream(seq)
	}
	out := Run(context.Background(), 0, h, Single("e1"), NewHandlerContext(NodeInfo{}), nil)
	require.NoError(t, out.Err)
	require.NotNil(t, out.Stream)
	assert.Equal(t, 0, seq.pulled, "executor must not iterate the stream itself")
}

type fakeSeq struct {
	items  []any
	pulled int
}

func (f *fakeSeq) Next(ctx context.Context) (any, bool, error) {
	if f.pulled >= len(f.items) {
		return nil, false, nil
	}
	v := f.items[f.pulled]
	f.pulled++
	return v, true, nil
}

func (f *fakeSeq) Close() error { return nil }

func TestEmptyBatch_ResultIsNilNoHandlerInvoked(t *testing.T) {
	invoked := false
	h := func(ctx context.Context, in Input, hctx *HandlerContext) Result {
		invoked = true
		return Return("should not happen")
	}

	in := Batch(nil)
	require.Empty(t, in.All())

	// Caller-side contract (spec §8): an empty batch never reaches the
	// executor at all; this is the guard a caller applies before Run.
	var out Outcome
	if len(in.All()) > 0 {
		out = Run(context.Background(), 0, h, in, NewHandlerContext(NodeInfo{}), nil)
	}
	assert.False(t, invoked)
	assert.Nil(t, out.Value)
}
