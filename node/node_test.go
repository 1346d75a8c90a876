package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/happen/continuum"
	"github.com/arc-self/happen/event"
	"github.com/arc-self/happen/views"
)

func newTestNode(t *testing.T, name string) *Node {
	t.Helper()
	n := New(Config{Name: name, Registry: views.NewRegistry(), ConcurrencyCap: 8, TimeoutDefault: time.Second})
	n.Start()
	t.Cleanup(func() { n.Stop(context.Background()) })
	return n
}

func TestNew_MintsNodeIdFormat(t *testing.T) {
	n := newTestNode(t, "alpha")
	assert.Regexp(t, `^node-alpha-[a-z0-9]+-[a-z0-9]+$`, string(n.ID))
}

func TestIngress_DispatchesToHighestPriorityMatch(t *testing.T) {
	n := newTestNode(t, "a")
	var got string
	_, err := n.On("order.*", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		got = "low"
		return continuum.Return(nil)
	}, 0)
	require.NoError(t, err)
	_, err = n.On("order.created", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		got = "high"
		return continuum.Return(nil)
	}, 10)
	require.NoError(t, err)

	e, err := event.Create("order.created", map[string]any{}, nil, n.ID)
	require.NoError(t, err)
	n.Ingress(context.Background(), e)

	assert.Equal(t, "high", got)
}

func TestIngress_RejectsInvalidEvent(t *testing.T) {
	n := newTestNode(t, "a")
	invoked := false
	_, err := n.On("t", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		invoked = true
		return continuum.Return(nil)
	}, 0)
	require.NoError(t, err)

	bad := event.Event{ID: "e1", Type: "t"} // missing causal fields
	n.Ingress(context.Background(), bad)
	assert.False(t, invoked)
}

func TestIngress_RespectsAcceptPolicy(t *testing.T) {
	n := New(Config{Name: "a", Registry: views.NewRegistry(), AcceptPolicy: func(e event.Event) bool { return false }})
	n.Start()
	defer n.Stop(context.Background())

	invoked := false
	_, err := n.On("t", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		invoked = true
		return continuum.Return(nil)
	}, 0)
	require.NoError(t, err)

	e, err := event.Create("t", nil, nil, n.ID)
	require.NoError(t, err)
	n.Ingress(context.Background(), e)
	assert.False(t, invoked)
}

func TestIngress_RecordsTemporalSnapshotOnTerminal(t *testing.T) {
	n := newTestNode(t, "a")
	_, err := n.On("t", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		return continuum.Return(map[string]any{"done": true})
	}, 0)
	require.NoError(t, err)

	e, err := event.Create("t", nil, nil, n.ID)
	require.NoError(t, err)
	n.Ingress(context.Background(), e)

	snap, ok := n.Temporal().Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"done": true}, snap.State)
}

func TestSend_ResolvesFromTargetTerminalValue(t *testing.T) {
	sender := newTestNode(t, "sender")
	responder := newTestNode(t, "responder")

	_, err := responder.On("ping", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		return continuum.Return("pong")
	}, 0)
	require.NoError(t, err)

	e, err := event.Create("ping", nil, nil, sender.ID)
	require.NoError(t, err)

	res, err := sender.Send(context.Background(), responder, e, time.Second)
	require.NoError(t, err)
	value, _, err := res.Return(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pong", value)
}

func TestSend_TimesOutWhenResponderNeverTerminates(t *testing.T) {
	sender := newTestNode(t, "sender")
	responder := newTestNode(t, "responder")

	block := make(chan struct{})
	_, err := responder.On("slow", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		<-block
		return continuum.Return("late")
	}, 0)
	require.NoError(t, err)
	defer close(block)

	e, err := event.Create("slow", nil, nil, sender.ID)
	require.NoError(t, err)

	res, err := sender.Send(context.Background(), responder, e, 10*time.Millisecond)
	require.NoError(t, err)
	_, _, err = res.Return(context.Background())
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

func TestSend_UndefinedReturnLeavesResponsePendingUntilTimeout(t *testing.T) {
	sender := newTestNode(t, "sender")
	responder := newTestNode(t, "responder")

	_, err := responder.On("noop", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		return continuum.Return(nil)
	}, 0)
	require.NoError(t, err)

	e, err := event.Create("noop", nil, nil, sender.ID)
	require.NoError(t, err)

	res, err := sender.Send(context.Background(), responder, e, 10*time.Millisecond)
	require.NoError(t, err)
	value, _, err := res.Return(context.Background())
	// An undefined terminal value (no value, no stream, no error) must not
	// resolve the pending slot as a nil success; only the timeout settles
	// it (spec §4.6's resolved Open Question).
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.Nil(t, value)
}

func TestStop_RejectsPendingResponses(t *testing.T) {
	sender := newTestNode(t, "sender")
	responder := New(Config{Name: "responder", Registry: views.NewRegistry(), TimeoutDefault: time.Second})
	responder.Start()

	block := make(chan struct{})
	_, err := responder.On("slow", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		<-block
		return continuum.Return("late")
	}, 0)
	require.NoError(t, err)
	defer close(block)

	e, err := event.Create("slow", nil, nil, sender.ID)
	require.NoError(t, err)

	// Send returns once the slot is registered and delivery has started in
	// the background, so the pending slot belongs to the sender and is
	// exercised through the sender, not the blocked responder.
	res, err := sender.Send(context.Background(), responder, e, time.Second)
	require.NoError(t, err)

	sender.Stop(context.Background())
	_, _, err = res.Return(context.Background())
	assert.ErrorIs(t, err, ErrNodeStopped)
}

func TestStop_AwaitsInFlightContinuumBeforeReturning(t *testing.T) {
	n := New(Config{Name: "a", Registry: views.NewRegistry(), TimeoutDefault: time.Second})
	n.Start()

	var finished bool
	started := make(chan struct{})
	_, err := n.On("slow", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished = true
		return continuum.Return("done")
	}, 0)
	require.NoError(t, err)

	e, err := event.Create("slow", nil, nil, n.ID)
	require.NoError(t, err)

	go n.Ingress(context.Background(), e)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Stop(ctx)

	assert.True(t, finished, "Stop must await the in-flight continuum before returning")
}

func TestIngressBatch_InvokesFirstMatchOnceWithFullSlice(t *testing.T) {
	n := newTestNode(t, "a")
	var received int
	_, err := n.On("t", func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		received = len(in.All())
		return continuum.Return(nil)
	}, 0)
	require.NoError(t, err)

	e1, _ := event.Create("t", nil, nil, n.ID)
	e2, _ := event.Create("t", nil, nil, n.ID)
	n.IngressBatch(context.Background(), []event.Event{e1, e2})

	assert.Equal(t, 2, received)
}

func TestNodeGroup_TracksMembersByID(t *testing.T) {
	a := newTestNode(t, "a")
	b := newTestNode(t, "b")
	g := NewNodeGroup(a, b)
	assert.Len(t, g.Members(), 2)
	_, ok := g.Get(a.ID)
	assert.True(t, ok)
}
