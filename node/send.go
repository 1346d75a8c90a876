package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/happen/continuum"
	"github.com/arc-self/happen/event"
)

// SendResult is returned by Send; Return yields the responder's
// continuum terminal value (spec §4.6).
type SendResult struct {
	event event.Event
	node  *Node
	slot  *pendingResponse
}

// Return blocks until the target continuum resolves this send's pending
// slot, the timeout fires, ctx is cancelled, or the node stops (spec
// §4.6 steps 4-5). Fire-and-forget sends (no registered slot) return
// immediately with a nil value.
func (r SendResult) Return(ctx context.Context) (any, continuum.LazySeq, error) {
	if r.slot == nil {
		return nil, nil, nil
	}
	select {
	case out := <-r.slot.resultCh:
		return out.value, out.stream, out.err
	case <-ctx.Done():
		r.node.cancelPending(r.event.ID)
		return nil, nil, ctx.Err()
	}
}

// Send stamps e with this node as sender, registers a pending-response
// slot, and hands the event to target's ingress directly (in-process
// delivery; a transport-backed deployment instead publishes to the
// target's subject and relies on the transport to invoke Ingress on the
// far side). Arms a timeout that rejects the slot with
// ErrResponseTimeout on fire (spec §4.6 steps 1-4).
func (n *Node) Send(ctx context.Context, target *Node, e event.Event, timeout time.Duration) (SendResult, error) {
	if target == nil {
		return SendResult{}, ErrNoSuchTarget
	}
	if timeout <= 0 {
		timeout = n.timeoutDefault
	}

	stamped := e
	stamped.Context.Causal.Sender = n.ID

	slotCtx, cancel := context.WithCancel(ctx)
	slot := &pendingResponse{resultCh: make(chan responseOutcome, 1), cancel: cancel}

	n.pendingMu.Lock()
	n.pending[stamped.ID] = slot
	n.pendingMu.Unlock()

	// resolveOnce guards against the timer and the target's continuum
	// both racing to settle the same slot; only the first wins.
	resolveOnce := func(out responseOutcome) {
		n.pendingMu.Lock()
		_, ok := n.pending[stamped.ID]
		if ok {
			delete(n.pending, stamped.ID)
		}
		n.pendingMu.Unlock()
		if ok {
			slot.resultCh <- out
		}
	}

	timer := time.AfterFunc(timeout, func() {
		resolveOnce(responseOutcome{err: ErrResponseTimeout})
	})

	go func() {
		<-slotCtx.Done()
		timer.Stop()
	}()

	// Publish happens without blocking the caller on the target's full
	// continuum (spec §4.6 step 3: "Publishes to the target's ingress" is
	// a fire, not a synchronous call) — resolution arrives later via the
	// resolve callback or the timeout above, whichever is first.
	go target.ingressForSend(ctx, stamped, func(out continuum.Outcome) {
		// An undefined outcome (no value, no stream, no error) leaves the
		// slot pending until the timer fires (spec §4.6's resolved Open
		// Question: undefined does not resolve the response).
		if out.IsUndefined() {
			return
		}
		timer.Stop()
		resolveOnce(responseOutcome{value: out.Value, stream: out.Stream, err: out.Err})
	})

	return SendResult{event: stamped, node: n, slot: slot}, nil
}

// SendFireAndForget publishes events to target with no response
// tracking (spec §4.6, "Arrays of events are fire-and-forget").
func (n *Node) SendFireAndForget(ctx context.Context, target *Node, events []event.Event) {
	for _, e := range events {
		stamped := e
		stamped.Context.Causal.Sender = n.ID
		target.Ingress(ctx, stamped)
	}
}

// cancelPending removes and cancels a pending slot without resolving it,
// used when the caller's own context is cancelled while waiting.
func (n *Node) cancelPending(id event.EventId) {
	n.pendingMu.Lock()
	p, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.pendingMu.Unlock()
	if ok {
		p.cancel()
	}
}

// Broadcast publishes e on the node's broadcast subject via the
// transport with no response tracking (spec §4.6 "Broadcast").
func (n *Node) Broadcast(ctx context.Context, e event.Event) error {
	if n.transport == nil {
		return nil
	}
	stamped := e
	stamped.Context.Causal.Sender = n.ID
	subject := n.config.BroadcastSubject
	if subject == "" {
		subject = "happen.broadcast"
	}
	return n.transport.Publish(ctx, subject, stamped)
}

// FanOutResult aggregates a multi-target Send (spec §4.6, "Arrays of
// targets fan out; .return() aggregates {targetId -> result | {error}}").
type FanOutResult struct {
	Value any
	Err   error
}

// SendToMany sends e to every target in parallel and aggregates results
// keyed by target NodeId.
func (n *Node) SendToMany(ctx context.Context, targets []*Node, e event.Event, timeout time.Duration) map[event.NodeId]FanOutResult {
	out := make(map[event.NodeId]FanOutResult, len(targets))
	results := make(chan struct {
		id event.NodeId
		r  FanOutResult
	}, len(targets))

	for _, t := range targets {
		t := t
		go func() {
			res, err := n.Send(ctx, t, e, timeout)
			if err != nil {
				results <- struct {
					id event.NodeId
					r  FanOutResult
				}{t.ID, FanOutResult{Err: err}}
				return
			}
			v, _, rerr := res.Return(ctx)
			results <- struct {
				id event.NodeId
				r  FanOutResult
			}{t.ID, FanOutResult{Value: v, Err: rerr}}
		}()
	}

	for range targets {
		r := <-results
		out[r.id] = r.r
	}
	return out
}

// NodeGroup exposes member lookup and broadcast over a named set of
// nodes as its own value/type with methods, rather than reaching into a
// slice directly (spec §9 design note). Sending to many targets is
// Node.SendToMany, not a NodeGroup method.
type NodeGroup struct {
	nodes map[event.NodeId]*Node
}

// NewNodeGroup builds a NodeGroup from a list of nodes.
func NewNodeGroup(nodes ...*Node) NodeGroup {
	g := NodeGroup{nodes: make(map[event.NodeId]*Node, len(nodes))}
	for _, n := range nodes {
		g.nodes[n.ID] = n
	}
	return g
}

// Get returns the group member with id, if present.
func (g NodeGroup) Get(id event.NodeId) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Members returns every node in the group.
func (g NodeGroup) Members() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Broadcast sends e to every member via that member's own Broadcast.
func (g NodeGroup) Broadcast(ctx context.Context, e event.Event) {
	for _, n := range g.nodes {
		if err := n.Broadcast(ctx, e); err != nil {
			n.logger.Warn("group broadcast failed", zap.Error(err), zap.String("member", string(n.ID)))
		}
	}
}
