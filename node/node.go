// Package node implements a Happen node (spec §2, §3 "Node"): identity,
// pattern engine, local state, optional temporal store, concurrency cap,
// and the ingress/egress/request-response plumbing that ties them to the
// transport.
package node

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/happen/continuum"
	"github.com/arc-self/happen/event"
	"github.com/arc-self/happen/pattern"
	"github.com/arc-self/happen/state"
	"github.com/arc-self/happen/views"
)

// Errors surfaced by node operations (spec §7).
var (
	ErrResponseTimeout = errors.New("node: response timeout")
	ErrNodeStopped     = errors.New("node: stopped")
	ErrNoSuchTarget    = errors.New("node: no such target")
)

// Transport is the minimal publish surface a Node needs; implemented by
// the transport package's NATS JetStream adapter. Inbound events reach
// the node through Ingress, which the caller wires to a transport
// subscription (see cmd/happennode).
type Transport interface {
	Publish(ctx context.Context, subject string, e event.Event) error
}

// lifecycle mirrors spec §3's "created -> running (auto) -> stopped".
type lifecycle int

const (
	lifecycleCreated lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Config configures a Node at construction (spec §3 Node fields).
type Config struct {
	Name             string
	AcceptPolicy     func(e event.Event) bool
	ConcurrencyCap   int
	TimeoutDefault   time.Duration
	Registry         *views.Registry
	Transport        Transport
	BroadcastSubject string
	Logger           *zap.Logger
	Persister        state.Persister
}

// pendingResponse is a slot awaiting a target continuum's terminal value
// (spec §4.6).
type pendingResponse struct {
	resultCh chan responseOutcome
	cancel   func()
}

type responseOutcome struct {
	value  any
	stream continuum.LazySeq
	err    error
}

// Node is a running (or not-yet-started, or stopped) Happen node.
type Node struct {
	ID event.NodeId

	mu        sync.RWMutex
	lifecycle lifecycle

	config    Config
	engine    *pattern.Engine
	local     *state.LocalState
	temporal  *state.Store
	viewsReg  *views.Registry
	transport Transport
	logger    *zap.Logger

	concurrencySem chan struct{}
	inFlight       sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[event.EventId]*pendingResponse

	timeoutDefault time.Duration
}

// newID mints a NodeId of the form "node-<name>-<timestamp36>-<rand>"
// (spec §3). Isolated behind a var so tests can override it.
var newID = func(name string) event.NodeId {
	ts := strings.ToLower(toBase36(time.Now().UnixNano()))
	suffix, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		suffix = big.NewInt(0)
	}
	return event.NodeId(fmt.Sprintf("node-%s-%s-%s", name, ts, strings.ToLower(toBase36(suffix.Int64()))))
}

func toBase36(n int64) string {
	if n < 0 {
		n = -n
	}
	return big.NewInt(n).Text(36)
}

// New constructs a Node in the "created" lifecycle state (spec §3).
func New(cfg Config) *Node {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 64
	}
	if cfg.TimeoutDefault <= 0 {
		cfg.TimeoutDefault = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := newID(cfg.Name)
	var opts []state.Option
	if cfg.Persister != nil {
		opts = append(opts, state.WithPersistence(cfg.Persister, string(id), encodeJSON, decodeJSON))
	}

	n := &Node{
		ID:             id,
		config:         cfg,
		engine:         pattern.NewEngine(),
		local:          state.New(opts...),
		temporal:       state.NewStore(state.RetentionPolicy{}),
		viewsReg:       cfg.Registry,
		transport:      cfg.Transport,
		logger:         logger.With(zap.String("node", cfg.Name)),
		concurrencySem: make(chan struct{}, cfg.ConcurrencyCap),
		pending:        make(map[event.EventId]*pendingResponse),
		timeoutDefault: cfg.TimeoutDefault,
	}
	return n
}

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

func decodeJSON(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// On registers a handler for pat at priority (spec §4.1).
func (n *Node) On(pat any, handler continuum.HandlerFn, priority int) (pattern.Unregister, error) {
	return n.engine.On(pat, handler, priority)
}

// LocalState exposes the node's state container (e.g. for set/get calls
// from application code).
func (n *Node) LocalState() *state.LocalState { return n.local }

// Temporal exposes the node's append-only history.
func (n *Node) Temporal() *state.Store { return n.temporal }

// Views builds an Accessor scoped to this node, for use inside a
// 2-arity state.Transformer.
func (n *Node) Views() *views.Accessor {
	if n.viewsReg == nil {
		return nil
	}
	return views.NewAccessor(n.viewsReg, n.ID)
}

// Start transitions created -> running and registers this node's Getter
// into the views registry (spec §3 lifecycle).
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lifecycle != lifecycleCreated {
		return
	}
	n.lifecycle = lifecycleRunning
	if n.viewsReg != nil {
		n.viewsReg.Register(n.ID, func(selector func(current any) any) any {
			return n.local.Get(state.Selector(selector))
		})
	}
	n.logger.Info("node started")
}

// Stop transitions to stopped: awaits in-flight continuums to
// completion up to ctx's deadline, rejects whatever pending responses
// remain, clears timers, and removes the node's view registry entry
// (spec §5, "in-flight continuums are awaited to completion (bounded
// wait)"; spec §3 lifecycle, "on stop, all pending responses
// rejected/cancelled, timers cleared, view registry entry removed; no
// new ingress").
func (n *Node) Stop(ctx context.Context) {
	n.mu.Lock()
	if n.lifecycle == lifecycleStopped {
		n.mu.Unlock()
		return
	}
	n.lifecycle = lifecycleStopped
	n.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		n.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		n.logger.Warn("stop: in-flight continuums did not drain before deadline", zap.Error(ctx.Err()))
	}

	n.pendingMu.Lock()
	for id, p := range n.pending {
		p.cancel()
		p.resultCh <- responseOutcome{err: ErrNodeStopped}
		delete(n.pending, id)
	}
	n.pendingMu.Unlock()

	if n.viewsReg != nil {
		n.viewsReg.Unregister(ctx, n.ID)
	}
	n.logger.Info("node stopped")
}

// beginWork admits one unit of in-flight work if the node is currently
// running, checking lifecycle and registering with inFlight atomically
// under n.mu so Stop's lifecycle flip can never race a fresh Add against
// its own Wait. Callers that get true must defer n.inFlight.Done().
func (n *Node) beginWork() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.lifecycle != lifecycleRunning {
		return false
	}
	n.inFlight.Add(1)
	return true
}

// IsRunning reports whether the node currently accepts ingress.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lifecycle == lifecycleRunning
}

// Ingress admits e into this node: validation, accept policy, a
// concurrency-cap slot, pattern dispatch, and continuum execution (spec
// §2 data flow, §4.1, §4.2). It blocks until a cap slot is available or
// ctx is cancelled.
func (n *Node) Ingress(ctx context.Context, e event.Event) {
	if !n.beginWork() {
		return
	}
	defer n.inFlight.Done()

	if err := event.Validate(e); err != nil {
		n.logger.Warn("rejected invalid event", zap.Error(err), zap.String("eventId", string(e.ID)))
		return
	}
	if n.config.AcceptPolicy != nil && !n.config.AcceptPolicy(e) {
		n.logger.Debug("event rejected by accept policy", zap.String("eventId", string(e.ID)))
		return
	}

	select {
	case n.concurrencySem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-n.concurrencySem }()

	n.dispatch(ctx, e, nil)
}

// ingressForSend is Send's entry point into target's ingress path: it
// behaves exactly like Ingress, except the completed continuum's
// Outcome is delivered to resolve, rather than looked up in target's own
// pending map. This is what lets a pending-response slot live on the
// sender even though the continuum that resolves it runs on target
// (spec §4.6, "the target's continuum terminates with a non-function
// value; that value resolves the pending slot").
func (n *Node) ingressForSend(ctx context.Context, e event.Event, resolve func(continuum.Outcome)) {
	if !n.beginWork() {
		resolve(continuum.Outcome{Err: ErrNodeStopped})
		return
	}
	defer n.inFlight.Done()

	if err := event.Validate(e); err != nil {
		n.logger.Warn("rejected invalid event", zap.Error(err), zap.String("eventId", string(e.ID)))
		resolve(continuum.Outcome{Err: err})
		return
	}
	if n.config.AcceptPolicy != nil && !n.config.AcceptPolicy(e) {
		n.logger.Debug("event rejected by accept policy", zap.String("eventId", string(e.ID)))
		resolve(continuum.Outcome{})
		return
	}

	select {
	case n.concurrencySem <- struct{}{}:
	case <-ctx.Done():
		resolve(continuum.Outcome{Err: ctx.Err()})
		return
	}
	defer func() { <-n.concurrencySem }()

	n.dispatch(ctx, e, resolve)
}

// IngressBatch admits a batch of events dispatched together (spec §4.2
// "Batch mode"): the first handler whose pattern matches the first event
// is invoked once with the full array.
func (n *Node) IngressBatch(ctx context.Context, events []event.Event) {
	if len(events) == 0 {
		return
	}
	if !n.beginWork() {
		return
	}
	defer n.inFlight.Done()

	first := events[0]
	regs := n.engine.Lookup(first.Type, first)
	if len(regs) == 0 {
		return
	}

	select {
	case n.concurrencySem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-n.concurrencySem }()

	hctx := continuum.NewHandlerContext(continuum.NodeInfo{ID: n.ID})
	contexts := make([]event.EventContext, len(events))
	for i, e := range events {
		contexts[i] = e.Context
	}
	hctx.Batch = &continuum.BatchInfo{Causal: first.Context.Causal, Contexts: contexts, ReceivedAt: time.Now()}

	handler, ok := regs[0].Handler.(continuum.HandlerFn)
	if !ok {
		return
	}
	in := continuum.Batch(toEvts(events))
	n.runContinuum(ctx, handler, in, hctx, first.ID, func(out continuum.Outcome) {
		n.resolvePending(first.ID, out)
	})
}

func toEvts(events []event.Event) []continuum.Evt {
	out := make([]continuum.Evt, len(events))
	for i, e := range events {
		out[i] = e
	}
	return out
}

// dispatch looks up matching handlers for a single event and runs the
// highest-priority one's continuum; spec §4.1 describes lookup, §4.2 the
// executor itself — ties are broken by Lookup's stable sort.
func (n *Node) dispatch(ctx context.Context, e event.Event, resolve func(continuum.Outcome)) {
	regs := n.engine.Lookup(e.Type, e)
	if len(regs) == 0 {
		if resolve != nil {
			resolve(continuum.Outcome{})
		}
		return
	}
	handler, ok := regs[0].Handler.(continuum.HandlerFn)
	if !ok {
		if resolve != nil {
			resolve(continuum.Outcome{})
		}
		return
	}
	hctx := continuum.NewHandlerContext(continuum.NodeInfo{ID: n.ID})
	if resolve == nil {
		resolve = func(out continuum.Outcome) { n.resolvePending(e.ID, out) }
	}
	n.runContinuum(ctx, handler, continuum.Single(e), hctx, e.ID, resolve)
}

// runContinuum drives the executor, records the terminal value into the
// temporal store, resolves any pending response slot, and reports
// errors via system.error emission (spec §4.2 timeout/error handling).
func (n *Node) runContinuum(ctx context.Context, handler continuum.HandlerFn, in continuum.Input, hctx *continuum.HandlerContext, originID event.EventId, resolve func(continuum.Outcome)) {
	onError := func(ctx context.Context, err error, path []string) {
		n.logger.Error("continuum error", zap.Error(err), zap.Strings("path", path))
		n.emitSystemError(ctx, originID, err)
	}

	out := continuum.Run(ctx, n.timeoutDefault, handler, in, hctx, onError)

	if out.Err == nil {
		if e, ok := in.First().(event.Event); ok {
			if rerr := n.temporal.Record(e, out.Value); rerr != nil {
				n.logger.Warn("failed to record temporal snapshot", zap.Error(rerr))
			}
		}
	}

	resolve(out)
}

// emitSystemError builds and publishes a causally-stamped system.error
// event carrying the originating event's id (spec §4.2).
func (n *Node) emitSystemError(ctx context.Context, originID event.EventId, cause error) {
	if n.transport == nil {
		return
	}
	payload := map[string]any{"originEventId": string(originID), "message": cause.Error()}
	e, err := event.Create("system.error", payload, nil, n.ID)
	if err != nil {
		return
	}
	_ = n.transport.Publish(ctx, "happen.system.error", e)
}

// resolvePending settles the pending slot for id with out's terminal
// value, unless out is undefined (spec §4.6's resolved Open Question:
// "non-undefined terminal value resolves the response, undefined leaves
// it to timeout") — an undefined outcome leaves the slot in place for
// ErrResponseTimeout to reject later.
func (n *Node) resolvePending(id event.EventId, out continuum.Outcome) {
	if out.IsUndefined() {
		return
	}
	n.pendingMu.Lock()
	p, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.pendingMu.Unlock()
	if !ok {
		return
	}
	p.resultCh <- responseOutcome{value: out.Value, stream: out.Stream, err: out.Err}
}
