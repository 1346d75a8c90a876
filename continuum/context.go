package continuum

import (
	"sync"
	"time"

	"github.com/arc-self/happen/event"
)

// NodeInfo is the typed slice of a node's identity exposed to handlers via
// HandlerContext.Node — a stand-in for the source language's dynamic
// `context.node.id` property access (spec §9).
type NodeInfo struct {
	ID event.NodeId
}

// BatchInfo is populated on HandlerContext when the continuum was started
// in batch mode (spec §4.2): the causal context of the first event, plus
// every event's context and the time the batch was received.
type BatchInfo struct {
	Causal      event.Causal
	Contexts    []event.EventContext
	ReceivedAt  time.Time
}

// HandlerContext is the single mutable object shared by every handler in
// one continuum invocation. Distinct top-level invocations never share a
// context; writes during a chain are visible to subsequent handlers in
// the same chain (spec §3, §4.2).
type HandlerContext struct {
	mu sync.Mutex

	Node NodeInfo

	// Error holds the value recorded by a HandlerFailure (spec §4.2
	// termination case 4) or by the catch() combinator.
	Error any
	// FallbackReason holds the error that triggered a fallback()
	// invocation (spec §4.2 Flow combinators, fallback).
	FallbackReason any

	Batch *BatchInfo

	user map[string]any
	path []string
}

// NewHandlerContext constructs a fresh context for one continuum
// invocation.
func NewHandlerContext(node NodeInfo) *HandlerContext {
	return &HandlerContext{Node: node, user: make(map[string]any)}
}

// Set stores a value in the context's free-form user bag. Safe for
// concurrent use (a continuum may run combinators like parallel() that
// invoke multiple handlers concurrently against the same context).
func (h *HandlerContext) Set(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.user[key] = value
}

// Get reads a value previously stored with Set.
func (h *HandlerContext) Get(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.user[key]
	return v, ok
}

// RecordHandler appends name to the diagnostic path of handler names
// traversed by this continuum (spec §4.2, "The path of handler names
// traversed is recorded for diagnostics").
func (h *HandlerContext) RecordHandler(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.path = append(h.path, name)
}

// Path returns a snapshot of the handler names traversed so far.
func (h *HandlerContext) Path() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.path))
	copy(out, h.path)
	return out
}
