package continuum

import "context"

// Input is the value handed to a handler: either a single event or, in
// batch mode, the full slice behind the first matched pattern (spec
// §4.2). Callers build one with Single or Batch.
type Input struct {
	events    []Evt
	batchMode bool
}

// Evt is the minimal event shape the executor cares about — just enough
// to drive pattern re-use without importing the event package into every
// call site that only wants to pass something opaque through. Concrete
// callers (the node package) pass event.Event values; the executor and
// combinators never inspect Evt's structure directly except via First().
type Evt = any

// Single wraps one event as a non-batch Input.
func Single(e Evt) Input { return Input{events: []Evt{e}} }

// Batch wraps a slice of events as a batch-mode Input. An empty batch is
// valid and carries no events (spec §8, "Empty batch → result is null,
// no handler invoked" is enforced by the caller before construction).
func Batch(es []Evt) Input { return Input{events: es, batchMode: true} }

// IsBatch reports whether this Input was constructed via Batch.
func (in Input) IsBatch() bool { return in.batchMode }

// First returns the first (or only) event in the input.
func (in Input) First() Evt {
	if len(in.events) == 0 {
		return nil
	}
	return in.events[0]
}

// All returns every event in the input.
func (in Input) All() []Evt { return in.events }

// kind discriminates the HandlerResult sum type (spec §9 design notes).
type kind int

const (
	kindContinue kind = iota
	kindReturn
	kindStream
	kindFail
)

// HandlerFn has the continuum's core signature: given the input and the
// shared per-invocation context, it produces the next step.
type HandlerFn func(ctx context.Context, in Input, hctx *HandlerContext) Result

// LazySeq is a cancellable lazy sequence a handler may return in place of
// a terminal value (spec §4.2, "Lazy sequences"). Next blocks until the
// next element is ready, returns ok=false when exhausted, and an error on
// failure. Close releases any underlying resources; the executor hands the
// sequence on without closing it, so whoever ends up holding it (the
// sender that receives it) must call Close.
type LazySeq interface {
	Next(ctx context.Context) (value any, ok bool, err error)
	Close() error
}

// Result is the sum type every handler returns: Continue to the next
// handler, Return a terminal value, Stream a lazy sequence, or Fail with
// an error value (spec §4.2, §9).
type Result struct {
	kind   kind
	next   HandlerFn
	nextLabel string
	value  any
	stream LazySeq
	err    error
}

// Continue advances the continuum to the next handler fn. Error-as-flow-
// branch (spec §4.2 case 3, "a thrown function is treated as the next
// handler") is just this constructor called from within error-handling
// code — Go has no exceptions to distinguish a "thrown" function from a
// "returned" one, so the sum type collapses both into one case (spec §9
// design notes).
func Continue(fn HandlerFn) Result { return Result{kind: kindContinue, next: fn} }

// ContinueNamed is Continue with a label recorded on HandlerContext.Path
// for diagnostics.
func ContinueNamed(name string, fn HandlerFn) Result {
	return Result{kind: kindContinue, next: fn, nextLabel: name}
}

// Return terminates the continuum with a value. A value of nil leaves a
// pending request-response unresolved (spec §4.6, "Standardize on
// non-undefined terminal value resolves the response").
func Return(value any) Result { return Result{kind: kindReturn, value: value} }

// Stream terminates the continuum by surfacing a lazy sequence directly;
// the executor does not iterate it (spec §4.2 case 2).
func Stream(s LazySeq) Result { return Result{kind: kindStream, stream: s} }

// Fail terminates the continuum with a non-function error value (spec
// §4.2 case 4): recorded on the context, propagated to the caller, and
// reported via a system.error event by whoever drives the executor.
func Fail(err error) Result { return Result{kind: kindFail, err: err} }

// IsFailure reports whether this Result is a Fail, for combinators (like
// resilience.CircuitBreaker) that inspect a single handler invocation's
// outcome without driving the full executor loop.
func (r Result) IsFailure() bool { return r.kind == kindFail }

// Err returns the failure error, or nil if this Result is not a Fail.
func (r Result) Err() error { return r.err }

// Value returns the terminal value of a Return Result, for combinators
// that need to inspect a single handler invocation's success payload
// without driving the full executor loop.
func (r Result) Value() any { return r.value }

// Outcome is what a completed (or externally-terminated) continuum
// produces.
type Outcome struct {
	Value  any
	Stream LazySeq
	Err    error
	Path   []string
}

// IsUndefined reports whether this Outcome carries no terminal value, no
// stream, and no error — Go's analogue of a handler falling through
// without returning anything (spec §4.6, "non-undefined terminal value
// resolves the response, undefined leaves it to timeout"). Callers that
// settle a pending request-response slot must treat this as "do not
// resolve", not as a nil success.
func (o Outcome) IsUndefined() bool {
	return o.Value == nil && o.Stream == nil && o.Err == nil
}
