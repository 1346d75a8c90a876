package pattern

import (
	"sort"
	"sync"
)

// Handler is the payload carried by a registration. The engine is
// agnostic to what a handler actually is — it hands back whatever was
// registered, in match order, and leaves invocation to the continuum
// package.
type Handler any

// Registration is a single (pattern, handler, priority) entry plus the
// insertion sequence used to break priority ties (spec §4.1, P4).
type Registration struct {
	Matcher  Matcher
	Handler  Handler
	Priority int
	seq      uint64
}

// Unregister removes a registration from the engine it came from.
type Unregister func()

// Engine indexes registrations for a single node and answers "which
// handlers match event E?" in priority order (spec §4.1).
type Engine struct {
	mu sync.RWMutex

	// exact is the O(1) fast path: literal type string → registrations.
	exact map[string][]*Registration
	// rest holds every non-exact registration (wildcard/alternatives/
	// predicate), scanned in full on every lookup that misses the cache.
	rest []*Registration

	hasPredicate bool
	nextSeq      uint64

	// cache holds the fully sorted, combined match list per event type.
	// Populated only when hasPredicate is false; invalidated wholesale
	// on every registration change (spec §4.1).
	cache map[string][]*Registration
	// generation increments on every registration change. Lookup stamps
	// the generation it computed combined under and rechecks it before
	// writing back to cache, so a concurrent On/Unregister racing between
	// Lookup's RUnlock and its relock can't leave a stale entry behind.
	generation uint64
}

// NewEngine constructs an empty pattern engine.
func NewEngine() *Engine {
	return &Engine{
		exact: make(map[string][]*Registration),
		cache: make(map[string][]*Registration),
	}
}

// On registers pat with handler at the given priority (higher fires
// earlier; ties broken by insertion order) and returns an unregister
// handle. pat may be a string (compiled per pattern.Compile) or an
// already-compiled Matcher/Predicate.
func (e *Engine) On(pat any, handler Handler, priority int) (Unregister, error) {
	var m Matcher
	switch p := pat.(type) {
	case Matcher:
		m = p
	case Predicate:
		m = CompilePredicate(p)
	case string:
		compiled, err := Compile(p)
		if err != nil {
			return nil, err
		}
		m = compiled
	default:
		panic("pattern: On: unsupported pattern type")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextSeq++
	reg := &Registration{Matcher: m, Handler: handler, Priority: priority, seq: e.nextSeq}

	if exact, ok := m.ExactType(); ok {
		e.exact[exact] = append(e.exact[exact], reg)
	} else {
		e.rest = append(e.rest, reg)
		if m.IsPredicate() {
			e.hasPredicate = true
		}
	}
	e.invalidateCacheLocked()

	return func() { e.unregister(reg) }, nil
}

func (e *Engine) unregister(target *Registration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if exact, ok := target.Matcher.ExactType(); ok {
		list := e.exact[exact]
		for i, r := range list {
			if r == target {
				e.exact[exact] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(e.exact[exact]) == 0 {
			delete(e.exact, exact)
		}
	} else {
		for i, r := range e.rest {
			if r == target {
				e.rest = append(e.rest[:i], e.rest[i+1:]...)
				break
			}
		}
		e.hasPredicate = false
		for _, r := range e.rest {
			if r.Matcher.IsPredicate() {
				e.hasPredicate = true
				break
			}
		}
	}
	e.invalidateCacheLocked()
}

func (e *Engine) invalidateCacheLocked() {
	e.cache = make(map[string][]*Registration)
	e.generation++
}

// Lookup returns every registration matching an event of type eventType,
// in descending-priority order (ties by insertion order), passing event
// through to any predicate pattern. event may be nil for batch-mode
// first-element lookups that only need the type (spec §4.2 does pass the
// event, so callers should supply it whenever available).
func (e *Engine) Lookup(eventType string, event any) []*Registration {
	e.mu.RLock()
	exactHits := e.exact[eventType]
	if !e.hasPredicate {
		if cached, ok := e.cache[eventType]; ok {
			e.mu.RUnlock()
			return cached
		}
	}
	rest := e.rest
	hasPredicate := e.hasPredicate
	generation := e.generation
	e.mu.RUnlock()

	combined := make([]*Registration, 0, len(exactHits)+len(rest))
	combined = append(combined, exactHits...)
	for _, r := range rest {
		if r.Matcher.Match(eventType, event) {
			combined = append(combined, r)
		}
	}

	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].Priority != combined[j].Priority {
			return combined[i].Priority > combined[j].Priority
		}
		return combined[i].seq < combined[j].seq
	})

	if !hasPredicate {
		e.mu.Lock()
		if e.generation == generation {
			e.cache[eventType] = combined
		}
		e.mu.Unlock()
	}

	return combined
}
