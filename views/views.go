// Package views implements Happen's cross-node projection registry (spec
// §4.5): a read-only accessor over another node's local state, with a
// collect-many convenience and optional TTL memoization.
package views

import (
	"context"
	"sync"
	"time"

	"github.com/arc-self/happen/event"
)

// Getter is the minimal surface a node exposes for projection: the same
// selector-based read as state.LocalState.Get, without coupling this
// package to the node package (which itself depends on views to build a
// Set-time Accessor, so the reverse import would cycle).
type Getter func(selector func(current any) any) any

// Cache is the pluggable memoization backend behind TTL'd projections
// (spec §4.5, "Projections may be memoized with an explicit TTL"). The
// default Registry uses an in-memory cache; a multi-process deployment
// wires RedisCache instead via Registry.WithCache.
type Cache interface {
	Get(ctx context.Context, key string) (value any, ok bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	InvalidatePrefix(ctx context.Context, prefix string)
}

// memCache is the default in-process Cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   any
	expires time.Time
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]memEntry)}
}

func (c *memCache) Get(ctx context.Context, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *memCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.entries[key] = memEntry{value: value, expires: expires}
}

func (c *memCache) InvalidatePrefix(ctx context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// Registry is the global NodeId -> Node projection directory (spec §4.5,
// "Registry. Global map NodeId -> Node; populated on node start, cleared
// on stop"). Registry lookups take a read lock, but a projection is not
// coordinated with the peer's own writers: a view sees whatever the
// peer's get() returns at call time.
type Registry struct {
	mu    sync.RWMutex
	nodes map[event.NodeId]Getter
	cache Cache
}

// NewRegistry constructs an empty registry backed by an in-memory cache.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[event.NodeId]Getter), cache: newMemCache()}
}

// WithCache swaps in an external (e.g. Redis-backed) cache.
func (r *Registry) WithCache(c Cache) *Registry {
	r.cache = c
	return r
}

// Register publishes a node's Getter under id, called from node start.
func (r *Registry) Register(id event.NodeId, g Getter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = g
}

// Unregister removes a node's Getter and invalidates every cache entry
// keyed under it (spec §4.5, "Registry invalidates cache prefix on node
// unregister").
func (r *Registry) Unregister(ctx context.Context, id event.NodeId) {
	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()
	r.cache.InvalidatePrefix(ctx, string(id)+"\x00")
}

// Accessor is the views object passed into a Set transformer with
// arity >= 2 (spec §4.5). It is scoped to the caller node so cache keys
// can include the caller's identity alongside the peer's.
type Accessor struct {
	registry *Registry
	caller   event.NodeId
}

// NewAccessor builds a views accessor scoped to caller — built by
// node.Node.Views for callers to pass into state.LocalState.Set.
func NewAccessor(r *Registry, caller event.NodeId) *Accessor {
	return &Accessor{registry: r, caller: caller}
}

// Get projects otherNodeId's current state through selector (or returns
// it verbatim if selector is nil). Absent peers, the caller projecting
// itself through a stale registry snapshot, or an error all resolve to
// nil rather than propagating a failure (spec §4.5, "Peers that are
// absent or self are projected as null").
func (a *Accessor) Get(ctx context.Context, otherNodeID event.NodeId, key string, ttl time.Duration, selector func(current any) any) any {
	if otherNodeID == a.caller {
		return nil
	}

	cacheKey := ""
	if key != "" {
		cacheKey = string(otherNodeID) + "\x00" + key
		if v, ok := a.registry.cache.Get(ctx, cacheKey); ok {
			return v
		}
	}

	a.registry.mu.RLock()
	getter, ok := a.registry.nodes[otherNodeID]
	a.registry.mu.RUnlock()
	if !ok {
		return nil
	}

	value := func() (result any) {
		defer func() {
			if recover() != nil {
				result = nil
			}
		}()
		return getter(selector)
	}()

	if cacheKey != "" {
		a.registry.cache.Set(ctx, cacheKey, value, ttl)
	}
	return value
}

// Collection maps names to selectors. Collect does not take a Collection;
// it takes a map of CollectSpec, which also names the peer node.
type Collection map[string]func(current any) any

// CollectSpec names which peer each key in a Collection projects from.
type CollectSpec struct {
	Node     event.NodeId
	Key      string
	TTL      time.Duration
	Selector func(current any) any
}

// Collect runs every spec's Get in parallel and aggregates the results
// by name, exactly mirroring spec §4.5's "views.collect" convenience.
// Per-key failures resolve to nil; the aggregate call itself never fails.
func (a *Accessor) Collect(ctx context.Context, specs map[string]CollectSpec) map[string]any {
	out := make(map[string]any, len(specs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(specs))
	for name, spec := range specs {
		name, spec := name, spec
		go func() {
			defer wg.Done()
			v := a.Get(ctx, spec.Node, spec.Key, spec.TTL, spec.Selector)
			mu.Lock()
			out[name] = v
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}
