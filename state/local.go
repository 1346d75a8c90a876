// Package state implements Happen's per-node local state container and
// its temporal (append-only history) store (spec §4.4).
package state

import (
	"context"
	"fmt"
	"sync"
)

// Transformer computes the next state value from the current one. The
// optional views parameter (spec §4.5, "If tx.arity >= 2") is passed as
// an opaque `any` here to avoid a dependency on the views package;
// callers that want peer projections pass the *views.Accessor returned
// by node.Node.Views.
type Transformer func(ctx context.Context, current any, views any) (any, error)

// Persister is the durable backing store a LocalState may be wired to
// (spec §4.4, "state is stored under a durable key in the transport KV
// bucket"). Implemented by the transport package's KV adapter.
type Persister interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// ErrStateUnavailable is returned when persistent operations are
// requested on a non-persistent LocalState (spec §7, StateUnavailable).
var ErrStateUnavailable = fmt.Errorf("state: persistent operations unavailable on non-persistent node")

// Selector projects a value out of the current state document.
type Selector func(current any) any

// Encoder/Decoder let LocalState round-trip its document through a
// Persister without coupling this package to a specific wire codec.
type (
	Encoder func(v any) ([]byte, error)
	Decoder func(b []byte) (any, error)
)

// LocalState is a node-scoped document mutated only through Set.
// set calls against the same LocalState are serialized (spec §4.4,
// "Ordering inside a node"): a single mutex around the read-transform-
// publish cycle ensures two concurrent mutators never observe an
// interleaved half-written state.
type LocalState struct {
	mu sync.Mutex

	current any

	persistent bool
	key        string
	persister  Persister
	encode     Encoder
	decode     Decoder
}

// Option configures a LocalState at construction time.
type Option func(*LocalState)

// WithPersistence wires a LocalState to a durable KV backend under key,
// using encode/decode to cross the byte boundary (spec §4.4, §6).
func WithPersistence(p Persister, key string, encode Encoder, decode Decoder) Option {
	return func(s *LocalState) {
		s.persistent = true
		s.key = key
		s.persister = p
		s.encode = encode
		s.decode = decode
	}
}

// New constructs a LocalState seeded with an empty document ({} in the
// source language; here, an empty map).
func New(opts ...Option) *LocalState {
	s := &LocalState{current: map[string]any{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current document, or selector(current) if selector is
// non-nil (spec §4.4).
func (s *LocalState) Get(selector Selector) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if selector == nil {
		return s.current
	}
	return selector(s.current)
}

// Load reads the durable value for a persistent LocalState, falling back
// to {} on absence (spec §4.4). Returns ErrStateUnavailable for a
// non-persistent LocalState.
func (s *LocalState) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.persistent {
		return ErrStateUnavailable
	}
	raw, err := s.persister.Get(ctx, s.key)
	if err != nil {
		return fmt.Errorf("state: load: %w", err)
	}
	if raw == nil {
		s.current = map[string]any{}
		return nil
	}
	decoded, err := s.decode(raw)
	if err != nil {
		return fmt.Errorf("state: decode: %w", err)
	}
	s.current = decoded
	return nil
}

// Set reads the current value, evaluates tx(current, views), and
// atomically publishes the result. If the LocalState is persistent, the
// new value is also written through to the durable backend before Set
// returns (spec §4.4, §6).
func (s *LocalState) Set(ctx context.Context, tx Transformer, views any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := tx(ctx, s.current, views)
	if err != nil {
		return nil, fmt.Errorf("state: transform: %w", err)
	}

	if s.persistent {
		raw, err := s.encode(next)
		if err != nil {
			return nil, fmt.Errorf("state: encode: %w", err)
		}
		if err := s.persister.Put(ctx, s.key, raw); err != nil {
			return nil, fmt.Errorf("state: persist: %w", err)
		}
	}

	s.current = next
	return next, nil
}

// IsPersistent reports whether this LocalState is backed by durable
// storage.
func (s *LocalState) IsPersistent() bool { return s.persistent }
