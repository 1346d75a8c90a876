// Package event defines Happen's causal event model: the Event envelope,
// its EventContext, and the construction/derivation/validation rules that
// keep causal and correlation chains intact as events move between nodes.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeId identifies a node. Nodes mint their own id at construction time;
// see the node package for the "node-<name>-<timestamp36>-<rand>" format.
type NodeId string

// EventId uniquely identifies an event.
type EventId string

// CorrelationId groups a family of causally-related events under one
// transaction/process identity.
type CorrelationId string

// Causal carries the causal metadata every event is stamped with.
type Causal struct {
	ID            EventId       `json:"id"`
	Sender        NodeId        `json:"sender"`
	CausationID   EventId       `json:"causationId,omitempty"`
	CorrelationID CorrelationId `json:"correlationId"`
	Path          []NodeId      `json:"path"`
	Timestamp     int64         `json:"timestamp"`
}

// Integrity carries the optional hash/signature envelope computed over an
// event's canonical serialization. Hash and Sign in integrity.go compute
// it; Verify checks it.
type Integrity struct {
	Hash      string `json:"hash,omitempty"`
	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
}

// Identity optionally attributes an event to an authenticated principal,
// distinct from the transport-level Causal.Sender.
type Identity struct {
	Subject string `json:"subject,omitempty"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// EventContext is the non-payload half of an Event: the causal chain plus
// optional identity/integrity and a free-form, semantically partitioned
// key/value bag.
type EventContext struct {
	Causal    Causal         `json:"causal"`
	Identity  *Identity      `json:"identity,omitempty"`
	Integrity *Integrity     `json:"integrity,omitempty"`
	System    map[string]any `json:"system,omitempty"`
	User      map[string]any `json:"user,omitempty"`
	Origin    map[string]any `json:"origin,omitempty"`
}

// Event is the unit of dispatch: a dotted type, an opaque payload, and the
// context that carries its causal lineage.
type Event struct {
	ID      EventId         `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Context EventContext    `json:"context"`
}

// Errors surfaced by event construction and validation (spec §7).
var (
	ErrInvalidEvent = errors.New("event: invalid event")
)

// nowMillis returns the current time in epoch milliseconds. Isolated in
// its own function so tests can monkey-patch it if ever needed.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// newID mints a fresh event id. Swappable in tests for deterministic ids.
var newID = func() EventId { return EventId(uuid.NewString()) }

// Create builds a brand-new root event: a fresh id, the current
// timestamp, sender set to nodeID, path seeded with just the sender, and
// (absent an inherited one) a fresh correlation id.
//
// partial, if non-nil, seeds CorrelationID/System/User/Origin/Identity —
// everything else is computed and cannot be overridden by the caller,
// matching spec §4.3's construction rules.
func Create(typ string, payload any, partial *EventContext, nodeID NodeId) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event: marshal payload: %w", err)
	}

	id := newID()
	corr := CorrelationId(id)
	var system, user, origin map[string]any
	var identity *Identity
	if partial != nil {
		if partial.Causal.CorrelationID != "" {
			corr = partial.Causal.CorrelationID
		}
		system = partial.System
		user = partial.User
		origin = partial.Origin
		identity = partial.Identity
	}

	ctx := EventContext{
		Causal: Causal{
			ID:            id,
			Sender:        nodeID,
			CorrelationID: corr,
			Path:          []NodeId{nodeID},
			Timestamp:     nowMillis(),
		},
		Identity: identity,
		System:   system,
		User:     user,
		Origin:   origin,
	}

	return Event{ID: id, Type: typ, Payload: raw, Context: ctx}, nil
}

// CreateDerived builds a child event of parent: a fresh id, causationId
// set to the parent's id, correlationId inherited from the parent, and
// path extended by nodeID unless nodeID already terminates it.
//
// Path deduplication beyond that single check is deliberately not
// performed — spec §4.3 states "a node may appear multiple times".
func CreateDerived(parent Event, typ string, payload any, nodeID NodeId) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event: marshal payload: %w", err)
	}

	id := newID()
	path := make([]NodeId, len(parent.Context.Causal.Path))
	copy(path, parent.Context.Causal.Path)
	if len(path) == 0 || path[len(path)-1] != nodeID {
		path = append(path, nodeID)
	}

	ctx := EventContext{
		Causal: Causal{
			ID:            id,
			Sender:        nodeID,
			CausationID:   parent.ID,
			CorrelationID: parent.Context.Causal.CorrelationID,
			Path:          path,
			Timestamp:     nowMillis(),
		},
	}

	return Event{ID: id, Type: typ, Payload: raw, Context: ctx}, nil
}

// Validate enforces the ingress invariants from spec §3/§4.3: id, sender,
// correlationId, and timestamp must be populated, path must be non-nil,
// and sender must appear somewhere in path.
func Validate(e Event) error {
	c := e.Context.Causal
	if c.ID == "" || e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if c.ID != e.ID {
		return fmt.Errorf("%w: causal.id %q does not match event id %q", ErrInvalidEvent, c.ID, e.ID)
	}
	if c.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidEvent)
	}
	if c.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlationId", ErrInvalidEvent)
	}
	if c.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	if c.Path == nil {
		return fmt.Errorf("%w: path must be a list", ErrInvalidEvent)
	}
	found := false
	for _, p := range c.Path {
		if p == c.Sender {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: sender %q not present in path %v", ErrInvalidEvent, c.Sender, c.Path)
	}
	return nil
}
