package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arc-self/happen/event"
)

// Snapshot is a single recorded (event, state-at-time) pair (spec §4.4,
// "TemporalSnapshot").
type Snapshot struct {
	EventID   event.EventId
	EventType string
	State     any
	Context   event.EventContext
	// recordedAt is wall-clock order of insertion, used as a tiebreaker
	// and for retention TTL independent of the causal timestamp.
	recordedAt time.Time
}

// deepCopy clones v via a JSON round-trip. Every payload in this system
// is JSON-serializable by construction (spec §3, "opaque JSON-ish"), so
// this is sufficient and avoids hand-rolling a reflection-based copier.
// Later mutation of the caller's value must never corrupt history (spec
// §4.4) — the round trip guarantees no shared backing arrays/maps.
func deepCopy(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state: deep copy: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("state: deep copy: %w", err)
	}
	return out, nil
}

// RetentionPolicy bounds the temporal store (spec §4.4, "Retention").
type RetentionPolicy struct {
	// History caps the number of snapshots retained; 0 means unbounded.
	History int
	// MaxAge is the TTL after which a snapshot is evicted; 0 means no TTL.
	MaxAge time.Duration
}

// DefaultMaxAge is used when a configured maxAge string fails to parse
// (spec §8, "anything else defaults to 30 days").
const DefaultMaxAge = 30 * 24 * time.Hour

// ParseMaxAge parses strings of the form "Ns|Nm|Nh|Nd" (spec §4.4,
// §8). Anything else defaults to 30 days.
func ParseMaxAge(s string) time.Duration {
	if s == "" {
		return DefaultMaxAge
	}
	n := len(s)
	unit := s[n-1]
	numPart := s[:n-1]
	var mult time.Duration
	switch unit {
	case 's':
		mult = time.Second
	case 'm':
		mult = time.Minute
	case 'h':
		mult = time.Hour
	case 'd':
		mult = 24 * time.Hour
	default:
		return DefaultMaxAge
	}
	var num int
	if _, err := fmt.Sscanf(numPart, "%d", &num); err != nil || num <= 0 {
		return DefaultMaxAge
	}
	return time.Duration(num) * mult
}

// Store is the per-node append-only history of (event -> state) pairs,
// with causal-chain, correlation-chain, and event-type secondary indices
// (spec §4.4).
type Store struct {
	mu sync.RWMutex

	order    []event.EventId // insertion order, oldest first
	byEvent  map[event.EventId]*Snapshot
	byCausal map[event.EventId]map[event.EventId]struct{}      // causationId -> {eventId}
	byCorr   map[event.CorrelationId]map[event.EventId]struct{} // correlationId -> {eventId}
	byType   map[string]map[event.EventId]struct{}             // eventType -> {eventId}

	retention RetentionPolicy
	now       func() time.Time
	auditSink func(Snapshot)
}

// NewStore constructs an empty temporal store bounded by retention.
func NewStore(retention RetentionPolicy) *Store {
	return &Store{
		byEvent:   make(map[event.EventId]*Snapshot),
		byCausal:  make(map[event.EventId]map[event.EventId]struct{}),
		byCorr:    make(map[event.CorrelationId]map[event.EventId]struct{}),
		byType:    make(map[string]map[event.EventId]struct{}),
		retention: retention,
		now:       time.Now,
	}
}

// WithAuditSink registers a durable secondary backend (e.g.
// PostgresAuditWriter.Write) that receives a copy of every recorded
// snapshot, fire-and-forget, off the store's write path.
func (s *Store) WithAuditSink(sink func(Snapshot)) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSink = sink
	return s
}

// Record appends a snapshot for e with the state that followed it,
// deep-copying state so later mutation cannot corrupt history (spec
// §4.4). All four indices are updated together as one logical
// transaction — a reader never observes a snapshot without its indices
// or vice versa, because every update happens under the store's single
// write lock (spec §9, "make snapshot + index updates one logical
// transaction per event").
func (s *Store) Record(e event.Event, next any) error {
	copied, err := deepCopy(next)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		EventID:    e.ID,
		EventType:  e.Type,
		State:      copied,
		Context:    e.Context,
		recordedAt: s.now(),
	}

	s.byEvent[e.ID] = snap
	s.order = append(s.order, e.ID)

	if causation := e.Context.Causal.CausationID; causation != "" {
		if s.byCausal[causation] == nil {
			s.byCausal[causation] = make(map[event.EventId]struct{})
		}
		s.byCausal[causation][e.ID] = struct{}{}
	}
	if corr := e.Context.Causal.CorrelationID; corr != "" {
		if s.byCorr[corr] == nil {
			s.byCorr[corr] = make(map[event.EventId]struct{})
		}
		s.byCorr[corr][e.ID] = struct{}{}
	}
	if s.byType[e.Type] == nil {
		s.byType[e.Type] = make(map[event.EventId]struct{})
	}
	s.byType[e.Type][e.ID] = struct{}{}

	s.evictLocked()

	if s.auditSink != nil {
		sinkSnap := *snap
		sink := s.auditSink
		go sink(sinkSnap)
	}
	return nil
}

// evictLocked prunes the store to its retention policy. Callers must
// already hold s.mu.
func (s *Store) evictLocked() {
	cutoff := time.Time{}
	if s.retention.MaxAge > 0 {
		cutoff = s.now().Add(-s.retention.MaxAge)
	}

	keep := s.order[:0:0]
	for _, id := range s.order {
		snap, ok := s.byEvent[id]
		if !ok {
			continue
		}
		if !cutoff.IsZero() && snap.recordedAt.Before(cutoff) {
			s.removeLocked(id)
			continue
		}
		keep = append(keep, id)
	}
	s.order = keep

	if s.retention.History > 0 {
		for len(s.order) > s.retention.History {
			oldest := s.order[0]
			s.order = s.order[1:]
			s.removeLocked(oldest)
		}
	}
}

// removeLocked deletes eventID from every index. Callers must already
// hold s.mu; does not mutate s.order (callers manage that themselves).
func (s *Store) removeLocked(id event.EventId) {
	snap, ok := s.byEvent[id]
	if !ok {
		return
	}
	delete(s.byEvent, id)
	if causation := snap.Context.Causal.CausationID; causation != "" {
		delete(s.byCausal[causation], id)
		if len(s.byCausal[causation]) == 0 {
			delete(s.byCausal, causation)
		}
	}
	if corr := snap.Context.Causal.CorrelationID; corr != "" {
		delete(s.byCorr[corr], id)
		if len(s.byCorr[corr]) == 0 {
			delete(s.byCorr, corr)
		}
	}
	delete(s.byType[snap.EventType], id)
	if len(s.byType[snap.EventType]) == 0 {
		delete(s.byType, snap.EventType)
	}
}

// Get returns the snapshot for eventID, if present — O(1) (spec §4.4).
func (s *Store) Get(id event.EventId) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byEvent[id]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// sortedByTimestamp sorts snapshots ascending by their causal timestamp,
// the insertion-order recordedAt as tiebreaker (spec §4.4, "sorted by
// timestamp ascending").
func sortedByTimestamp(snaps []Snapshot) []Snapshot {
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Context.Causal.Timestamp != snaps[j].Context.Causal.Timestamp {
			return snaps[i].Context.Causal.Timestamp < snaps[j].Context.Causal.Timestamp
		}
		return snaps[i].recordedAt.Before(snaps[j].recordedAt)
	})
	return snaps
}

// When evaluates pred over every recorded snapshot and returns the
// matches sorted by timestamp ascending (spec §4.4). A nil pred matches
// every snapshot; lookup by event id is WhenID (spec §8, round-trip law).
func (s *Store) When(pred func(Snapshot) bool) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Snapshot
	for _, id := range s.order {
		snap := s.byEvent[id]
		if snap == nil {
			continue
		}
		if pred == nil || pred(*snap) {
			out = append(out, *snap)
		}
	}
	return sortedByTimestamp(out)
}

// WhenID looks up a single event id, returning it as a single-element
// (or empty) slice — the "cb([get(id)].compact())" law from spec §8.
func (s *Store) WhenID(id event.EventId) []Snapshot {
	if snap, ok := s.Get(id); ok {
		return []Snapshot{snap}
	}
	return nil
}

// CausalChain performs a cycle-safe DFS over causal: edges starting at
// eventID, visiting every snapshot reachable via CausationID exactly
// once, sorted by timestamp ascending (spec §4.4, P7).
func (s *Store) CausalChain(id event.EventId) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[event.EventId]bool)
	var out []Snapshot

	var visit func(event.EventId)
	visit = func(current event.EventId) {
		if visited[current] {
			return
		}
		visited[current] = true
		if snap, ok := s.byEvent[current]; ok {
			out = append(out, *snap)
		}
		children := s.byCausal[current]
		ids := make([]event.EventId, 0, len(children))
		for childID := range children {
			ids = append(ids, childID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, childID := range ids {
			visit(childID)
		}
	}
	visit(id)

	return sortedByTimestamp(out)
}

// Correlation returns every snapshot sharing correlationID, sorted by
// timestamp ascending (spec §4.4).
func (s *Store) Correlation(correlationID event.CorrelationId) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCorr[correlationID]
	out := make([]Snapshot, 0, len(ids))
	for id := range ids {
		if snap, ok := s.byEvent[id]; ok {
			out = append(out, *snap)
		}
	}
	return sortedByTimestamp(out)
}

// ByType returns every snapshot recorded for eventType, sorted by
// timestamp ascending.
func (s *Store) ByType(eventType string) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byType[eventType]
	out := make([]Snapshot, 0, len(ids))
	for id := range ids {
		if snap, ok := s.byEvent[id]; ok {
			out = append(out, *snap)
		}
	}
	return sortedByTimestamp(out)
}

// Len reports how many snapshots are currently retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
