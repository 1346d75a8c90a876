package state

import (
	"testing"
	"time"

	"github.com/arc-self/happen/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evt(id, typ string, causation, correlation string, ts int64) event.Event {
	return event.Event{
		ID:   event.EventId(id),
		Type: typ,
		Context: event.EventContext{
			Causal: event.Causal{
				ID:            event.EventId(id),
				Sender:        "n1",
				CausationID:   event.EventId(causation),
				CorrelationID: event.CorrelationId(correlation),
				Path:          []event.NodeId{"n1"},
				Timestamp:     ts,
			},
		},
	}
}

func TestParseMaxAge_ValidUnits(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, ParseMaxAge("30d"))
	assert.Equal(t, 2*time.Hour, ParseMaxAge("2h"))
	assert.Equal(t, 45*time.Minute, ParseMaxAge("45m"))
	assert.Equal(t, 10*time.Second, ParseMaxAge("10s"))
}

func TestParseMaxAge_UnparseableDefaultsTo30Days(t *testing.T) {
	assert.Equal(t, DefaultMaxAge, ParseMaxAge(""))
	assert.Equal(t, DefaultMaxAge, ParseMaxAge("garbage"))
	assert.Equal(t, DefaultMaxAge, ParseMaxAge("10x"))
	assert.Equal(t, DefaultMaxAge, ParseMaxAge("-5h"))
}

func TestRecord_GetRoundTrips(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	e := evt("e1", "order.created", "", "c1", 1)
	require.NoError(t, s.Record(e, map[string]any{"total": 10}))

	snap, ok := s.Get("e1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"total": float64(10)}, snap.State)
	assert.Equal(t, "order.created", snap.EventType)
}

func TestRecord_DeepCopiesState(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	mutable := map[string]any{"count": 1}
	e := evt("e1", "t", "", "c1", 1)
	require.NoError(t, s.Record(e, mutable))

	mutable["count"] = 999

	snap, _ := s.Get("e1")
	assert.Equal(t, float64(1), snap.State.(map[string]any)["count"])
}

func TestWhenID_IsEquivalentToGetWrappedInSlice(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	e := evt("e1", "t", "", "c1", 1)
	require.NoError(t, s.Record(e, 1))

	got := s.WhenID("e1")
	require.Len(t, got, 1)
	assert.Equal(t, event.EventId("e1"), got[0].EventID)

	assert.Empty(t, s.WhenID("missing"))
}

func TestWhen_FiltersAndSortsByTimestamp(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	require.NoError(t, s.Record(evt("e3", "order.created", "", "c1", 30), 3))
	require.NoError(t, s.Record(evt("e1", "order.created", "", "c1", 10), 1))
	require.NoError(t, s.Record(evt("e2", "order.shipped", "", "c1", 20), 2))

	got := s.When(func(snap Snapshot) bool { return snap.EventType == "order.created" })
	require.Len(t, got, 2)
	assert.Equal(t, event.EventId("e1"), got[0].EventID)
	assert.Equal(t, event.EventId("e3"), got[1].EventID)
}

func TestCausalChain_DFSVisitsEachNodeOnce(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	// u -> c -> p, matching the scenario-3 derivation chain.
	require.NoError(t, s.Record(evt("u", "cmd.submitted", "", "corr", 1), "u"))
	require.NoError(t, s.Record(evt("c", "cmd.accepted", "u", "corr", 2), "c"))
	require.NoError(t, s.Record(evt("p", "cmd.processed", "c", "corr", 3), "p"))

	chain := s.CausalChain("u")
	require.Len(t, chain, 3)
	assert.Equal(t, []event.EventId{"u", "c", "p"}, []event.EventId{chain[0].EventID, chain[1].EventID, chain[2].EventID})
}

func TestCausalChain_CycleSafe(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	// a claims causation b, b claims causation a: a malformed cycle must
	// not hang the DFS (spec §9, cycle safety).
	require.NoError(t, s.Record(evt("a", "t", "b", "corr", 1), 1))
	require.NoError(t, s.Record(evt("b", "t", "a", "corr", 2), 2))

	done := make(chan []Snapshot, 1)
	go func() { done <- s.CausalChain("a") }()
	select {
	case chain := <-done:
		assert.Len(t, chain, 2)
	case <-time.After(time.Second):
		t.Fatal("CausalChain did not terminate on a cyclic causation graph")
	}
}

func TestCorrelation_ReturnsAllSharingCorrelationID(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	require.NoError(t, s.Record(evt("e1", "t", "", "corr-1", 1), 1))
	require.NoError(t, s.Record(evt("e2", "t", "e1", "corr-1", 2), 2))
	require.NoError(t, s.Record(evt("e3", "t", "", "corr-2", 3), 3))

	got := s.Correlation("corr-1")
	require.Len(t, got, 2)
	assert.Equal(t, event.EventId("e1"), got[0].EventID)
	assert.Equal(t, event.EventId("e2"), got[1].EventID)
}

func TestByType_ReturnsOnlyMatchingType(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	require.NoError(t, s.Record(evt("e1", "order.created", "", "c", 1), 1))
	require.NoError(t, s.Record(evt("e2", "order.shipped", "", "c", 2), 2))

	got := s.ByType("order.created")
	require.Len(t, got, 1)
	assert.Equal(t, event.EventId("e1"), got[0].EventID)
}

func TestRetention_HistoryCapEvictsOldest(t *testing.T) {
	s := NewStore(RetentionPolicy{History: 2})
	require.NoError(t, s.Record(evt("e1", "t", "", "c", 1), 1))
	require.NoError(t, s.Record(evt("e2", "t", "", "c", 2), 2))
	require.NoError(t, s.Record(evt("e3", "t", "", "c", 3), 3))

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("e1")
	assert.False(t, ok, "oldest snapshot should have been evicted")
	_, ok = s.Get("e3")
	assert.True(t, ok)
}

func TestRetention_HistoryCapEvictsFromAllIndices(t *testing.T) {
	s := NewStore(RetentionPolicy{History: 1})
	require.NoError(t, s.Record(evt("e1", "order.created", "", "corr-1", 1), 1))
	require.NoError(t, s.Record(evt("e2", "order.created", "e1", "corr-1", 2), 2))

	assert.Len(t, s.ByType("order.created"), 1, "evicted snapshot must be pruned from the type index; only e2 remains")
	assert.Len(t, s.Correlation("corr-1"), 1)
}

func TestRetention_MaxAgeEvictsExpiredSnapshots(t *testing.T) {
	s := NewStore(RetentionPolicy{MaxAge: 10 * time.Millisecond})
	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Record(evt("e1", "t", "", "c", 1), 1))

	s.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	require.NoError(t, s.Record(evt("e2", "t", "", "c", 2), 2))

	_, ok := s.Get("e1")
	assert.False(t, ok)
	_, ok = s.Get("e2")
	assert.True(t, ok)
}

func TestWithAuditSink_ReceivesEveryRecordedSnapshot(t *testing.T) {
	s := NewStore(RetentionPolicy{})
	seen := make(chan Snapshot, 1)
	s.WithAuditSink(func(snap Snapshot) { seen <- snap })

	require.NoError(t, s.Record(evt("e1", "order.created", "", "corr-1", 1), map[string]any{"ok": true}))

	select {
	case snap := <-seen:
		assert.Equal(t, event.EventId("e1"), snap.EventID)
		assert.Equal(t, "order.created", snap.EventType)
	case <-time.After(time.Second):
		t.Fatal("audit sink never invoked")
	}
}
