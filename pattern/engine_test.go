package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handlersOf(regs []*Registration) []Handler {
	out := make([]Handler, len(regs))
	for i, r := range regs {
		out[i] = r.Handler
	}
	return out
}

func TestExactMatch(t *testing.T) {
	e := NewEngine()
	_, err := e.On("order.created", "h1", 0)
	require.NoError(t, err)

	hits := e.Lookup("order.created", nil)
	assert.Equal(t, []Handler{"h1"}, handlersOf(hits))
	assert.Empty(t, e.Lookup("order.updated", nil))
}

func TestWildcardPriority(t *testing.T) {
	e := NewEngine()
	_, err := e.On("order.*", "h1", 1)
	require.NoError(t, err)
	_, err = e.On("order.created", "h2", 10)
	require.NoError(t, err)

	hits := e.Lookup("order.created", nil)
	assert.Equal(t, []Handler{"h2", "h1"}, handlersOf(hits))
}

func TestWildcardDoesNotCrossSegments(t *testing.T) {
	e := NewEngine()
	_, err := e.On("order.*", "h1", 0)
	require.NoError(t, err)

	assert.NotEmpty(t, e.Lookup("order.created", nil))
	assert.Empty(t, e.Lookup("order.created.v2", nil))
}

func TestAlternatives(t *testing.T) {
	e := NewEngine()
	_, err := e.On("{a,b,c}.tail", "h1", 0)
	require.NoError(t, err)

	assert.NotEmpty(t, e.Lookup("a.tail", nil))
	assert.NotEmpty(t, e.Lookup("b.tail", nil))
	assert.Empty(t, e.Lookup("d.tail", nil))
}

func TestEmptyAlternativesIsPatternSyntax(t *testing.T) {
	_, err := Compile("{}.tail")
	assert.ErrorIs(t, err, ErrPatternSyntax)
}

func TestUnbalancedBraceIsPatternSyntax(t *testing.T) {
	_, err := Compile("{a,b.tail")
	assert.ErrorIs(t, err, ErrPatternSyntax)
}

func TestWildcardAloneMatchesEverythingIncludingEmpty(t *testing.T) {
	m, err := Compile("*")
	require.NoError(t, err)
	assert.True(t, m.Match("anything", nil))
	assert.True(t, m.Match("", nil))
}

func TestPredicatePattern(t *testing.T) {
	e := NewEngine()
	_, err := e.On(Predicate(func(eventType string, ev any) bool {
		return eventType == "special.event"
	}), "h1", 0)
	require.NoError(t, err)

	assert.NotEmpty(t, e.Lookup("special.event", nil))
	assert.Empty(t, e.Lookup("other.event", nil))
}

func TestCacheDisabledWhenPredicatePresent(t *testing.T) {
	e := NewEngine()
	calls := 0
	_, err := e.On(Predicate(func(eventType string, ev any) bool {
		calls++
		return eventType == "x.y"
	}), "h1", 0)
	require.NoError(t, err)

	e.Lookup("x.y", nil)
	e.Lookup("x.y", nil)
	assert.Equal(t, 2, calls, "predicate must be re-evaluated every lookup — no caching allowed")
}

func TestCacheCoherenceAfterRegistrationChange(t *testing.T) {
	e := NewEngine()
	_, err := e.On("order.*", "h1", 0)
	require.NoError(t, err)

	first := e.Lookup("order.created", nil)
	assert.Equal(t, []Handler{"h1"}, handlersOf(first))

	_, err = e.On("order.created", "h2", 5)
	require.NoError(t, err)

	second := e.Lookup("order.created", nil)
	assert.Equal(t, []Handler{"h2", "h1"}, handlersOf(second))
}

func TestUnregisterRemovesHandler(t *testing.T) {
	e := NewEngine()
	unreg, err := e.On("a.b", "h1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, e.Lookup("a.b", nil))

	unreg()
	assert.Empty(t, e.Lookup("a.b", nil))
}

func TestTiesByInsertionOrder(t *testing.T) {
	e := NewEngine()
	_, err := e.On("a.*", "h1", 0)
	require.NoError(t, err)
	_, err = e.On("b.*", "h2", 0)
	require.NoError(t, err)
	_, err = e.On(Predicate(func(string, any) bool { return true }), "h3", 0)
	require.NoError(t, err)

	hits := e.Lookup("a.x", nil)
	assert.Equal(t, []Handler{"h1", "h3"}, handlersOf(hits))
}
