package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemPersister() *memPersister {
	return &memPersister{data: make(map[string][]byte)}
}

func (m *memPersister) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *memPersister) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestNew_SeedsEmptyDocument(t *testing.T) {
	s := New()
	assert.Equal(t, map[string]any{}, s.Get(nil))
	assert.False(t, s.IsPersistent())
}

func TestGet_AppliesSelector(t *testing.T) {
	s := New()
	_, err := s.Set(context.Background(), func(ctx context.Context, current, views any) (any, error) {
		return map[string]any{"count": 1}, nil
	}, nil)
	require.NoError(t, err)

	got := s.Get(func(current any) any {
		return current.(map[string]any)["count"]
	})
	assert.Equal(t, 1, got)
}

func TestSet_PublishesTransformResult(t *testing.T) {
	s := New()
	next, err := s.Set(context.Background(), func(ctx context.Context, current, views any) (any, error) {
		return "replaced", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "replaced", next)
	assert.Equal(t, "replaced", s.Get(nil))
}

func TestSet_PropagatesTransformerError(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	_, err := s.Set(context.Background(), func(ctx context.Context, current, views any) (any, error) {
		return nil, boom
	}, nil)
	assert.ErrorIs(t, err, boom)
	// current must be unchanged on a failed transform.
	assert.Equal(t, map[string]any{}, s.Get(nil))
}

func TestSet_SerializesConcurrentMutators(t *testing.T) {
	s := New()
	_, err := s.Set(context.Background(), func(ctx context.Context, current, views any) (any, error) {
		return 0, nil
	}, nil)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Set(context.Background(), func(ctx context.Context, current, views any) (any, error) {
				return current.(int) + 1, nil
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every Set read its immediate predecessor's output exactly once, so
	// the total is exactly n regardless of interleaving order (spec P8).
	assert.Equal(t, n, s.Get(nil))
}

func TestLoad_NonPersistentReturnsErrStateUnavailable(t *testing.T) {
	s := New()
	err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrStateUnavailable)
}

func TestLoad_FallsBackToEmptyDocumentOnAbsence(t *testing.T) {
	p := newMemPersister()
	s := New(WithPersistence(p, "node/a", jsonEncode, jsonDecode))
	err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, s.Get(nil))
}

func TestLoad_DecodesPersistedValue(t *testing.T) {
	p := newMemPersister()
	raw, _ := json.Marshal(map[string]any{"hello": "world"})
	require.NoError(t, p.Put(context.Background(), "node/a", raw))

	s := New(WithPersistence(p, "node/a", jsonEncode, jsonDecode))
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, map[string]any{"hello": "world"}, s.Get(nil))
}

func TestSet_WritesThroughToPersister(t *testing.T) {
	p := newMemPersister()
	s := New(WithPersistence(p, "node/a", jsonEncode, jsonDecode))

	_, err := s.Set(context.Background(), func(ctx context.Context, current, views any) (any, error) {
		return map[string]any{"count": 1}, nil
	}, nil)
	require.NoError(t, err)

	raw, err := p.Get(context.Background(), "node/a")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, map[string]any{"count": float64(1)}, decoded)
}

func jsonEncode(v any) ([]byte, error) { return json.Marshal(v) }

func jsonDecode(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
