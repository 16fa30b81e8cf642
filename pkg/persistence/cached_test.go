package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store that counts calls and can be told to fail
type memStore struct {
	mu      sync.Mutex
	objects map[string][]*models.Object
	loads   int
	writes  []WriteRequest
	failN   int
	failErr error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]*models.Object{}}
}

func (m *memStore) LoadAll(ctx context.Context, boardID string) ([]*models.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return cloneAll(m.objects[boardID]), nil
}

func (m *memStore) Write(ctx context.Context, boardID, objectID string, patch models.Patch, clocks models.FieldClocks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, WriteRequest{BoardID: boardID, ObjectID: objectID, Patch: patch, Clocks: clocks})
	if m.failN != 0 {
		if m.failN > 0 {
			m.failN--
		}
		return m.failErr
	}
	obj := &models.Object{ID: objectID, BoardID: boardID}
	_ = obj.Apply(patch)
	m.objects[boardID] = append(m.objects[boardID], obj)
	return nil
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()

	t.Run("serves repeated loads from cache", func(t *testing.T) {
		inner := newMemStore()
		inner.objects["b1"] = []*models.Object{{ID: "x", Text: "hi"}}
		cached := NewCachedStore(inner, CacheConfig{Size: 4, TTL: time.Minute}, nil)

		first, err := cached.LoadAll(ctx, "b1")
		require.NoError(t, err)
		second, err := cached.LoadAll(ctx, "b1")
		require.NoError(t, err)

		assert.Equal(t, 1, inner.loads)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, cached.Len())
	})

	t.Run("returns copies", func(t *testing.T) {
		inner := newMemStore()
		inner.objects["b1"] = []*models.Object{{ID: "x", Text: "hi"}}
		cached := NewCachedStore(inner, CacheConfig{}, nil)

		first, err := cached.LoadAll(ctx, "b1")
		require.NoError(t, err)
		first[0].Text = "mutated"

		second, err := cached.LoadAll(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "hi", second[0].Text)
	})

	t.Run("write invalidates the board", func(t *testing.T) {
		inner := newMemStore()
		cached := NewCachedStore(inner, CacheConfig{}, nil)

		_, err := cached.LoadAll(ctx, "b1")
		require.NoError(t, err)
		require.NoError(t, cached.Write(ctx, "b1", "x", models.Patch{"text": "a"}, nil))

		objects, err := cached.LoadAll(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 2, inner.loads)
		require.Len(t, objects, 1)
		assert.Equal(t, "a", objects[0].Text)
	})

	t.Run("expires snapshots", func(t *testing.T) {
		inner := newMemStore()
		cached := NewCachedStore(inner, CacheConfig{Size: 4, TTL: 20 * time.Millisecond}, nil)

		_, err := cached.LoadAll(ctx, "b1")
		require.NoError(t, err)
		assert.Eventually(t, func() bool {
			_, err := cached.LoadAll(ctx, "b1")
			return err == nil && inner.loads >= 2
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("purge without purger is a no-op", func(t *testing.T) {
		cached := NewCachedStore(newMemStore(), CacheConfig{}, nil)
		n, err := cached.PurgeTombstones(ctx, "b1", time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
