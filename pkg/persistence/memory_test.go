package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("merges writes field by field", func(t *testing.T) {
		store := NewMemoryStore()
		create := models.Patch{"type": "note", "text": "hi"}
		require.NoError(t, store.Write(ctx, "b1", "x", create, models.Stamp(create, ts(100, 0, "A"))))
		require.NoError(t, store.Write(ctx, "b1", "x", models.Patch{"text": "bye"},
			models.FieldClocks{"text": ts(100, 0, "B")}))
		require.NoError(t, store.Write(ctx, "b1", "x", models.Patch{"text": "late", "color": "red"},
			models.FieldClocks{"text": ts(50, 0, "C"), "color": ts(50, 0, "C")}))

		objects, err := store.LoadAll(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Equal(t, "bye", objects[0].Text)
		assert.Equal(t, "red", objects[0].Color)
		assert.Equal(t, "b1", objects[0].BoardID)
	})

	t.Run("returns copies ordered by id", func(t *testing.T) {
		store := NewMemoryStore()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, store.Write(ctx, "b1", id, models.Patch{"text": id},
				models.FieldClocks{"text": ts(1, 0, "A")}))
		}

		objects, err := store.LoadAll(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, objects, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{objects[0].ID, objects[1].ID, objects[2].ID})

		objects[0].Text = "changed"
		again, err := store.LoadAll(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "a", again[0].Text)
	})

	t.Run("rejects missing ids", func(t *testing.T) {
		store := NewMemoryStore()
		assert.Error(t, store.Write(ctx, "", "x", models.Patch{"text": "hi"}, nil))
		assert.Error(t, store.Write(ctx, "b1", "", models.Patch{"text": "hi"}, nil))
	})

	t.Run("purges old tombstones only", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Write(ctx, "b1", "old", models.Patch{"_deleted": true},
			models.FieldClocks{"_deleted": ts(1000, 0, "A")}))
		require.NoError(t, store.Write(ctx, "b1", "live", models.Patch{"text": "hi"},
			models.FieldClocks{"text": ts(1000, 0, "A")}))

		purged, err := store.PurgeTombstones(ctx, "b1", time.UnixMilli(2000))
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		objects, err := store.LoadAll(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Equal(t, "live", objects[0].ID)
	})
}
