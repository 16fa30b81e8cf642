package coalesce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/developer-mesh/boardsync/pkg/collaboration/hlc"
	"github.com/developer-mesh/boardsync/pkg/models"
)

func clock(wall int64) hlc.Timestamp {
	return hlc.Timestamp{Wall: wall, ClientID: "A"}
}

func create(id string, fields models.Patch, wall int64) models.Change {
	return models.Change{
		Action:    models.ActionCreate,
		ID:        id,
		Fields:    fields,
		Clocks:    models.Stamp(fields, clock(wall)),
		Timestamp: wall,
	}
}

func update(id string, fields models.Patch, wall int64) models.Change {
	return models.NewUpdateChange(id, fields, models.Stamp(fields, clock(wall)))
}

func remove(id string, wall int64) models.Change {
	return models.NewDeleteChange(id, models.FieldClocks{models.FieldDeleted: clock(wall)})
}

func TestCoalesce(t *testing.T) {
	t.Run("Create update delete within one tick vanishes", func(t *testing.T) {
		out := Coalesce([]models.Change{
			create("A", models.Patch{models.FieldText: "hi"}, 1),
			update("A", models.Patch{models.FieldX: 1.0}, 2),
			remove("A", 3),
		})
		assert.Empty(t, out)
	})

	t.Run("Updates merge with later values and clocks winning", func(t *testing.T) {
		out := Coalesce([]models.Change{
			update("A", models.Patch{models.FieldX: 1.0, models.FieldY: 1.0}, 10),
			update("A", models.Patch{models.FieldX: 2.0}, 20),
		})
		if assert.Len(t, out, 1) {
			assert.Equal(t, models.ActionUpdate, out[0].Action)
			assert.Equal(t, models.Patch{models.FieldX: 2.0, models.FieldY: 1.0}, out[0].Fields)
			assert.Equal(t, clock(20), out[0].Clocks[models.FieldX])
			assert.Equal(t, clock(10), out[0].Clocks[models.FieldY])
			assert.Equal(t, int64(20), out[0].Timestamp)
		}
	})

	t.Run("Create absorbs following updates", func(t *testing.T) {
		out := Coalesce([]models.Change{
			create("A", models.Patch{models.FieldText: "hi", models.FieldX: 0.0}, 1),
			update("A", models.Patch{models.FieldX: 5.0}, 2),
		})
		if assert.Len(t, out, 1) {
			assert.Equal(t, models.ActionCreate, out[0].Action)
			assert.Equal(t, 5.0, out[0].Fields[models.FieldX])
			assert.Equal(t, "hi", out[0].Fields[models.FieldText])
		}
	})

	t.Run("Update followed by delete keeps only the delete", func(t *testing.T) {
		del := remove("A", 2)
		out := Coalesce([]models.Change{update("A", models.Patch{models.FieldX: 5.0}, 1), del})
		assert.Equal(t, []models.Change{del}, out)
	})

	t.Run("Bare delete passes through", func(t *testing.T) {
		del := remove("A", 2)
		assert.Equal(t, []models.Change{del}, Coalesce([]models.Change{del}))
	})

	t.Run("Unrelated changes keep their relative order", func(t *testing.T) {
		out := Coalesce([]models.Change{
			update("A", models.Patch{models.FieldX: 1.0}, 1),
			update("B", models.Patch{models.FieldX: 1.0}, 2),
			update("A", models.Patch{models.FieldY: 1.0}, 3),
			create("C", models.Patch{models.FieldText: "c"}, 4),
		})
		var ids []string
		for _, c := range out {
			ids = append(ids, c.ID)
		}
		assert.Equal(t, []string{"A", "B", "C"}, ids)
	})

	t.Run("Delete then re-create becomes a create", func(t *testing.T) {
		out := Coalesce([]models.Change{
			remove("A", 1),
			create("A", models.Patch{models.FieldText: "back", models.FieldDeleted: false}, 2),
		})
		if assert.Len(t, out, 1) {
			assert.Equal(t, models.ActionCreate, out[0].Action)
			assert.Equal(t, false, out[0].Fields[models.FieldDeleted])
			assert.Equal(t, clock(2), out[0].Clocks[models.FieldDeleted])
		}
	})

	t.Run("Change after a cancelled pair starts a new slot", func(t *testing.T) {
		out := Coalesce([]models.Change{
			create("A", models.Patch{models.FieldText: "a"}, 1),
			update("B", models.Patch{models.FieldX: 1.0}, 2),
			remove("A", 3),
			update("A", models.Patch{models.FieldX: 9.0}, 4),
		})
		if assert.Len(t, out, 2) {
			assert.Equal(t, "B", out[0].ID)
			assert.Equal(t, "A", out[1].ID)
			assert.Equal(t, models.ActionUpdate, out[1].Action)
		}
	})

	t.Run("Coalescing is idempotent", func(t *testing.T) {
		batch := []models.Change{
			create("A", models.Patch{models.FieldText: "a"}, 1),
			update("B", models.Patch{models.FieldX: 1.0}, 2),
			update("A", models.Patch{models.FieldX: 3.0}, 3),
			update("B", models.Patch{models.FieldY: 4.0}, 4),
			remove("C", 5),
			update("D", models.Patch{models.FieldX: 1.0}, 6),
			remove("D", 7),
		}
		once := Coalesce(batch)
		assert.Equal(t, once, Coalesce(once))
	})

	t.Run("Inputs are not mutated", func(t *testing.T) {
		first := update("A", models.Patch{models.FieldX: 1.0}, 1)
		Coalesce([]models.Change{first, update("A", models.Patch{models.FieldY: 2.0}, 2)})
		assert.Equal(t, models.Patch{models.FieldX: 1.0}, first.Fields)
	})
}

func TestQueue(t *testing.T) {
	t.Run("Flush drains and reports folded changes", func(t *testing.T) {
		q := NewQueue()
		q.Enqueue(update("A", models.Patch{models.FieldX: 1.0}, 1))
		q.Enqueue(update("A", models.Patch{models.FieldX: 2.0}, 2), update("B", models.Patch{models.FieldX: 1.0}, 3))
		assert.Equal(t, 3, q.Len())

		out, folded := q.Flush()
		assert.Len(t, out, 2)
		assert.Equal(t, 1, folded)
		assert.Equal(t, 0, q.Len())

		out, folded = q.Flush()
		assert.Nil(t, out)
		assert.Zero(t, folded)
	})
}
