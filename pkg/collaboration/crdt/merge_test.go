package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/boardsync/pkg/collaboration/hlc"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
)

func ts(wall int64, counter uint32, id string) hlc.Timestamp {
	return hlc.Timestamp{Wall: wall, Counter: counter, ClientID: id}
}

func update(id string, fields models.Patch, clock hlc.Timestamp) models.Change {
	return models.NewUpdateChange(id, fields, models.Stamp(fields, clock))
}

func TestMerge(t *testing.T) {
	t.Run("Unknown id creates the object", func(t *testing.T) {
		change := update("x", models.Patch{models.FieldText: "hi", models.FieldX: 10.0}, ts(100, 0, "A"))

		obj, result, err := Merge(nil, change)
		require.NoError(t, err)
		assert.True(t, result.Created)
		assert.Equal(t, "x", obj.ID)
		assert.Equal(t, "hi", obj.Text)
		assert.Equal(t, 10.0, obj.X)
		assert.Equal(t, ts(100, 0, "A"), obj.Clocks[models.FieldText])
	})

	t.Run("Later clock wins and earlier clock is ignored", func(t *testing.T) {
		obj, _, err := Merge(nil, update("x", models.Patch{models.FieldText: "one"}, ts(200, 0, "A")))
		require.NoError(t, err)

		obj, result, err := Merge(obj, update("x", models.Patch{models.FieldText: "old"}, ts(150, 0, "B")))
		require.NoError(t, err)
		assert.False(t, result.Changed())
		assert.Equal(t, SkipStale, result.Skipped[models.FieldText])
		assert.Equal(t, "one", obj.Text)

		obj, result, err = Merge(obj, update("x", models.Patch{models.FieldText: "new"}, ts(200, 1, "B")))
		require.NoError(t, err)
		assert.Equal(t, []string{models.FieldText}, result.Applied)
		assert.Equal(t, "new", obj.Text)
	})

	t.Run("Fields outside the patch are untouched", func(t *testing.T) {
		obj, _, err := Merge(nil, update("x", models.Patch{models.FieldX: 1.0, models.FieldY: 2.0}, ts(100, 0, "A")))
		require.NoError(t, err)

		obj, _, err = Merge(obj, update("x", models.Patch{models.FieldX: 5.0}, ts(300, 0, "B")))
		require.NoError(t, err)
		assert.Equal(t, 5.0, obj.X)
		assert.Equal(t, 2.0, obj.Y)
		assert.Equal(t, ts(100, 0, "A"), obj.Clocks[models.FieldY])
	})

	t.Run("Client id breaks exact ties", func(t *testing.T) {
		create := models.Change{
			Action: models.ActionCreate,
			ID:     "x",
			Fields: models.Patch{models.FieldType: "note", models.FieldText: "hi"},
		}
		create.Clocks = models.Stamp(create.Fields, ts(100, 0, "A"))
		edit := update("x", models.Patch{models.FieldText: "bye"}, ts(100, 0, "B"))

		onA, _, err := Merge(nil, create)
		require.NoError(t, err)
		onA, _, err = Merge(onA, edit)
		require.NoError(t, err)

		onB, _, err := Merge(nil, edit)
		require.NoError(t, err)
		onB, _, err = Merge(onB, create)
		require.NoError(t, err)

		assert.Equal(t, "bye", onA.Text)
		assert.Equal(t, "bye", onB.Text)
		assert.Equal(t, models.ObjectTypeNote, onB.Type)
	})

	t.Run("Identical clock is a no-op replay", func(t *testing.T) {
		change := update("x", models.Patch{models.FieldColor: "red"}, ts(100, 0, "A"))
		obj, _, err := Merge(nil, change)
		require.NoError(t, err)

		again, result, err := Merge(obj, change)
		require.NoError(t, err)
		assert.False(t, result.Changed())
		assert.Equal(t, obj, again)
	})

	t.Run("Delete races update by clock", func(t *testing.T) {
		base, _, err := Merge(nil, update("x", models.Patch{models.FieldText: "hi"}, ts(100, 0, "A")))
		require.NoError(t, err)

		del := models.NewDeleteChange("x", models.FieldClocks{models.FieldDeleted: ts(200, 0, "A")})
		restore := update("x", models.Patch{models.FieldDeleted: false}, ts(300, 0, "B"))

		first, _, err := Merge(base, del)
		require.NoError(t, err)
		first, _, err = Merge(first, restore)
		require.NoError(t, err)

		second, _, err := Merge(base, restore)
		require.NoError(t, err)
		second, _, err = Merge(second, del)
		require.NoError(t, err)

		assert.True(t, first.IsLive())
		assert.True(t, second.IsLive())
	})

	t.Run("Delete of unknown id creates a tombstone", func(t *testing.T) {
		obj, result, err := Merge(nil, models.NewDeleteChange("ghost", models.FieldClocks{models.FieldDeleted: ts(5, 0, "A")}))
		require.NoError(t, err)
		assert.True(t, result.Created)
		assert.False(t, obj.IsLive())
	})

	t.Run("Unknown and ill-typed fields are skipped", func(t *testing.T) {
		change := update("x", models.Patch{
			"bogus":          1,
			models.FieldX:    "not a number",
			models.FieldText: "ok",
		}, ts(100, 0, "A"))

		obj, result, err := Merge(nil, change)
		require.NoError(t, err)
		assert.Equal(t, []string{models.FieldText}, result.Applied)
		assert.Equal(t, SkipUnknown, result.Skipped["bogus"])
		assert.Equal(t, SkipInvalid, result.Skipped[models.FieldX])
		_, hasClock := obj.Clocks[models.FieldX]
		assert.False(t, hasClock)
	})

	t.Run("Field without a clock only fills an unclocked field", func(t *testing.T) {
		obj, _, err := Merge(nil, update("x", models.Patch{models.FieldText: "clocked"}, ts(100, 0, "A")))
		require.NoError(t, err)

		obj, result, err := Merge(obj, models.Change{
			Action: models.ActionUpdate,
			ID:     "x",
			Fields: models.Patch{models.FieldText: "plain", models.FieldColor: "blue"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{models.FieldColor}, result.Applied)
		assert.Equal(t, "clocked", obj.Text)
		assert.Equal(t, "blue", obj.Color)
	})

	t.Run("Malformed change is rejected", func(t *testing.T) {
		_, _, err := Merge(nil, models.Change{Action: models.ActionUpdate})
		assert.ErrorIs(t, err, errors.ErrMalformed)

		_, _, err = Merge(nil, models.Change{Action: "explode", ID: "x"})
		assert.True(t, errors.IsMalformed(err))
	})

	t.Run("Input object is not mutated", func(t *testing.T) {
		obj, _, err := Merge(nil, update("x", models.Patch{models.FieldText: "a"}, ts(100, 0, "A")))
		require.NoError(t, err)
		snapshot := obj.Clone()

		_, _, err = Merge(obj, update("x", models.Patch{models.FieldText: "b"}, ts(200, 0, "A")))
		require.NoError(t, err)
		assert.Equal(t, snapshot, obj)
	})
}

func TestMergeObject(t *testing.T) {
	t.Run("Keeps newer local fields and adopts newer remote fields", func(t *testing.T) {
		local, _, err := Merge(nil, update("x", models.Patch{models.FieldText: "local"}, ts(500, 0, "A")))
		require.NoError(t, err)
		local, _, err = Merge(local, update("x", models.Patch{models.FieldColor: "red"}, ts(100, 0, "A")))
		require.NoError(t, err)

		remote := &models.Object{ID: "x", BoardID: "b1", Text: "server", Color: "green"}
		remote.Clocks = models.FieldClocks{
			models.FieldText:  ts(400, 0, "B"),
			models.FieldColor: ts(200, 0, "B"),
		}

		merged, _, err := MergeObject(local, remote)
		require.NoError(t, err)
		assert.Equal(t, "local", merged.Text)
		assert.Equal(t, "green", merged.Color)
		assert.Equal(t, "b1", merged.BoardID)
	})
}

// Two replicas receiving the same concurrent updates in different orders
// must end with identical field values and clocks.
func TestMergeConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	fields := []string{models.FieldX, models.FieldY, models.FieldText, models.FieldDeleted}
	clients := []string{"A", "B", "C"}

	for round := 0; round < 50; round++ {
		var changes []models.Change
		for i := 0; i < 20; i++ {
			name := fields[rng.Intn(len(fields))]
			var value interface{}
			switch name {
			case models.FieldText:
				value = fmt.Sprintf("t%d", rng.Intn(5))
			case models.FieldDeleted:
				value = rng.Intn(2) == 0
			default:
				value = float64(rng.Intn(100))
			}
			// distinct counters keep every clock unique, as a real HLC guarantees
			clock := ts(int64(100+rng.Intn(5)), uint32(i), clients[rng.Intn(len(clients))])
			changes = append(changes, update("obj", models.Patch{name: value}, clock))
		}

		apply := func(order []int) *models.Object {
			var obj *models.Object
			for _, i := range order {
				var err error
				obj, _, err = Merge(obj, changes[i])
				require.NoError(t, err)
			}
			return obj
		}

		forward := make([]int, len(changes))
		for i := range forward {
			forward[i] = i
		}
		shuffled := rng.Perm(len(changes))

		a := apply(forward)
		b := apply(shuffled)
		assert.Equal(t, a.Fields(), b.Fields(), "round %d", round)
		assert.Equal(t, a.Clocks, b.Clocks, "round %d", round)
	}
}
