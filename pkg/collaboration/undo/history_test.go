package undo

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/boardsync/pkg/collaboration/graph"
	"github.com/developer-mesh/boardsync/pkg/models"
)

// memTarget applies entries straight to a graph without clocks
type memTarget struct {
	g *graph.Graph
}

func newTarget(objs ...*models.Object) *memTarget {
	g := graph.New()
	g.Replace(objs)
	return &memTarget{g: g}
}

func (m *memTarget) Live(id string) (*models.Object, bool) {
	return m.g.Live(id)
}

func (m *memTarget) Insert(obj *models.Object) error {
	obj.Deleted = false
	m.g.Put(obj)
	return nil
}

func (m *memTarget) Delete(id string) error {
	obj, ok := m.g.Get(id)
	if !ok {
		return fmt.Errorf("%s not found", id)
	}
	obj.Deleted = true
	m.g.Put(obj)
	return nil
}

func (m *memTarget) Update(id string, patch models.Patch) error {
	obj, ok := m.g.Get(id)
	if !ok {
		return fmt.Errorf("%s not found", id)
	}
	if err := obj.Apply(patch); err != nil {
		return err
	}
	m.g.Put(obj)
	return nil
}

func (m *memTarget) Descendants(ids ...string) []string {
	return m.g.Descendants(ids...)
}

// strictTarget refuses to restore an object under a missing parent
type strictTarget struct {
	*memTarget
}

func (m *strictTarget) Insert(obj *models.Object) error {
	if parent := obj.Parent(); parent != "" {
		if _, live := m.Live(parent); !live {
			return fmt.Errorf("%s: parent %s not live", obj.ID, parent)
		}
	}
	return m.memTarget.Insert(obj)
}

func (m *memTarget) state() map[string]models.Patch {
	out := make(map[string]models.Patch)
	for _, obj := range m.g.All() {
		out[obj.ID] = obj.Fields()
	}
	return out
}

func (m *memTarget) parent(t *testing.T, id string) *string {
	obj, ok := m.g.Get(id)
	require.True(t, ok, id)
	return obj.ParentID
}

func note(id, parent string) *models.Object {
	obj := &models.Object{ID: id, Type: models.ObjectTypeNote, Text: id, X: 1, Y: 2}
	if parent != "" {
		obj.ParentID = models.StringPtr(parent)
	}
	return obj
}

func tombstone(obj *models.Object) *models.Object {
	obj.Deleted = true
	return obj
}

func TestHistoryStacks(t *testing.T) {
	t.Run("Push clears redo", func(t *testing.T) {
		target := newTarget(note("a", ""))
		h := NewHistory(10)
		h.Push(Add("a"))
		require.True(t, h.Undo(target).Applied)
		assert.True(t, h.CanRedo())

		h.Push(Add("b"))
		assert.False(t, h.CanRedo())
	})

	t.Run("Oldest entries are evicted at capacity", func(t *testing.T) {
		h := NewHistory(3)
		for i := 0; i < 5; i++ {
			h.Push(Add(fmt.Sprintf("o%d", i)))
		}
		undo, redo := h.Depth()
		assert.Equal(t, 3, undo)
		assert.Equal(t, 0, redo)
		assert.Equal(t, "o2", h.undo[0].IDs[0])

		top, ok := h.Peek()
		require.True(t, ok)
		assert.Equal(t, []string{"o4"}, top.IDs)
	})

	t.Run("Default capacity is used for non-positive values", func(t *testing.T) {
		assert.Equal(t, DefaultCapacity, NewHistory(0).capacity)
	})

	t.Run("Empty stacks are a no-op", func(t *testing.T) {
		h := NewHistory(5)
		assert.False(t, h.Undo(newTarget()).Applied)
		assert.False(t, h.Redo(newTarget()).Applied)
	})

	t.Run("Stale entry is dropped without touching redo", func(t *testing.T) {
		target := newTarget()
		h := NewHistory(5)
		h.Push(Add("gone"))

		result := h.Undo(target)
		assert.False(t, result.Applied)
		assert.Equal(t, []string{"gone"}, result.Skipped)
		undo, redo := h.Depth()
		assert.Zero(t, undo)
		assert.Zero(t, redo)
	})

	t.Run("Partially stale entry applies what remains", func(t *testing.T) {
		target := newTarget(note("a", ""))
		h := NewHistory(5)
		h.Push(Add("a", "gone"))

		result := h.Undo(target)
		assert.True(t, result.Applied)
		assert.Equal(t, []string{"gone"}, result.Skipped)
		require.Len(t, h.redo, 1)
		assert.Equal(t, KindDelete, h.redo[0].Kind)
		assert.Len(t, h.redo[0].Snapshots, 1)
	})

	t.Run("Clear empties both stacks", func(t *testing.T) {
		h := NewHistory(5)
		h.Push(Add("a"))
		h.Clear()
		assert.False(t, h.CanUndo())
	})
}

func TestExecute(t *testing.T) {
	t.Run("Undo add tombstones and snapshots", func(t *testing.T) {
		target := newTarget(note("a", ""))
		inverse, _, ok := Execute(Add("a"), target)
		require.True(t, ok)
		_, live := target.Live("a")
		assert.False(t, live)
		require.Len(t, inverse.Snapshots, 1)
		assert.Equal(t, "a", inverse.Snapshots[0].Text)
	})

	t.Run("Update inverse captures current values of the same keys", func(t *testing.T) {
		obj := note("a", "")
		obj.X = 50
		obj.Color = "red"
		target := newTarget(obj)

		inverse, _, ok := Execute(Update(FieldPatch{ID: "a", Before: models.Patch{models.FieldX: 1.0}}), target)
		require.True(t, ok)
		live, _ := target.Live("a")
		assert.Equal(t, 1.0, live.X)
		assert.Equal(t, "red", live.Color)
		assert.Equal(t, []FieldPatch{{ID: "a", Before: models.Patch{models.FieldX: 50.0}}}, inverse.Patches)
		assert.Equal(t, KindUpdate, inverse.Kind)
	})

	t.Run("Undo duplicate removes descendants", func(t *testing.T) {
		target := newTarget(note("copy", ""), note("child", "copy"), note("grandchild", "child"), note("other", ""))
		inverse, _, ok := Execute(Duplicate("copy"), target)
		require.True(t, ok)
		assert.Len(t, inverse.Snapshots, 3)
		for _, id := range []string{"copy", "child", "grandchild"} {
			_, live := target.Live(id)
			assert.False(t, live, id)
		}
		_, live := target.Live("other")
		assert.True(t, live)
	})

	t.Run("Undo group restores prior parents and deletes the group", func(t *testing.T) {
		target := newTarget(
			note("frame1", ""),
			&models.Object{ID: "g1", Type: models.ObjectTypeGroup},
			note("c1", "g1"),
			note("c2", "g1"),
		)
		h := NewHistory(5)
		h.Push(Group("g1", []string{"c1", "c2"}, map[string]*string{"c1": nil, "c2": models.StringPtr("frame1")}))

		require.True(t, h.Undo(target).Applied)
		assert.Nil(t, target.parent(t, "c1"))
		assert.Equal(t, models.StringPtr("frame1"), target.parent(t, "c2"))
		_, live := target.Live("g1")
		assert.False(t, live)

		require.Len(t, h.redo, 1)
		redo := h.redo[0]
		assert.Equal(t, KindUngroup, redo.Kind)
		require.NotNil(t, redo.GroupSnapshot)
		assert.Equal(t, "g1", redo.GroupSnapshot.ID)
		assert.Equal(t, models.ObjectTypeGroup, redo.GroupSnapshot.Type)
		assert.True(t, redo.GroupSnapshot.IsLive())
		assert.Equal(t, []string{"c1", "c2"}, redo.ChildIDs)
	})

	t.Run("Ungroup captures parents as observed before reassignment", func(t *testing.T) {
		group := &models.Object{ID: "g1", Type: models.ObjectTypeGroup}
		target := newTarget(tombstone(group.Clone()), note("c1", ""), note("c2", "elsewhere"))

		inverse, _, ok := Execute(Ungroup(group, []string{"c1", "c2"}), target)
		require.True(t, ok)
		assert.Equal(t, KindGroup, inverse.Kind)
		assert.Equal(t, models.StringPtr("g1"), target.parent(t, "c1"))
		assert.Equal(t, models.StringPtr("g1"), target.parent(t, "c2"))
		assert.Nil(t, inverse.PriorParents["c1"])
		assert.Equal(t, models.StringPtr("elsewhere"), inverse.PriorParents["c2"])
	})

	t.Run("Group whose group object is gone still moves children back", func(t *testing.T) {
		target := newTarget(note("c1", "g1"))
		inverse, skipped, ok := Execute(Group("g1", []string{"c1"}, map[string]*string{"c1": nil}), target)
		require.True(t, ok)
		assert.Equal(t, []string{"g1"}, skipped)
		assert.Nil(t, target.parent(t, "c1"))

		assert.Equal(t, KindUpdate, inverse.Kind)
		require.Len(t, inverse.Patches, 1)
		assert.Equal(t, models.Patch{models.FieldParentID: "g1"}, inverse.Patches[0].Before)

		_, _, ok = Execute(inverse, target)
		require.True(t, ok)
		assert.Equal(t, models.StringPtr("g1"), target.parent(t, "c1"))
	})

	t.Run("Group with nothing left is stale", func(t *testing.T) {
		target := newTarget(tombstone(note("c1", "g1")))
		_, skipped, ok := Execute(Group("g1", []string{"c1"}, map[string]*string{"c1": nil}), target)
		assert.False(t, ok)
		assert.Equal(t, []string{"c1", "g1"}, skipped)
	})

	t.Run("Delete restores parents before children", func(t *testing.T) {
		target := &strictTarget{memTarget: newTarget(
			tombstone(note("frame", "")), tombstone(note("child", "frame")), tombstone(note("leaf", "child")),
		)}
		inverse, skipped, ok := Execute(Delete(note("leaf", "child"), note("child", "frame"), note("frame", "")), target)
		require.True(t, ok)
		assert.Empty(t, skipped)
		assert.Equal(t, []string{"frame", "child", "leaf"}, inverse.IDs)
		for _, id := range []string{"frame", "child", "leaf"} {
			_, live := target.Live(id)
			assert.True(t, live, id)
		}
	})

	t.Run("Unknown kind does nothing", func(t *testing.T) {
		_, _, ok := Execute(Entry{Kind: "teleport"}, newTarget())
		assert.False(t, ok)
	})
}

func TestUndoRedoRoundTrip(t *testing.T) {
	group := &models.Object{ID: "g1", Type: models.ObjectTypeGroup}

	cases := []struct {
		name  string
		objs  []*models.Object
		entry Entry
	}{
		{"add", []*models.Object{note("a", ""), note("b", "")}, Add("a", "b")},
		{"delete", []*models.Object{tombstone(note("a", ""))}, Delete(note("a", ""))},
		{"update", []*models.Object{note("a", "")}, Update(FieldPatch{ID: "a", Before: models.Patch{models.FieldText: "before", models.FieldColor: "blue"}})},
		{"move", []*models.Object{note("a", "")}, Move(FieldPatch{ID: "a", Before: models.Patch{models.FieldX: 9.0, models.FieldY: 9.0}})},
		{"duplicate", []*models.Object{note("d", ""), note("d1", "d"), note("d2", "d1")}, Duplicate("d")},
		{"group", []*models.Object{note("frame1", ""), group.Clone(), note("c1", "g1"), note("c2", "g1")},
			Group("g1", []string{"c1", "c2"}, map[string]*string{"c1": nil, "c2": models.StringPtr("frame1")})},
		{"ungroup", []*models.Object{tombstone(group.Clone()), note("c1", ""), note("c2", "frame1"), note("frame1", "")},
			Ungroup(group, []string{"c1", "c2"})},
	}

	for _, tc := range cases {
		t.Run(tc.name+" undo then redo restores the graph", func(t *testing.T) {
			target := newTarget(tc.objs...)
			h := NewHistory(5)
			h.Push(tc.entry)
			before := target.state()

			require.True(t, h.Undo(target).Applied)
			require.True(t, h.Redo(target).Applied)
			assert.Equal(t, before, target.state())

			undo, redo := h.Depth()
			assert.Equal(t, 1, undo)
			assert.Equal(t, 0, redo)
		})
	}
}
