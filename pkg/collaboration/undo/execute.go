package undo

import (
	"github.com/developer-mesh/boardsync/pkg/models"
)

// Target is the graph an entry executes against. Writes go through the
// owning session so they are clocked, broadcast and persisted like any other
// local edit; a write that fails is treated as a missing object.
type Target interface {
	// Live returns the object if it exists and is not tombstoned
	Live(id string) (*models.Object, bool)
	// Insert restores a snapshot, resurrecting a tombstone if necessary
	Insert(obj *models.Object) error
	// Delete tombstones an object
	Delete(id string) error
	// Update applies a field patch
	Update(id string, patch models.Patch) error
	// Descendants lists every live object below the given roots
	Descendants(ids ...string) []string
}

// Execute applies entry to target and returns the entry that reverses what
// was actually applied. Objects that no longer exist are skipped; when
// nothing could be applied ok is false and the inverse must be discarded.
func Execute(entry Entry, target Target) (inverse Entry, skipped []string, ok bool) {
	switch entry.Kind {
	case KindAdd:
		return removeObjects(entry.IDs, target)
	case KindDuplicate:
		ids := append(append([]string(nil), entry.IDs...), target.Descendants(entry.IDs...)...)
		return removeObjects(ids, target)
	case KindDelete:
		return restoreObjects(entry.Snapshots, target)
	case KindUpdate, KindMove:
		return applyPatches(entry, target)
	case KindGroup:
		return dissolveGroup(entry, target)
	case KindUngroup:
		return rebuildGroup(entry, target)
	default:
		return Entry{}, nil, false
	}
}

func removeObjects(ids []string, target Target) (Entry, []string, bool) {
	var snapshots []*models.Object
	var skipped []string
	for _, id := range ids {
		obj, live := target.Live(id)
		if !live || target.Delete(id) != nil {
			skipped = append(skipped, id)
			continue
		}
		snapshots = append(snapshots, obj)
	}
	if len(snapshots) == 0 {
		return Entry{}, skipped, false
	}
	return Entry{Kind: KindDelete, Snapshots: snapshots}, skipped, true
}

func restoreObjects(snapshots []*models.Object, target Target) (Entry, []string, bool) {
	var ids, skipped []string
	for _, snap := range parentsFirst(snapshots) {
		if err := target.Insert(snap.Clone()); err != nil {
			skipped = append(skipped, snap.ID)
			continue
		}
		ids = append(ids, snap.ID)
	}
	if len(ids) == 0 {
		return Entry{}, skipped, false
	}
	return Entry{Kind: KindAdd, IDs: ids}, skipped, true
}

// parentsFirst orders snapshots so every object follows its parent when
// both are in the set. The input order is otherwise kept.
func parentsFirst(snapshots []*models.Object) []*models.Object {
	byID := make(map[string]*models.Object, len(snapshots))
	for _, snap := range snapshots {
		if snap != nil {
			byID[snap.ID] = snap
		}
	}

	ordered := make([]*models.Object, 0, len(byID))
	visited := make(map[string]bool, len(byID))
	var visit func(snap *models.Object)
	visit = func(snap *models.Object) {
		if visited[snap.ID] {
			return
		}
		visited[snap.ID] = true
		if parent, ok := byID[snap.Parent()]; ok {
			visit(parent)
		}
		ordered = append(ordered, snap)
	}
	for _, snap := range snapshots {
		if snap != nil {
			visit(snap)
		}
	}
	return ordered
}

// applyPatches captures the current values of exactly the keys being
// restored, so the inverse is symmetric even after intervening edits.
func applyPatches(entry Entry, target Target) (Entry, []string, bool) {
	var inverse []FieldPatch
	var skipped []string
	for _, p := range entry.Patches {
		obj, live := target.Live(p.ID)
		if !live {
			skipped = append(skipped, p.ID)
			continue
		}
		current := obj.Values(p.Before.Keys())
		if err := target.Update(p.ID, p.Before.Clone()); err != nil {
			skipped = append(skipped, p.ID)
			continue
		}
		inverse = append(inverse, FieldPatch{ID: p.ID, Before: current})
	}
	if len(inverse) == 0 {
		return Entry{}, skipped, false
	}
	return Entry{Kind: entry.Kind, Patches: inverse}, skipped, true
}

func dissolveGroup(entry Entry, target Target) (Entry, []string, bool) {
	var restored, skipped []string
	var reparented []FieldPatch
	for _, child := range entry.ChildIDs {
		obj, live := target.Live(child)
		if !live {
			skipped = append(skipped, child)
			continue
		}
		current := obj.Values([]string{models.FieldParentID})
		if err := target.Update(child, models.Patch{models.FieldParentID: parentValue(entry.PriorParents[child])}); err != nil {
			skipped = append(skipped, child)
			continue
		}
		restored = append(restored, child)
		reparented = append(reparented, FieldPatch{ID: child, Before: current})
	}

	group, live := target.Live(entry.GroupID)
	if live && target.Delete(entry.GroupID) != nil {
		live = false
	}
	if !live {
		skipped = append(skipped, entry.GroupID)
		if len(reparented) == 0 {
			return Entry{}, skipped, false
		}
		// The group cannot be rebuilt without a snapshot; redo only moves
		// the children back.
		return Entry{Kind: KindUpdate, Patches: reparented}, skipped, true
	}
	return Entry{Kind: KindUngroup, GroupID: entry.GroupID, ChildIDs: restored, GroupSnapshot: group}, skipped, true
}

func rebuildGroup(entry Entry, target Target) (Entry, []string, bool) {
	if entry.GroupSnapshot == nil || target.Insert(entry.GroupSnapshot.Clone()) != nil {
		return Entry{}, append([]string{entry.GroupID}, entry.ChildIDs...), false
	}

	prior := make(map[string]*string, len(entry.ChildIDs))
	var children, skipped []string
	for _, child := range entry.ChildIDs {
		obj, live := target.Live(child)
		if !live {
			skipped = append(skipped, child)
			continue
		}
		parent := obj.ParentID
		if err := target.Update(child, models.Patch{models.FieldParentID: entry.GroupID}); err != nil {
			skipped = append(skipped, child)
			continue
		}
		prior[child] = parent
		children = append(children, child)
	}
	return Entry{Kind: KindGroup, GroupID: entry.GroupID, ChildIDs: children, PriorParents: prior}, skipped, true
}

func parentValue(parent *string) interface{} {
	if parent == nil {
		return nil
	}
	return *parent
}
