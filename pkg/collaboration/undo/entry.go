// Package undo implements per-client undo and redo over the shared board
// graph. Undo is local: executing an entry mutates the graph through the
// same path as any other local edit, so peers just see ordinary changes.
package undo

import (
	"github.com/developer-mesh/boardsync/pkg/models"
)

// Kind tags an undo entry
type Kind string

const (
	KindAdd       Kind = "add"
	KindDelete    Kind = "delete"
	KindUpdate    Kind = "update"
	KindMove      Kind = "move"
	KindDuplicate Kind = "duplicate"
	KindGroup     Kind = "group"
	KindUngroup   Kind = "ungroup"
)

// FieldPatch holds the values one object had before an update
type FieldPatch struct {
	ID     string       `json:"id"`
	Before models.Patch `json:"before"`
}

// Entry is one invertible user operation. Which fields are meaningful
// depends on Kind:
//
//	add, duplicate   IDs
//	delete           Snapshots
//	update, move     Patches
//	group            GroupID, ChildIDs, PriorParents
//	ungroup          GroupID, ChildIDs, GroupSnapshot
type Entry struct {
	Kind          Kind               `json:"kind"`
	IDs           []string           `json:"ids,omitempty"`
	Snapshots     []*models.Object   `json:"snapshots,omitempty"`
	Patches       []FieldPatch       `json:"patches,omitempty"`
	GroupID       string             `json:"group_id,omitempty"`
	ChildIDs      []string           `json:"child_ids,omitempty"`
	PriorParents  map[string]*string `json:"prior_parents,omitempty"`
	GroupSnapshot *models.Object     `json:"group_snapshot,omitempty"`
}

// Add records the creation of ids
func Add(ids ...string) Entry {
	return Entry{Kind: KindAdd, IDs: ids}
}

// Delete records the removal of objects, given their state before removal
func Delete(snapshots ...*models.Object) Entry {
	return Entry{Kind: KindDelete, Snapshots: cloneAll(snapshots)}
}

// Update records field edits
func Update(patches ...FieldPatch) Entry {
	return Entry{Kind: KindUpdate, Patches: patches}
}

// Move records geometry edits; it inverts exactly like Update
func Move(patches ...FieldPatch) Entry {
	return Entry{Kind: KindMove, Patches: patches}
}

// Duplicate records the ids of freshly duplicated roots
func Duplicate(ids ...string) Entry {
	return Entry{Kind: KindDuplicate, IDs: ids}
}

// Group records wrapping children into a new group. prior maps each child to
// the parent it had before; nil means the child was a root.
func Group(groupID string, childIDs []string, prior map[string]*string) Entry {
	return Entry{Kind: KindGroup, GroupID: groupID, ChildIDs: childIDs, PriorParents: prior}
}

// Ungroup records dissolving a group, given the group's state before removal
func Ungroup(group *models.Object, childIDs []string) Entry {
	return Entry{Kind: KindUngroup, GroupID: group.ID, ChildIDs: childIDs, GroupSnapshot: group.Clone()}
}

func cloneAll(objs []*models.Object) []*models.Object {
	out := make([]*models.Object, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.Clone())
	}
	return out
}
