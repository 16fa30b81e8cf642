package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/developer-mesh/boardsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/boardsync/pkg/collaboration/undo"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/developer-mesh/boardsync/pkg/persistence"
)

func newID() string {
	return uuid.NewString()
}

// edit runs fn under the session lock, then submits the durable writes fn
// produced. Submitting outside the lock lets a synchronous failure roll back.
func (s *Session) edit(fn func() error) error {
	s.mu.Lock()
	err := fn()
	writes := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	s.submit(writes)
	return err
}

// mutate stamps patch with a fresh clock, applies it to the graph, queues it
// for broadcast and, when persist is set, records a durable write with the
// values it replaced. Callers hold s.mu and have validated the patch.
func (s *Session) mutate(action models.ChangeAction, id string, patch models.Patch, persist bool) (*models.Object, error) {
	current, exists := s.graph.Get(id)
	var before models.Patch
	if exists {
		before = current.Values(patch.Keys())
	} else {
		before = models.Patch{models.FieldDeleted: true}
		current = nil
	}

	ts := s.clock.Now()
	change := models.Change{
		Action:    action,
		ID:        id,
		Fields:    patch.Clone(),
		Clocks:    models.Stamp(patch, ts),
		Timestamp: ts.Wall,
	}
	merged, _, err := crdt.Merge(current, change)
	if err != nil {
		return nil, err
	}
	if merged.BoardID == "" {
		merged.BoardID = s.config.BoardID
	}
	s.graph.Put(merged)
	s.queue.Enqueue(change)

	if persist && s.writer != nil {
		s.outbox = append(s.outbox, pendingWrite{
			req: persistence.WriteRequest{
				BoardID:  s.config.BoardID,
				ObjectID: id,
				Patch:    change.Fields,
				Clocks:   change.Clocks,
			},
			before: before,
		})
	}
	return merged, nil
}

// editable returns the live object id if the local client may change it
func (s *Session) editable(id string) (*models.Object, error) {
	obj, ok := s.graph.Live(id)
	if !ok {
		return nil, errors.ErrNotFound.WithOperation("session.edit").WithMetadata("id", id)
	}
	if obj.LockedByOther(s.config.ClientID) {
		return nil, errors.ErrLocked.WithOperation("session.edit").WithMetadata("id", id)
	}
	return obj, nil
}

// checkPatch rejects patches that name unknown fields, carry undecodable
// values, or would put obj under a missing parent or inside its own subtree
func (s *Session) checkPatch(obj *models.Object, patch models.Patch) error {
	if len(patch) == 0 {
		return errors.ErrInvalid.WithOperation("session.edit").WithMetadata("reason", "empty patch")
	}
	probe := obj.Clone()
	for _, name := range patch.Keys() {
		if name == models.FieldDeleted || name == models.FieldLockedBy {
			return errors.ErrInvalid.WithOperation("session.edit").WithMetadata("field", name)
		}
		if err := probe.SetField(name, patch[name]); err != nil {
			return errors.Wrap(err, errors.ErrInvalid).WithOperation("session.edit").WithMetadata("field", name)
		}
	}
	if _, ok := patch[models.FieldParentID]; ok {
		return s.checkParent(obj.ID, probe.Parent())
	}
	return nil
}

func (s *Session) checkParent(id, parent string) error {
	if parent == "" {
		return nil
	}
	if _, ok := s.graph.Live(parent); !ok {
		return errors.ErrNotFound.WithOperation("session.parent").WithMetadata("id", parent)
	}
	if s.graph.WouldCycle(id, parent) {
		return errors.ErrCycle.WithOperation("session.parent").WithMetadata("id", id)
	}
	return nil
}

// Create adds obj to the board and returns the stored copy. An empty id is
// filled in.
func (s *Session) Create(obj *models.Object) (*models.Object, error) {
	if obj == nil || obj.Type == "" {
		return nil, errors.ErrInvalid.WithOperation("session.create").WithMetadata("reason", "object type is required")
	}
	var created *models.Object
	err := s.edit(func() error {
		var err error
		created, err = s.create(obj.Clone())
		if err != nil {
			return err
		}
		s.history.Push(undo.Add(created.ID))
		return nil
	})
	return created, err
}

func (s *Session) create(obj *models.Object) (*models.Object, error) {
	if obj.ID == "" {
		obj.ID = newID()
	}
	if _, exists := s.graph.Get(obj.ID); exists {
		return nil, errors.ErrInvalid.WithOperation("session.create").WithMetadata("id", obj.ID)
	}
	if err := s.checkParent(obj.ID, obj.Parent()); err != nil {
		return nil, err
	}
	obj.BoardID = s.config.BoardID
	obj.Deleted = false
	if obj.CreatedBy == "" {
		obj.CreatedBy = s.config.ClientID
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = s.now().UTC()
	}
	return s.mutate(models.ActionCreate, obj.ID, obj.Fields(), true)
}

// Update changes fields of one object
func (s *Session) Update(id string, patch models.Patch) error {
	return s.edit(func() error {
		obj, err := s.editable(id)
		if err != nil {
			return err
		}
		if err := s.checkPatch(obj, patch); err != nil {
			return err
		}
		before := obj.Values(patch.Keys())
		if _, err := s.mutate(models.ActionUpdate, id, patch, true); err != nil {
			return err
		}
		s.history.Push(undo.Update(undo.FieldPatch{ID: id, Before: before}))
		return nil
	})
}

// Placement is a new position for one object
type Placement struct {
	ID string
	X  float64
	Y  float64
}

// Move repositions several objects as one undoable step. Nothing moves if
// any object is missing or locked.
func (s *Session) Move(placements ...Placement) error {
	if len(placements) == 0 {
		return nil
	}
	return s.edit(func() error {
		objs := make([]*models.Object, len(placements))
		for i, p := range placements {
			obj, err := s.editable(p.ID)
			if err != nil {
				return err
			}
			objs[i] = obj
		}

		entry := undo.Move()
		for i, p := range placements {
			patch := models.Patch{models.FieldX: p.X, models.FieldY: p.Y}
			entry.Patches = append(entry.Patches, undo.FieldPatch{ID: p.ID, Before: objs[i].Values(patch.Keys())})
			if _, err := s.mutate(models.ActionUpdate, p.ID, patch, true); err != nil {
				return err
			}
		}
		s.history.Push(entry)
		return nil
	})
}

// Delete tombstones objects together with everything below them
func (s *Session) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.edit(func() error {
		targets := make([]string, 0, len(ids))
		seen := make(map[string]bool)
		for _, id := range append(append([]string(nil), ids...), s.graph.Descendants(ids...)...) {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := s.editable(id); err != nil {
				return err
			}
			targets = append(targets, id)
		}

		snapshots := make([]*models.Object, 0, len(targets))
		for _, id := range targets {
			obj, _ := s.graph.Live(id)
			snapshots = append(snapshots, obj)
			if _, err := s.mutate(models.ActionDelete, id, models.Patch{models.FieldDeleted: true}, true); err != nil {
				return err
			}
		}
		s.history.Push(undo.Delete(snapshots...))
		return nil
	})
}

// DuplicateOffset is how far copies are shifted from their originals
const DuplicateOffset = 20.0

// Duplicate copies objects and their subtrees, offset from the originals. It
// returns the ids of the copied roots.
func (s *Session) Duplicate(ids ...string) ([]string, error) {
	var roots []string
	err := s.edit(func() error {
		for _, id := range ids {
			if _, ok := s.graph.Live(id); !ok {
				return errors.ErrNotFound.WithOperation("session.duplicate").WithMetadata("id", id)
			}
		}

		for _, id := range ids {
			source := append([]string{id}, s.graph.Descendants(id)...)
			remap := make(map[string]string, len(source))
			for _, src := range source {
				remap[src] = newID()
			}
			for _, src := range source {
				orig, _ := s.graph.Live(src)
				cp := orig.Clone()
				cp.ID = remap[src]
				cp.X += DuplicateOffset
				cp.Y += DuplicateOffset
				cp.LockedBy = nil
				cp.Clocks = nil
				cp.CreatedBy = ""
				cp.CreatedAt = s.now().UTC()
				if parent, ok := remap[orig.Parent()]; ok {
					cp.ParentID = models.StringPtr(parent)
				}
				if _, err := s.create(cp); err != nil {
					return fmt.Errorf("duplicate %s: %w", src, err)
				}
			}
			roots = append(roots, remap[id])
		}
		s.history.Push(undo.Duplicate(roots...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roots, nil
}

// Group wraps objects in a new group sized to their bounding box. The group
// takes the shared parent of the children, if they have one.
func (s *Session) Group(childIDs ...string) (string, error) {
	if len(childIDs) == 0 {
		return "", errors.ErrInvalid.WithOperation("session.group").WithMetadata("reason", "nothing to group")
	}
	var groupID string
	err := s.edit(func() error {
		children := make([]*models.Object, len(childIDs))
		for i, id := range childIDs {
			obj, err := s.editable(id)
			if err != nil {
				return err
			}
			children[i] = obj
		}

		group := &models.Object{Type: models.ObjectTypeGroup}
		group.X, group.Y, group.Width, group.Height = bounds(children)
		if parent := children[0].ParentID; parent != nil {
			shared := true
			for _, c := range children[1:] {
				if c.Parent() != *parent {
					shared = false
					break
				}
			}
			if shared {
				group.ParentID = models.StringPtr(*parent)
			}
		}
		for _, c := range children {
			if c.ZIndex > group.ZIndex {
				group.ZIndex = c.ZIndex
			}
		}

		created, err := s.create(group)
		if err != nil {
			return err
		}
		prior := make(map[string]*string, len(children))
		for _, c := range children {
			prior[c.ID] = c.ParentID
			if _, err := s.mutate(models.ActionUpdate, c.ID, models.Patch{models.FieldParentID: created.ID}, true); err != nil {
				return err
			}
		}
		groupID = created.ID
		s.history.Push(undo.Group(created.ID, childIDs, prior))
		return nil
	})
	return groupID, err
}

// Ungroup moves a group's children up to the group's parent and removes the
// group
func (s *Session) Ungroup(groupID string) error {
	return s.edit(func() error {
		group, err := s.editable(groupID)
		if err != nil {
			return err
		}
		if group.Type != models.ObjectTypeGroup {
			return errors.ErrInvalid.WithOperation("session.ungroup").WithMetadata("id", groupID)
		}
		children := s.graph.Children(groupID)
		for _, id := range children {
			if _, err := s.editable(id); err != nil {
				return err
			}
		}

		var parent interface{}
		if group.ParentID != nil {
			parent = *group.ParentID
		}
		for _, id := range children {
			if _, err := s.mutate(models.ActionUpdate, id, models.Patch{models.FieldParentID: parent}, true); err != nil {
				return err
			}
		}
		if _, err := s.mutate(models.ActionDelete, groupID, models.Patch{models.FieldDeleted: true}, true); err != nil {
			return err
		}
		s.history.Push(undo.Ungroup(group, children))
		return nil
	})
}

// Lock claims an object for the local client. Locks are advisory and merge
// like any other field.
func (s *Session) Lock(id string) error {
	return s.edit(func() error {
		obj, err := s.editable(id)
		if err != nil {
			return err
		}
		if obj.LockedBy != nil && *obj.LockedBy == s.config.ClientID {
			return nil
		}
		_, err = s.mutate(models.ActionUpdate, id, models.Patch{models.FieldLockedBy: s.config.ClientID}, true)
		return err
	})
}

// Unlock releases the local client's lock
func (s *Session) Unlock(id string) error {
	return s.edit(func() error {
		obj, err := s.editable(id)
		if err != nil {
			return err
		}
		if obj.LockedBy == nil {
			return nil
		}
		_, err = s.mutate(models.ActionUpdate, id, models.Patch{models.FieldLockedBy: nil}, true)
		return err
	})
}

func bounds(objs []*models.Object) (x, y, w, h float64) {
	minX, minY := objs[0].X, objs[0].Y
	maxX, maxY := objs[0].X+objs[0].Width, objs[0].Y+objs[0].Height
	for _, o := range objs[1:] {
		if o.X < minX {
			minX = o.X
		}
		if o.Y < minY {
			minY = o.Y
		}
		if o.X+o.Width > maxX {
			maxX = o.X + o.Width
		}
		if o.Y+o.Height > maxY {
			maxY = o.Y + o.Height
		}
	}
	return minX, minY, maxX - minX, maxY - minY
}

// submit hands collected writes to the persister. A write the persister
// refuses to queue is rolled back at once.
func (s *Session) submit(writes []pendingWrite) {
	if s.writer == nil {
		return
	}
	ctx := s.baseContext()
	for _, w := range writes {
		before := w.before
		err := s.writer.Submit(ctx, w.req, func(req persistence.WriteRequest, err error) {
			if err != nil {
				s.rollback(req, before, err)
			}
		})
		if err != nil {
			s.rollback(w.req, before, err)
		}
	}
}

// rollback reverts the fields of a failed write that nobody has overwritten
// since. The revert is a fresh local change, broadcast so peers that saw the
// optimistic value converge too, but not persisted: the store never took the
// failed value.
func (s *Session) rollback(req persistence.WriteRequest, before models.Patch, cause error) {
	s.mu.Lock()
	revert := models.Patch{}
	if obj, ok := s.graph.Get(req.ObjectID); ok {
		for name, stamped := range req.Clocks {
			current, has := obj.Clocks[name]
			value, known := before[name]
			if has && known && current == stamped {
				revert[name] = value
			}
		}
	}
	var err error
	if len(revert) > 0 {
		_, err = s.mutate(models.ActionUpdate, req.ObjectID, revert, false)
	}
	s.mu.Unlock()

	s.metrics.IncrementCounterWithLabels("persistence_rollbacks_total", 1, nil)
	fields := map[string]interface{}{
		"object_id": req.ObjectID,
		"reverted":  revert.Keys(),
		"error":     cause.Error(),
	}
	if err != nil {
		fields["rollback_error"] = err.Error()
	}
	s.logger.Warn("Rolled back failed write", fields)

	s.emit(Notification{
		Kind:     NotifyWriteFailed,
		ObjectID: req.ObjectID,
		Message:  "A change could not be saved and was reverted.",
		Err:      cause,
	})
}
