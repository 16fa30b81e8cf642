package session

import (
	"github.com/developer-mesh/boardsync/pkg/collaboration/undo"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
)

// Undo reverts the local client's most recent operation. Objects changed or
// removed by others in the meantime are skipped.
func (s *Session) Undo() undo.Result {
	return s.step(s.history.Undo)
}

// Redo re-applies the most recently undone operation
func (s *Session) Redo() undo.Result {
	return s.step(s.history.Redo)
}

// step executes one history step. The history calls back into the target
// for every write, each under the session lock; the writes are submitted
// once the whole step is done.
func (s *Session) step(run func(undo.Target) undo.Result) undo.Result {
	t := &target{s: s}
	result := run(t)

	s.mu.Lock()
	writes := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	s.submit(writes)
	return result
}

// target applies history entries through the same clocked, broadcast and
// persisted path as any other local edit, without recording new entries
type target struct {
	s *Session
}

var _ undo.Target = (*target)(nil)

func (t *target) Live(id string) (*models.Object, bool) {
	return t.s.graph.Live(id)
}

// Insert restores a snapshot, resurrecting its tombstone when there is one
func (t *target) Insert(obj *models.Object) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.graph.Get(obj.ID)
	if exists && existing.LockedByOther(s.config.ClientID) {
		return errors.ErrLocked.WithOperation("session.restore").WithMetadata("id", obj.ID)
	}
	if err := s.checkParent(obj.ID, obj.Parent()); err != nil {
		return err
	}

	restored := obj.Clone()
	restored.Deleted = false
	restored.LockedBy = nil
	action := models.ActionCreate
	if exists {
		action = models.ActionUpdate
	}
	_, err := s.mutate(action, obj.ID, restored.Fields(), true)
	return err
}

func (t *target) Delete(id string) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.editable(id); err != nil {
		return err
	}
	_, err := s.mutate(models.ActionDelete, id, models.Patch{models.FieldDeleted: true}, true)
	return err
}

func (t *target) Update(id string, patch models.Patch) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.editable(id)
	if err != nil {
		return err
	}
	if err := s.checkPatch(obj, patch); err != nil {
		return err
	}
	_, err = s.mutate(models.ActionUpdate, id, patch, true)
	return err
}

func (t *target) Descendants(ids ...string) []string {
	return t.s.graph.Descendants(ids...)
}
