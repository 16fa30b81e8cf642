package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developer-mesh/boardsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
)

// MemoryStore keeps boards in process memory. It merges writes with the same
// rule as SQLStore and is used by tests and by relays running without a
// database.
type MemoryStore struct {
	mu     sync.RWMutex
	boards map[string]map[string]*models.Object
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: make(map[string]map[string]*models.Object)}
}

// LoadAll returns copies of every object of the board ordered by id
func (m *MemoryStore) LoadAll(ctx context.Context, boardID string) ([]*models.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	board := m.boards[boardID]
	out := make([]*models.Object, 0, len(board))
	for _, obj := range board {
		out = append(out, obj.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Write merges patch into the stored object field by field
func (m *MemoryStore) Write(ctx context.Context, boardID, objectID string, patch models.Patch, clocks models.FieldClocks) error {
	if boardID == "" || objectID == "" {
		return errors.ErrInvalid.WithOperation("persistence.write")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	board, ok := m.boards[boardID]
	if !ok {
		board = make(map[string]*models.Object)
		m.boards[boardID] = board
	}
	current := board[objectID]
	action := models.ActionUpdate
	if current == nil {
		action = models.ActionCreate
	}
	merged, result, err := crdt.Merge(current, models.Change{
		Action: action,
		ID:     objectID,
		Fields: patch,
		Clocks: clocks,
	})
	if err != nil {
		return err
	}
	if len(result.Applied) == 0 {
		return nil
	}
	merged.BoardID = boardID
	board[objectID] = merged
	return nil
}

// PurgeTombstones drops tombstones last written before olderThan
func (m *MemoryStore) PurgeTombstones(ctx context.Context, boardID string, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	cutoff := olderThan.UnixMilli()
	for id, obj := range m.boards[boardID] {
		if obj.Deleted && obj.Clocks.Max().Wall < cutoff {
			delete(m.boards[boardID], id)
			purged++
		}
	}
	return purged, nil
}
