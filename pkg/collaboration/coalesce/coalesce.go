// Package coalesce reduces the changes produced within one flush tick to the
// smallest equivalent sequence before they are broadcast.
package coalesce

import (
	"sync"

	"github.com/developer-mesh/boardsync/pkg/models"
)

// Coalesce folds changes to the same object together. Each object keeps the
// position of its first surviving change; unrelated changes keep their
// relative order. A create followed by a delete of the same object removes
// both, and a later change to that id starts over at the end of the sequence.
func Coalesce(changes []models.Change) []models.Change {
	slots := make([]*models.Change, 0, len(changes))
	index := make(map[string]int, len(changes))

	for _, change := range changes {
		next := change.Clone()
		pos, seen := index[next.ID]
		if !seen {
			index[next.ID] = len(slots)
			slots = append(slots, &next)
			continue
		}
		combined, keep := combine(*slots[pos], next)
		if !keep {
			slots[pos] = nil
			delete(index, next.ID)
			continue
		}
		slots[pos] = &combined
	}

	out := make([]models.Change, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			out = append(out, *slot)
		}
	}
	return out
}

// combine merges next into prev. keep is false when the pair cancels out.
func combine(prev, next models.Change) (models.Change, bool) {
	merged := models.Change{
		ID:        prev.ID,
		Fields:    prev.Fields.Merge(next.Fields),
		Clocks:    prev.Clocks.Merge(next.Clocks),
		Timestamp: prev.Timestamp,
	}
	if next.Timestamp > merged.Timestamp {
		merged.Timestamp = next.Timestamp
	}

	switch prev.Action {
	case models.ActionCreate:
		if next.Action == models.ActionDelete {
			return models.Change{}, false
		}
		merged.Action = models.ActionCreate
	case models.ActionUpdate:
		switch next.Action {
		case models.ActionDelete:
			return next, true
		case models.ActionCreate:
			merged.Action = models.ActionCreate
		default:
			merged.Action = models.ActionUpdate
		}
	default:
		merged.Action = next.Action
	}
	return merged, true
}

// Queue collects local changes between flushes
type Queue struct {
	mu      sync.Mutex
	pending []models.Change
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends changes to the pending tick
func (q *Queue) Enqueue(changes ...models.Change) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range changes {
		q.pending = append(q.pending, c.Clone())
	}
}

// Len returns the number of changes waiting for the next flush
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush drains the queue and returns the coalesced changes together with the
// number of queued changes that were folded away.
func (q *Queue) Flush() ([]models.Change, int) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil, 0
	}
	out := Coalesce(pending)
	return out, len(pending) - len(out)
}
