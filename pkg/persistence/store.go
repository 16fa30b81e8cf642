// Package persistence is the durable store behind the in-memory board graph.
//
// Every implementation follows the same field-level last-writer-wins rule as
// the in-memory merge, so rows written concurrently by several clients end in
// the state every client converges to.
package persistence

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/developer-mesh/boardsync/pkg/models"
)

// Store persists board objects
type Store interface {
	// LoadAll returns every object of the board, tombstones included
	LoadAll(ctx context.Context, boardID string) ([]*models.Object, error)

	// Write merges patch into the stored object, creating it if needed.
	// Fields whose stored clock is newer are left alone.
	Write(ctx context.Context, boardID, objectID string, patch models.Patch, clocks models.FieldClocks) error
}

// Purger removes tombstones the store no longer needs to merge against
type Purger interface {
	PurgeTombstones(ctx context.Context, boardID string, olderThan time.Time) (int64, error)
}

// ErrRejected marks a write the store refused outright. Retrying it cannot
// succeed.
var ErrRejected = stderrors.New("write rejected")

// WriteRequest is one durable write
type WriteRequest struct {
	BoardID  string             `json:"board_id"`
	ObjectID string             `json:"object_id"`
	Patch    models.Patch       `json:"fields"`
	Clocks   models.FieldClocks `json:"clocks"`
}
