// Package crdt resolves concurrent edits to board objects. Every field of an
// object is an independent last-writer-wins register ordered by its hybrid
// logical clock; the tombstone marker is one of those fields.
package crdt

import (
	"fmt"
	"time"

	"github.com/developer-mesh/boardsync/pkg/collaboration/hlc"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
)

// SkipReason explains why an incoming field was not applied
type SkipReason string

const (
	SkipStale   SkipReason = "stale"
	SkipUnknown SkipReason = "unknown_field"
	SkipInvalid SkipReason = "invalid_value"
)

// Result reports the outcome of a merge
type Result struct {
	Created bool
	Applied []string
	Skipped map[string]SkipReason
}

// Changed reports whether the merge altered local state
func (r Result) Changed() bool {
	return r.Created || len(r.Applied) > 0
}

// Wins reports whether an incoming clock beats the local one. A field with no
// local clock accepts anything; identical clocks are a replay and lose.
func Wins(incoming hlc.Timestamp, local hlc.Timestamp, hasLocal bool) bool {
	if !hasLocal {
		return true
	}
	return incoming.After(local)
}

// Merge applies change to local and returns the merged object. local may be
// nil, in which case the change creates the object whatever its action. The
// input object is never mutated.
func Merge(local *models.Object, change models.Change) (*models.Object, Result, error) {
	result := Result{Skipped: map[string]SkipReason{}}
	if err := change.Validate(); err != nil {
		return local, result, errors.Wrap(err, errors.ErrMalformed)
	}
	if local != nil && local.ID != change.ID {
		return local, result, errors.Wrap(
			fmt.Errorf("change for %s merged into %s", change.ID, local.ID), errors.ErrMalformed)
	}

	var merged *models.Object
	if local == nil {
		merged = &models.Object{ID: change.ID}
		result.Created = true
	} else {
		merged = local.Clone()
	}
	if merged.Clocks == nil {
		merged.Clocks = make(models.FieldClocks, len(change.Fields))
	}

	for _, name := range change.Fields.Keys() {
		if !models.IsMergeableField(name) {
			result.Skipped[name] = SkipUnknown
			continue
		}
		incoming, hasIncoming := change.Clocks[name]
		current, hasLocal := merged.Clocks[name]
		if !Wins(incoming, current, hasLocal) {
			result.Skipped[name] = SkipStale
			continue
		}
		if err := merged.SetField(name, change.Fields[name]); err != nil {
			result.Skipped[name] = SkipInvalid
			continue
		}
		if hasIncoming {
			merged.Clocks[name] = incoming
		}
		result.Applied = append(result.Applied, name)
	}

	if latest := merged.Clocks.Max(); latest.Wall > 0 {
		updated := time.UnixMilli(latest.Wall).UTC()
		if updated.After(merged.UpdatedAt) {
			merged.UpdatedAt = updated
		}
	}
	return merged, result, nil
}

// MergeObject folds a full remote snapshot (for example the authoritative copy
// fetched on reconnect) into local using the same per-field rule.
func MergeObject(local, remote *models.Object) (*models.Object, Result, error) {
	if remote == nil {
		return local, Result{}, errors.Wrap(fmt.Errorf("nil snapshot"), errors.ErrMalformed)
	}
	merged, result, err := Merge(local, models.Change{
		Action: models.ActionCreate,
		ID:     remote.ID,
		Fields: remote.Fields(),
		Clocks: remote.Clocks,
	})
	if err != nil {
		return merged, result, err
	}
	if merged.BoardID == "" {
		merged.BoardID = remote.BoardID
	}
	if merged.UpdatedAt.Before(remote.UpdatedAt) {
		merged.UpdatedAt = remote.UpdatedAt
	}
	return merged, result, nil
}
