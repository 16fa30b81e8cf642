package models

import (
	"fmt"
	"time"
)

// ChangeAction tags a broadcast change
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// Change is an ephemeral broadcast of one object mutation. Creates carry
// every field, updates only the changed fields, deletes the tombstone field.
type Change struct {
	Action    ChangeAction `json:"action"`
	ID        string       `json:"id"`
	Fields    Patch        `json:"fields,omitempty"`
	Clocks    FieldClocks  `json:"clocks,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// Validate checks the shape every receiver relies on
func (c Change) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("change without id")
	}
	switch c.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("change %s: unknown action %q", c.ID, c.Action)
	}
	return nil
}

// Clone returns a copy whose field and clock maps are independent
func (c Change) Clone() Change {
	c.Fields = c.Fields.Clone()
	c.Clocks = c.Clocks.Clone()
	return c
}

// NewCreateChange builds a create carrying every field of obj
func NewCreateChange(obj *Object) Change {
	return Change{
		Action:    ActionCreate,
		ID:        obj.ID,
		Fields:    obj.Fields(),
		Clocks:    obj.Clocks.Clone(),
		Timestamp: obj.Clocks.Max().Wall,
	}
}

// NewUpdateChange builds an update for the given fields
func NewUpdateChange(id string, fields Patch, clocks FieldClocks) Change {
	return Change{
		Action:    ActionUpdate,
		ID:        id,
		Fields:    fields.Clone(),
		Clocks:    clocks.Clone(),
		Timestamp: clocks.Max().Wall,
	}
}

// NewDeleteChange builds a delete; the tombstone travels as the _deleted field
func NewDeleteChange(id string, clocks FieldClocks) Change {
	return Change{
		Action:    ActionDelete,
		ID:        id,
		Fields:    Patch{FieldDeleted: true},
		Clocks:    FieldClocks{FieldDeleted: clocks[FieldDeleted]},
		Timestamp: clocks[FieldDeleted].Wall,
	}
}

// ChangeBatch is the payload of an object-change-batch broadcast
type ChangeBatch struct {
	ID       string    `json:"id"`
	BoardID  string    `json:"board_id"`
	ClientID string    `json:"client_id"`
	Changes  []Change  `json:"changes"`
	SentAt   time.Time `json:"sent_at"`
}
