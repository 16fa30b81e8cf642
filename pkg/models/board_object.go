package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/developer-mesh/boardsync/pkg/collaboration/hlc"
)

// ObjectType discriminates board objects
type ObjectType string

const (
	ObjectTypeNote      ObjectType = "note"
	ObjectTypeShape     ObjectType = "shape"
	ObjectTypeText      ObjectType = "text"
	ObjectTypeConnector ObjectType = "connector"
	ObjectTypeFrame     ObjectType = "frame"
	ObjectTypeGroup     ObjectType = "group"
	ObjectTypeFile      ObjectType = "file"
	ObjectTypeAgent     ObjectType = "agent"
)

// Mergeable field names. FieldDeleted is the tombstone marker and merges
// like any other field.
const (
	FieldType        = "type"
	FieldX           = "x"
	FieldY           = "y"
	FieldWidth       = "width"
	FieldHeight      = "height"
	FieldRotation    = "rotation"
	FieldX2          = "x2"
	FieldY2          = "y2"
	FieldColor       = "color"
	FieldText        = "text"
	FieldFontSize    = "font_size"
	FieldFontFamily  = "font_family"
	FieldStrokeColor = "stroke_color"
	FieldStrokeWidth = "stroke_width"
	FieldParentID    = "parent_id"
	FieldZIndex      = "z_index"
	FieldLockedBy    = "locked_by"
	FieldProps       = "props"
	FieldCreatedBy   = "created_by"
	FieldCreatedAt   = "created_at"
	FieldDeleted     = "_deleted"
)

// Object is a board object. Objects form a forest through ParentID; a deleted
// object stays in place as a tombstone until the store garbage-collects it.
type Object struct {
	ID      string     `json:"id"`
	BoardID string     `json:"board_id"`
	Type    ObjectType `json:"type"`

	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Width    float64  `json:"width"`
	Height   float64  `json:"height"`
	Rotation float64  `json:"rotation,omitempty"`
	X2       *float64 `json:"x2,omitempty"`
	Y2       *float64 `json:"y2,omitempty"`

	Color       string  `json:"color,omitempty"`
	Text        string  `json:"text,omitempty"`
	FontSize    float64 `json:"font_size,omitempty"`
	FontFamily  string  `json:"font_family,omitempty"`
	StrokeColor string  `json:"stroke_color,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`

	ParentID *string                `json:"parent_id"`
	ZIndex   int                    `json:"z_index"`
	LockedBy *string                `json:"locked_by,omitempty"`
	Props    map[string]interface{} `json:"props,omitempty"`
	Deleted  bool                   `json:"_deleted,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Clocks FieldClocks `json:"field_clocks,omitempty"`
}

type fieldAccessor struct {
	get func(o *Object) interface{}
	set func(o *Object, v interface{}) error
}

var fieldTable = map[string]fieldAccessor{
	FieldType:        accessor(func(o *Object) *ObjectType { return &o.Type }),
	FieldX:           accessor(func(o *Object) *float64 { return &o.X }),
	FieldY:           accessor(func(o *Object) *float64 { return &o.Y }),
	FieldWidth:       accessor(func(o *Object) *float64 { return &o.Width }),
	FieldHeight:      accessor(func(o *Object) *float64 { return &o.Height }),
	FieldRotation:    accessor(func(o *Object) *float64 { return &o.Rotation }),
	FieldX2:          accessor(func(o *Object) **float64 { return &o.X2 }),
	FieldY2:          accessor(func(o *Object) **float64 { return &o.Y2 }),
	FieldColor:       accessor(func(o *Object) *string { return &o.Color }),
	FieldText:        accessor(func(o *Object) *string { return &o.Text }),
	FieldFontSize:    accessor(func(o *Object) *float64 { return &o.FontSize }),
	FieldFontFamily:  accessor(func(o *Object) *string { return &o.FontFamily }),
	FieldStrokeColor: accessor(func(o *Object) *string { return &o.StrokeColor }),
	FieldStrokeWidth: accessor(func(o *Object) *float64 { return &o.StrokeWidth }),
	FieldParentID:    accessor(func(o *Object) **string { return &o.ParentID }),
	FieldZIndex:      accessor(func(o *Object) *int { return &o.ZIndex }),
	FieldLockedBy:    accessor(func(o *Object) **string { return &o.LockedBy }),
	FieldProps:       accessor(func(o *Object) *map[string]interface{} { return &o.Props }),
	FieldCreatedBy:   accessor(func(o *Object) *string { return &o.CreatedBy }),
	FieldCreatedAt:   accessor(func(o *Object) *time.Time { return &o.CreatedAt }),
	FieldDeleted:     accessor(func(o *Object) *bool { return &o.Deleted }),
}

// accessor builds a field accessor that reads and writes through the JSON
// representation of the field, so wire values (float64, string, nil, maps)
// and Go values are handled alike and no storage is shared with the input.
func accessor[T any](ref func(o *Object) *T) fieldAccessor {
	return fieldAccessor{
		get: func(o *Object) interface{} {
			return normalize(*ref(o))
		},
		set: func(o *Object, v interface{}) error {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			var decoded T
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return err
			}
			*ref(o) = decoded
			return nil
		},
	}
}

func normalize(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// IsMergeableField reports whether name is a field that patches may carry
func IsMergeableField(name string) bool {
	_, ok := fieldTable[name]
	return ok
}

// MergeableFields lists every field name in sorted order
func MergeableFields() []string {
	names := make([]string, 0, len(fieldTable))
	for name := range fieldTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetField returns the JSON-normalized value of a field: numbers are
// float64, absent pointers are nil, props is a map[string]interface{}.
func (o *Object) GetField(name string) (interface{}, bool) {
	acc, ok := fieldTable[name]
	if !ok {
		return nil, false
	}
	return acc.get(o), true
}

// SetField decodes value into the named field. On error the field is unchanged.
func (o *Object) SetField(name string, value interface{}) error {
	acc, ok := fieldTable[name]
	if !ok {
		return fmt.Errorf("unknown field %q", name)
	}
	if err := acc.set(o, value); err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}
	return nil
}

// Apply sets every field in patch, stopping at the first invalid field
func (o *Object) Apply(patch Patch) error {
	for _, name := range patch.Keys() {
		if err := o.SetField(name, patch[name]); err != nil {
			return err
		}
	}
	return nil
}

// Values returns the current values of the named fields. Unknown names are skipped.
func (o *Object) Values(names []string) Patch {
	out := make(Patch, len(names))
	for _, name := range names {
		if v, ok := o.GetField(name); ok {
			out[name] = v
		}
	}
	return out
}

// Fields returns every mergeable field as a patch, the payload of a create
func (o *Object) Fields() Patch {
	return o.Values(MergeableFields())
}

// IsLive reports whether the object is not tombstoned
func (o *Object) IsLive() bool {
	return o != nil && !o.Deleted
}

// Parent returns the parent id, or "" for a root object
func (o *Object) Parent() string {
	if o.ParentID == nil {
		return ""
	}
	return *o.ParentID
}

// LockedByOther reports whether a participant other than clientID holds the lock
func (o *Object) LockedByOther(clientID string) bool {
	return o.LockedBy != nil && *o.LockedBy != "" && *o.LockedBy != clientID
}

// Clone returns a deep copy of the object
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	cp := *o
	if o.X2 != nil {
		v := *o.X2
		cp.X2 = &v
	}
	if o.Y2 != nil {
		v := *o.Y2
		cp.Y2 = &v
	}
	if o.ParentID != nil {
		v := *o.ParentID
		cp.ParentID = &v
	}
	if o.LockedBy != nil {
		v := *o.LockedBy
		cp.LockedBy = &v
	}
	if o.Props != nil {
		if props, ok := normalize(o.Props).(map[string]interface{}); ok {
			cp.Props = props
		}
	}
	cp.Clocks = o.Clocks.Clone()
	return &cp
}

// StringPtr returns a pointer to s, for optional string fields
func StringPtr(s string) *string {
	return &s
}

// Float64Ptr returns a pointer to f, for optional numeric fields
func Float64Ptr(f float64) *float64 {
	return &f
}

// Patch maps field names to new values
type Patch map[string]interface{}

// Keys returns the patch field names in sorted order
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy of the patch
func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	cp := make(Patch, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// Merge returns a copy of p overlaid with later, whose values win
func (p Patch) Merge(later Patch) Patch {
	out := p.Clone()
	if out == nil {
		out = make(Patch, len(later))
	}
	for k, v := range later {
		out[k] = v
	}
	return out
}

// FieldClocks maps a field name to the clock that last wrote it
type FieldClocks map[string]hlc.Timestamp

// Clone returns a copy of the clock map
func (f FieldClocks) Clone() FieldClocks {
	if f == nil {
		return nil
	}
	cp := make(FieldClocks, len(f))
	for k, v := range f {
		cp[k] = v
	}
	return cp
}

// Merge returns the union of f and later; for fields present in both the
// later map's clock is kept.
func (f FieldClocks) Merge(later FieldClocks) FieldClocks {
	out := f.Clone()
	if out == nil {
		out = make(FieldClocks, len(later))
	}
	for k, v := range later {
		out[k] = v
	}
	return out
}

// Max returns the latest clock in the map
func (f FieldClocks) Max() hlc.Timestamp {
	var latest hlc.Timestamp
	for _, ts := range f {
		latest = hlc.Max(latest, ts)
	}
	return latest
}

// Stamp returns a clock map assigning ts to every field of patch
func Stamp(patch Patch, ts hlc.Timestamp) FieldClocks {
	clocks := make(FieldClocks, len(patch))
	for k := range patch {
		clocks[k] = ts
	}
	return clocks
}
