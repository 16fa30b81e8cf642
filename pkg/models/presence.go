package models

// CursorEvent is an ephemeral pointer position broadcast
type CursorEvent struct {
	ClientID string  `json:"client_id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	SentAt   int64   `json:"sent_at"`
}

// SelectionEvent carries the ids a participant currently has selected
type SelectionEvent struct {
	ClientID  string   `json:"client_id"`
	ObjectIDs []string `json:"object_ids"`
}

// PresenceAction describes a presence broadcast
type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

// PresenceEvent announces a participant joining or leaving a board
type PresenceEvent struct {
	ClientID    string         `json:"client_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Color       string         `json:"color,omitempty"`
	Action      PresenceAction `json:"action"`
	At          int64          `json:"at"`
	// Reply marks a join sent in answer to another join; replies are not answered
	Reply bool `json:"reply,omitempty"`
}
