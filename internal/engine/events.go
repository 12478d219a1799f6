package engine

import (
	"time"
)

// Event types carried on the room websocket, both directions.
const (
	EventJoin    = "join"
	EventMessage = "message"
	EventRead    = "read"
	EventDelete  = "delete"
	EventLeave   = "leave"
)

// hardDeleteMarker flags an outgoing delete as a full removal rather
// than a tombstone. The server echoes the distinction back to the room
// as the HardDelete boolean.
const hardDeleteMarker = "hard"

// Event is the JSON frame exchanged on the room websocket. Outgoing and
// incoming frames share the shape; fields irrelevant to a given type are
// omitted from the encoding.
type Event struct {
	Type        string `json:"type"`
	RoomID      int    `json:"room_id"`
	Text        string `json:"text,omitempty"`
	Image       string `json:"image,omitempty"`
	SenderID    int    `json:"sender_id,omitempty"`
	Username    string `json:"username,omitempty"`
	MessageID   int    `json:"message_id,omitempty"`
	Correlation string `json:"correlation_id,omitempty"`
	HardDelete  bool   `json:"hard_delete,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Hard reports whether a delete event requests full removal, accepting
// both the incoming boolean and the outgoing text marker.
func (e Event) Hard() bool {
	return e.HardDelete || e.Text == hardDeleteMarker
}

// Timestamp parses the event's creation time. Frames without a usable
// created_at are stamped with the local receipt time.
func (e Event) Timestamp(received time.Time) time.Time {
	if e.CreatedAt == "" {
		return received
	}
	ts, err := time.Parse(time.RFC3339, e.CreatedAt)
	if err != nil {
		return received
	}
	return ts
}
