package hub

import "time"

// EventType enumerates the room events flowing through the hub and the
// persistence queue.
type EventType string

const (
	// EventTypeMessage represents a chat message authored by a viewer.
	EventTypeMessage EventType = "message"
	// EventTypePresence represents a viewer joining or leaving a room.
	EventTypePresence EventType = "presence"
	// EventTypeSystem represents a server-originated room notification.
	EventTypeSystem EventType = "system"
)

// PresenceAction distinguishes the two presence transitions.
type PresenceAction string

const (
	PresenceActionJoined PresenceAction = "joined"
	PresenceActionLeft   PresenceAction = "left"
)

// Event is the wire representation forwarded to the persistence queue.
type Event struct {
	Type       EventType      `json:"type"`
	Message    *MessageEvent  `json:"message,omitempty"`
	Presence   *PresenceEvent `json:"presence,omitempty"`
	System     *SystemEvent   `json:"system,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// MessageEvent transports all information required to persist a chat message.
type MessageEvent struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PresenceEvent records a viewer entering or leaving a room together with the
// resulting room size.
type PresenceEvent struct {
	RoomID      string         `json:"roomId"`
	ViewerID    string         `json:"viewerId"`
	ViewerName  string         `json:"viewerName"`
	Action      PresenceAction `json:"action"`
	ViewerCount int            `json:"viewerCount"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// SystemEvent is a notification injected into a room from the server side.
type SystemEvent struct {
	RoomID      string    `json:"roomId"`
	Text        string    `json:"text"`
	ViewerCount int       `json:"viewerCount"`
	OccurredAt  time.Time `json:"occurredAt"`
}
