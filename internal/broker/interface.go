package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies what changed. Services only describe the change; how
// it reaches connected clients is the push layer's concern.
type EventKind string

const (
	EventNewMessage         EventKind = "new_message"
	EventMessageEdited      EventKind = "message_edited"
	EventMessageDeleted     EventKind = "message_deleted"
	EventParticipantAdded   EventKind = "participant_added"
	EventParticipantRemoved EventKind = "participant_removed"
	EventAdminChanged       EventKind = "admin_changed"
	EventRoomUpdated        EventKind = "room_updated"
	EventRoomDeleted        EventKind = "room_deleted"
	EventMessageRead        EventKind = "message_read"
	EventRoomRead           EventKind = "room_read"
)

// Event is the abstract event description emitted per state-changing call.
type Event struct {
	ID         string          `json:"id"` // ULID, sortable by emission time
	RoomID     uuid.UUID       `json:"room_id"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// EventBroker fans room events out to the push layer.
type EventBroker interface {
	Publish(roomID uuid.UUID, kind EventKind, payload interface{}) error
	Subscribe() (<-chan Event, error)
	Close() error
}
