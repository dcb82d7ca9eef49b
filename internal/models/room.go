package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RoomType string

const (
	RoomTypeDirect  RoomType = "direct"
	RoomTypeGroup   RoomType = "group"
	RoomTypeChannel RoomType = "channel"
)

// ValidRoomType reports whether t is one of the three known room types.
func ValidRoomType(t RoomType) bool {
	switch t {
	case RoomTypeDirect, RoomTypeGroup, RoomTypeChannel:
		return true
	}
	return false
}

type Room struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string    `gorm:"type:varchar(100)" json:"name,omitempty"` // empty for direct rooms
	Description string    `gorm:"type:text" json:"description,omitempty"`
	Avatar      string    `gorm:"type:text" json:"avatar,omitempty"`
	Type        RoomType  `gorm:"type:varchar(20);not null;index" json:"type"`
	CreatedBy   uuid.UUID `gorm:"type:uuid;not null" json:"created_by"`

	// DirectKey holds the canonical sorted participant pair for ACTIVE direct
	// rooms and is NULL otherwise. The unique index is the structural dedup
	// constraint: concurrent creates for the same pair race on it and the
	// loser fetches the winner's row.
	DirectKey *string `gorm:"type:varchar(80);uniqueIndex" json:"-"`

	LastMessageID *uuid.UUID `gorm:"type:uuid" json:"-"`
	LastMessage   *Message   `gorm:"foreignKey:LastMessageID" json:"-"`

	IsActive  bool      `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`

	Participants []RoomParticipant `gorm:"foreignKey:RoomID" json:"participants,omitempty"`
}

// RoomParticipant is one membership row. Deleting the row removes both the
// membership and any adminship, which keeps "admins ⊆ participants" structural.
type RoomParticipant struct {
	RoomID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"room_id"`
	UserID   uuid.UUID `gorm:"type:uuid;primaryKey;index" json:"user_id"`
	IsAdmin  bool      `gorm:"not null;default:false" json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// RoomView is the read-path representation of a room: the room annotated
// with the caller's unread count and the masked last-message view.
type RoomView struct {
	*Room
	LastMessage *MessageView `json:"last_message,omitempty"`
	UnreadCount int64        `json:"unread_count"`
}

// View renders the room for a reader. The unread count is filled by the caller.
func (r *Room) View() *RoomView {
	v := &RoomView{Room: r}
	if r.LastMessage != nil {
		v.LastMessage = r.LastMessage.View(true)
	}
	return v
}

// DirectKeyFor returns the canonical unordered-pair key for a direct room.
func DirectKeyFor(a, b uuid.UUID) string {
	if a.String() > b.String() {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s", a, b)
}

// ParticipantIDs returns the ids of all participants on a loaded room.
func (r *Room) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// HasParticipant reports whether userID is a participant of a loaded room.
func (r *Room) HasParticipant(userID uuid.UUID) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether userID is an admin of a loaded room.
func (r *Room) IsAdmin(userID uuid.UUID) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p.IsAdmin
		}
	}
	return false
}
