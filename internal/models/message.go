package models

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeAudio  MessageType = "audio"
	MessageTypeVideo  MessageType = "video"
	MessageTypeSystem MessageType = "system"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile,
		MessageTypeAudio, MessageTypeVideo, MessageTypeSystem:
		return true
	}
	return false
}

// RequiresFile reports whether t must carry a file URL.
func (t MessageType) RequiresFile() bool {
	switch t {
	case MessageTypeImage, MessageTypeFile, MessageTypeAudio, MessageTypeVideo:
		return true
	}
	return false
}

// MaxContentLength bounds message content size.
const MaxContentLength = 5000

// DeletedContentPlaceholder is what readers see instead of the stored
// content of a soft-deleted message. The stored content is not erased.
const DeletedContentPlaceholder = "This message was deleted"

type Message struct {
	ID       uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID   uuid.UUID   `gorm:"type:uuid;not null;index" json:"room_id"`
	SenderID uuid.UUID   `gorm:"type:uuid;not null;index" json:"sender_id"`
	Content  string      `gorm:"type:text;not null" json:"-"`
	Type     MessageType `gorm:"type:varchar(20);not null;default:'text'" json:"type"`

	FileURL  *string `gorm:"type:text" json:"-"`
	FileName *string `gorm:"type:varchar(255)" json:"-"`
	FileSize *int64  `json:"-"`

	IsEdited  bool       `gorm:"not null;default:false" json:"is_edited"`
	IsDeleted bool       `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	ReplyToID *uuid.UUID `gorm:"type:uuid" json:"reply_to_id,omitempty"`
	ReplyTo   *Message   `gorm:"foreignKey:ReplyToID" json:"-"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Sender User          `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Reads  []MessageRead `gorm:"foreignKey:MessageID" json:"-"`
}

// MessageRead is one read receipt. Rows are only ever inserted (receipts are
// never revoked), with ON CONFLICT DO NOTHING for idempotency.
type MessageRead struct {
	MessageID uuid.UUID `gorm:"type:uuid;primaryKey" json:"message_id"`
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey;index" json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// MessageView is the read-path representation of a message. It is the only
// shape handed to callers, so deleted-content suppression happens exactly once.
type MessageView struct {
	ID        uuid.UUID    `json:"id"`
	RoomID    uuid.UUID    `json:"room_id"`
	Sender    *User        `json:"sender,omitempty"`
	Content   string       `json:"content"`
	Type      MessageType  `json:"type"`
	FileURL   *string      `json:"file_url,omitempty"`
	FileName  *string      `json:"file_name,omitempty"`
	FileSize  *int64       `json:"file_size,omitempty"`
	IsEdited  bool         `json:"is_edited"`
	IsDeleted bool         `json:"is_deleted"`
	ReplyTo   *MessageView `json:"reply_to,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// View renders the message for readers, masking soft-deleted content and
// suppressing file fields. withSender controls whether sender identity is
// attached (it is preloaded on list paths, absent on some write paths).
func (m *Message) View(withSender bool) *MessageView {
	v := &MessageView{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Content:   m.Content,
		Type:      m.Type,
		FileURL:   m.FileURL,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		IsEdited:  m.IsEdited,
		IsDeleted: m.IsDeleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if withSender {
		sender := m.Sender
		v.Sender = &sender
	}
	if m.IsDeleted {
		v.Content = DeletedContentPlaceholder
		v.FileURL = nil
		v.FileName = nil
		v.FileSize = nil
	}
	if m.ReplyTo != nil {
		v.ReplyTo = m.ReplyTo.View(false)
	}
	return v
}
