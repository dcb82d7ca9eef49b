package repository

import (
	"errors"
	"time"

	"github.com/convohq/convo/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// CreateMessage persists a new message, its sender's implicit read receipt,
// and the room's last-message pointer in one transaction, so a concurrent
// room-list read never sees the message without the pointer or vice versa.
func (r *MessageRepository) CreateMessage(msg *models.Message) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		read := models.MessageRead{MessageID: msg.ID, UserID: msg.SenderID, ReadAt: msg.CreatedAt}
		if err := tx.Create(&read).Error; err != nil {
			return err
		}
		return tx.Model(&models.Room{}).
			Where("id = ?", msg.RoomID).
			Updates(map[string]interface{}{
				"last_message_id": msg.ID,
				"updated_at":      msg.CreatedAt,
			}).Error
	})
}

// GetMessageByID loads a message with sender and resolved reply target.
// Returns nil when absent.
func (r *MessageRepository) GetMessageByID(id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := r.db.
		Preload("Sender").
		Preload("ReplyTo.Sender").
		First(&msg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// ListRoomMessages pages through a room's non-deleted messages newest-first.
// before/after refine by creation time (cursor refinement on top of offset
// pagination). contentFilter is a case-insensitive substring match.
func (r *MessageRepository) ListRoomMessages(roomID uuid.UUID, contentFilter string, before, after *time.Time, offset, limit int) ([]models.Message, int64, error) {
	base := r.db.Model(&models.Message{}).
		Where("room_id = ? AND is_deleted = ?", roomID, false)
	if before != nil {
		base = base.Where("created_at < ?", *before)
	}
	if after != nil {
		base = base.Where("created_at > ?", *after)
	}
	if contentFilter != "" {
		base = base.Where(`LOWER(content) LIKE ? ESCAPE '\'`, "%"+escapeLike(contentFilter)+"%")
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []models.Message
	err := base.
		Preload("Sender").
		Preload("ReplyTo.Sender").
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&messages).Error
	return messages, total, err
}

// UpdateContent edits a text message in place and marks it edited.
func (r *MessageRepository) UpdateContent(id uuid.UUID, content string) error {
	return r.db.Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"content": content, "is_edited": true}).Error
}

// SoftDeleteMessage flips the deletion flag; content stays in the row and is
// masked on every read path.
func (r *MessageRepository) SoftDeleteMessage(id uuid.UUID) error {
	now := time.Now()
	return r.db.Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_deleted": true, "deleted_at": now}).Error
}

// SoftDeleteAllBySender masks every message a user ever sent (cascade on
// user deletion). Already-deleted rows keep their original deleted_at.
func (r *MessageRepository) SoftDeleteAllBySender(senderID uuid.UUID) error {
	now := time.Now()
	return r.db.Model(&models.Message{}).
		Where("sender_id = ? AND is_deleted = ?", senderID, false).
		Updates(map[string]interface{}{"is_deleted": true, "deleted_at": now}).Error
}

// MarkRead records a read receipt. ON CONFLICT DO NOTHING makes it
// idempotent and keeps readBy monotone.
func (r *MessageRepository) MarkRead(messageID, userID uuid.UUID) error {
	read := models.MessageRead{MessageID: messageID, UserID: userID, ReadAt: time.Now()}
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&read).Error
}

// MarkRoomRead inserts receipts for every non-deleted message in the room
// not authored by the user, in a single statement.
func (r *MessageRepository) MarkRoomRead(roomID, userID uuid.UUID) error {
	return r.db.Exec(`
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages
		WHERE room_id = ? AND sender_id <> ? AND is_deleted = ?
		ON CONFLICT DO NOTHING`,
		userID, time.Now(), roomID, userID, false,
	).Error
}

// CountUnread computes the source-of-truth unread count for (user, room):
// non-deleted messages by others with no receipt from the user.
func (r *MessageRepository) CountUnread(roomID, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.Model(&models.Message{}).
		Where("room_id = ? AND sender_id <> ? AND is_deleted = ?", roomID, userID, false).
		Where("NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = messages.id AND mr.user_id = ?)", userID).
		Count(&count).Error
	return count, err
}

// ReadReceipts returns the users who have read a message.
func (r *MessageRepository) ReadReceipts(messageID uuid.UUID) ([]models.User, error) {
	var users []models.User
	err := r.db.Model(&models.User{}).
		Joins("JOIN message_reads mr ON mr.user_id = users.id").
		Where("mr.message_id = ?", messageID).
		Order("mr.read_at ASC").
		Find(&users).Error
	return users, err
}

// HasRead reports whether a user already has a receipt on a message.
func (r *MessageRepository) HasRead(messageID, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.Model(&models.MessageRead{}).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Count(&count).Error
	return count > 0, err
}
