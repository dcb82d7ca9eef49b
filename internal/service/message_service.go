package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/convohq/convo/internal/apperr"
	"github.com/convohq/convo/internal/broker"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/pagination"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageService orchestrates the message lifecycle: send, edit, soft-delete,
// search and read-marking. It keeps Room.lastMessage and the unread caches
// coherent with every mutation.
type MessageService struct {
	messageRepo *repository.MessageRepository
	roomRepo    *repository.RoomRepository
	readTracker *ReadTracker
	broker      broker.EventBroker
}

func NewMessageService(
	messageRepo *repository.MessageRepository,
	roomRepo *repository.RoomRepository,
	readTracker *ReadTracker,
	eventBroker broker.EventBroker,
) *MessageService {
	return &MessageService{
		messageRepo: messageRepo,
		roomRepo:    roomRepo,
		readTracker: readTracker,
		broker:      eventBroker,
	}
}

// FileMeta carries the attachment fields for non-text messages.
type FileMeta struct {
	URL  string
	Name string
	Size int64
}

// SendMessageInput is the validated payload for sending a message.
type SendMessageInput struct {
	Content string
	Type    models.MessageType
	ReplyTo *uuid.UUID
	File    *FileMeta
}

// SendMessage persists a message in the caller's room. The message row, the
// sender's implicit read receipt and the room's last-message pointer commit
// in one transaction. Only the sender's cached unread count is invalidated;
// other participants' counts stay stale up to the cache TTL by contract.
func (s *MessageService) SendMessage(ctx context.Context, senderID, roomID uuid.UUID, in SendMessageInput) (*models.MessageView, error) {
	// 1. Room must be active and the sender a participant.
	room, err := s.requireActiveRoom(roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(senderID) {
		return nil, apperr.Forbidden("not a participant of this room")
	}

	// 2. Validate the payload.
	if in.Type == "" {
		in.Type = models.MessageTypeText
	}
	if !models.ValidMessageType(in.Type) {
		return nil, apperr.BadRequest("invalid message type: %s", in.Type)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" && in.File == nil {
		return nil, apperr.BadRequest("message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return nil, apperr.BadRequest("message content exceeds %d characters", models.MaxContentLength)
	}
	if in.Type.RequiresFile() && (in.File == nil || in.File.URL == "") {
		return nil, apperr.BadRequest("%s message requires a file URL", in.Type)
	}

	msg := &models.Message{
		ID:       uuid.New(),
		RoomID:   roomID,
		SenderID: senderID,
		Content:  content,
		Type:     in.Type,
	}
	if in.File != nil {
		msg.FileURL = &in.File.URL
		if in.File.Name != "" {
			msg.FileName = &in.File.Name
		}
		if in.File.Size > 0 {
			msg.FileSize = &in.File.Size
		}
	}

	// 3. Resolve the reply target; it must live in the same room.
	if in.ReplyTo != nil {
		target, err := s.messageRepo.GetMessageByID(*in.ReplyTo)
		if err != nil {
			return nil, err
		}
		if target == nil || target.RoomID != roomID {
			return nil, apperr.BadRequest("reply target not found in this room")
		}
		msg.ReplyToID = &target.ID
	}

	// 4. Message + readBy={sender} + room.lastMessage, atomically.
	if err := s.messageRepo.CreateMessage(msg); err != nil {
		return nil, err
	}

	// 5. The sender's unread count is trivially zero now; drop the snapshot.
	if err := s.readTracker.Invalidate(ctx, roomID, senderID); err != nil {
		logger.Log.Warn("failed to invalidate sender unread cache",
			zap.String("room_id", roomID.String()),
			zap.String("sender_id", senderID.String()),
			zap.Error(err),
		)
	}

	created, err := s.messageRepo.GetMessageByID(msg.ID)
	if err != nil {
		return nil, err
	}
	view := created.View(true)

	s.publish(roomID, broker.EventNewMessage, view)

	logger.Log.Info("message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("room_id", roomID.String()),
		zap.String("sender_id", senderID.String()),
		zap.String("type", string(msg.Type)),
	)
	return view, nil
}

// GetRoomMessages pages a room's non-deleted messages newest-first, with
// optional before/after cursor refinement on a message's creation time.
func (s *MessageService) GetRoomMessages(ctx context.Context, roomID, callerID uuid.UUID, page, limit int, beforeID, afterID *uuid.UUID) (*pagination.Page[*models.MessageView], error) {
	return s.listMessages(roomID, callerID, "", page, limit, beforeID, afterID)
}

// SearchMessages filters a room's messages by case-insensitive substring
// match on content, newest-first.
func (s *MessageService) SearchMessages(ctx context.Context, roomID, callerID uuid.UUID, text string, page, limit int) (*pagination.Page[*models.MessageView], error) {
	return s.listMessages(roomID, callerID, strings.ToLower(strings.TrimSpace(text)), page, limit, nil, nil)
}

func (s *MessageService) listMessages(roomID, callerID uuid.UUID, contentFilter string, page, limit int, beforeID, afterID *uuid.UUID) (*pagination.Page[*models.MessageView], error) {
	room, err := s.requireActiveRoom(roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(callerID) {
		return nil, apperr.Forbidden("not a participant of this room")
	}

	var before, after *time.Time
	if beforeID != nil {
		t, err := s.resolveCursor(*beforeID, roomID)
		if err != nil {
			return nil, err
		}
		before = t
	}
	if afterID != nil {
		t, err := s.resolveCursor(*afterID, roomID)
		if err != nil {
			return nil, err
		}
		after = t
	}

	page, limit = pagination.Normalize(page, limit)
	messages, total, err := s.messageRepo.ListRoomMessages(roomID, contentFilter, before, after, pagination.Offset(page, limit), limit)
	if err != nil {
		return nil, err
	}

	views := make([]*models.MessageView, 0, len(messages))
	for i := range messages {
		views = append(views, messages[i].View(true))
	}
	return pagination.NewPage(views, page, limit, total), nil
}

// resolveCursor turns a message id into its creation timestamp for
// before/after filtering.
func (s *MessageService) resolveCursor(messageID, roomID uuid.UUID) (*time.Time, error) {
	msg, err := s.messageRepo.GetMessageByID(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.RoomID != roomID {
		return nil, apperr.NotFound("cursor message not found in this room")
	}
	t := msg.CreatedAt
	return &t, nil
}

// UpdateMessage edits a text message. Only the sender may edit, only while
// the message is not deleted, and only text messages are editable.
func (s *MessageService) UpdateMessage(ctx context.Context, messageID, callerID uuid.UUID, content string) (*models.MessageView, error) {
	msg, err := s.requireMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != callerID {
		return nil, apperr.Forbidden("only the sender can edit a message")
	}
	if msg.IsDeleted {
		return nil, apperr.BadRequest("deleted messages cannot be edited")
	}
	if msg.Type != models.MessageTypeText {
		return nil, apperr.BadRequest("only text messages can be edited")
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.BadRequest("message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return nil, apperr.BadRequest("message content exceeds %d characters", models.MaxContentLength)
	}

	if err := s.messageRepo.UpdateContent(messageID, content); err != nil {
		return nil, err
	}

	msg.Content = content
	msg.IsEdited = true
	view := msg.View(true)

	s.publish(msg.RoomID, broker.EventMessageEdited, view)

	logger.Log.Info("message edited",
		zap.String("message_id", messageID.String()),
		zap.String("room_id", msg.RoomID.String()),
	)
	return view, nil
}

// DeleteMessage soft-deletes a message. Allowed for the sender, or for a
// room admin in group/channel rooms. readBy keeps growing after deletion;
// only the read view changes.
func (s *MessageService) DeleteMessage(ctx context.Context, messageID, callerID uuid.UUID) error {
	msg, err := s.requireMessage(messageID)
	if err != nil {
		return err
	}

	if msg.SenderID != callerID {
		room, err := s.roomRepo.GetRoomByID(msg.RoomID)
		if err != nil {
			return err
		}
		// Direct rooms have no admin-gated operations: only the sender
		// may delete there.
		if room == nil || room.Type == models.RoomTypeDirect || !room.IsAdmin(callerID) {
			return apperr.Forbidden("only the sender or a room admin can delete a message")
		}
	}

	if msg.IsDeleted {
		return nil
	}

	if err := s.messageRepo.SoftDeleteMessage(messageID); err != nil {
		return err
	}

	s.publish(msg.RoomID, broker.EventMessageDeleted, map[string]interface{}{
		"message_id": messageID,
		"room_id":    msg.RoomID,
		"deleted_by": callerID,
	})

	logger.Log.Info("message soft-deleted",
		zap.String("message_id", messageID.String()),
		zap.String("room_id", msg.RoomID.String()),
		zap.String("caller_id", callerID.String()),
	)
	return nil
}

// MarkMessageAsRead idempotently adds the caller to a message's readBy set.
// Works on deleted messages too: receipts are never blocked or revoked.
func (s *MessageService) MarkMessageAsRead(ctx context.Context, messageID, callerID uuid.UUID) error {
	msg, err := s.requireMessage(messageID)
	if err != nil {
		return err
	}
	room, err := s.requireActiveRoom(msg.RoomID)
	if err != nil {
		return err
	}
	if !room.HasParticipant(callerID) {
		return apperr.Forbidden("not a participant of this room")
	}

	already, err := s.messageRepo.HasRead(messageID, callerID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	if err := s.messageRepo.MarkRead(messageID, callerID); err != nil {
		return err
	}

	if err := s.readTracker.Invalidate(ctx, msg.RoomID, callerID); err != nil {
		logger.Log.Warn("failed to invalidate unread cache",
			zap.String("room_id", msg.RoomID.String()),
			zap.String("user_id", callerID.String()),
			zap.Error(err),
		)
	}

	s.publish(msg.RoomID, broker.EventMessageRead, map[string]interface{}{
		"message_id": messageID,
		"room_id":    msg.RoomID,
		"user_id":    callerID,
	})
	return nil
}

// MarkRoomAsRead receipts every non-deleted message in the room the caller
// has not authored, in one statement, and drops the caller's cached count.
func (s *MessageService) MarkRoomAsRead(ctx context.Context, roomID, callerID uuid.UUID) error {
	room, err := s.requireActiveRoom(roomID)
	if err != nil {
		return err
	}
	if !room.HasParticipant(callerID) {
		return apperr.Forbidden("not a participant of this room")
	}

	if err := s.messageRepo.MarkRoomRead(roomID, callerID); err != nil {
		return err
	}

	if err := s.readTracker.Invalidate(ctx, roomID, callerID); err != nil {
		logger.Log.Warn("failed to invalidate unread cache",
			zap.String("room_id", roomID.String()),
			zap.String("user_id", callerID.String()),
			zap.Error(err),
		)
	}

	s.publish(roomID, broker.EventRoomRead, map[string]interface{}{
		"room_id": roomID,
		"user_id": callerID,
	})
	return nil
}

// GetUnreadCount returns the caller's unread count for one room through the
// read-through cache.
func (s *MessageService) GetUnreadCount(ctx context.Context, roomID, callerID uuid.UUID) (int64, error) {
	room, err := s.requireActiveRoom(roomID)
	if err != nil {
		return 0, err
	}
	if !room.HasParticipant(callerID) {
		return 0, apperr.Forbidden("not a participant of this room")
	}
	return s.readTracker.GetUnreadCount(ctx, roomID, callerID)
}

// GetTotalUnreadCount sums fresh unread counts across all of the caller's
// active rooms. Not cached; recomputed per call.
func (s *MessageService) GetTotalUnreadCount(ctx context.Context, callerID uuid.UUID) (int64, error) {
	roomIDs, err := s.roomRepo.RoomIDsForUser(callerID)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, roomID := range roomIDs {
		count, err := s.readTracker.CountFresh(roomID, callerID)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// ReadReceipts holds who has read a message.
type ReadReceipts struct {
	MessageID uuid.UUID     `json:"message_id"`
	Readers   []models.User `json:"readers"`
	Count     int           `json:"count"`
}

// GetMessageReadReceipts returns the set of users who have read the message.
func (s *MessageService) GetMessageReadReceipts(ctx context.Context, messageID, callerID uuid.UUID) (*ReadReceipts, error) {
	msg, err := s.requireMessage(messageID)
	if err != nil {
		return nil, err
	}
	room, err := s.requireActiveRoom(msg.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(callerID) {
		return nil, apperr.Forbidden("not a participant of this room")
	}

	readers, err := s.readTracker.ReadReceipts(messageID)
	if err != nil {
		return nil, err
	}
	return &ReadReceipts{MessageID: messageID, Readers: readers, Count: len(readers)}, nil
}

func (s *MessageService) requireActiveRoom(roomID uuid.UUID) (*models.Room, error) {
	room, err := s.roomRepo.GetRoomByID(roomID)
	if err != nil {
		return nil, err
	}
	if room == nil || !room.IsActive {
		return nil, apperr.NotFound("room not found")
	}
	return room, nil
}

func (s *MessageService) requireMessage(messageID uuid.UUID) (*models.Message, error) {
	msg, err := s.messageRepo.GetMessageByID(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, apperr.NotFound("message not found")
	}
	return msg, nil
}

func (s *MessageService) publish(roomID uuid.UUID, kind broker.EventKind, payload interface{}) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(roomID, kind, payload); err != nil {
		logger.Log.Warn("failed to publish room event",
			zap.String("room_id", roomID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}
