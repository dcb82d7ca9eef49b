package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/convohq/convo/internal/apperr"
	"github.com/convohq/convo/internal/broker"
	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/pagination"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RoomService orchestrates room lifecycle, membership and admin governance.
// Membership and admin mutations go through single-statement row operations
// in the repository, so two concurrent edits of the same room never clobber
// each other's view of the participant set.
type RoomService struct {
	roomRepo    *repository.RoomRepository
	userRepo    *repository.UserRepository
	readTracker *ReadTracker
	cache       *cache.Cache
	broker      broker.EventBroker
}

func NewRoomService(
	roomRepo *repository.RoomRepository,
	userRepo *repository.UserRepository,
	readTracker *ReadTracker,
	c *cache.Cache,
	eventBroker broker.EventBroker,
) *RoomService {
	return &RoomService{
		roomRepo:    roomRepo,
		userRepo:    userRepo,
		readTracker: readTracker,
		cache:       c,
		broker:      eventBroker,
	}
}

// CreateRoomInput is the validated payload for room creation.
type CreateRoomInput struct {
	Type           models.RoomType
	Name           string
	Description    string
	ParticipantIDs []uuid.UUID
}

// CreateRoom creates a room of any type. For direct rooms the call is
// idempotent per unordered pair: an existing active direct room is returned
// as-is, and a lost creation race resolves to the winner's room instead of
// a user-visible conflict.
func (s *RoomService) CreateRoom(ctx context.Context, creatorID uuid.UUID, in CreateRoomInput) (*models.RoomView, error) {
	if !models.ValidRoomType(in.Type) {
		return nil, apperr.BadRequest("invalid room type: %s", in.Type)
	}

	// 1. Normalize the participant list: unique, creator excluded.
	others := dedupeIDs(in.ParticipantIDs, creatorID)

	// 2. Validate all requested participants resolve to existing users.
	if len(others) > 0 {
		count, err := s.userRepo.CountExisting(others)
		if err != nil {
			return nil, err
		}
		if count != int64(len(others)) {
			return nil, apperr.NotFound("one or more participants not found")
		}
	}

	if in.Type == models.RoomTypeDirect {
		return s.createDirectRoom(ctx, creatorID, others)
	}
	return s.createGroupRoom(ctx, creatorID, in, others)
}

func (s *RoomService) createDirectRoom(ctx context.Context, creatorID uuid.UUID, others []uuid.UUID) (*models.RoomView, error) {
	if len(others) != 1 {
		return nil, apperr.BadRequest("direct room requires exactly one other participant")
	}
	otherID := others[0]
	directKey := models.DirectKeyFor(creatorID, otherID)

	// Idempotent create: return the existing active direct room if any.
	existing, err := s.roomRepo.FindActiveDirectRoom(directKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.annotate(ctx, existing, creatorID), nil
	}

	now := time.Now()
	room := &models.Room{
		ID:        uuid.New(),
		Type:      models.RoomTypeDirect,
		CreatedBy: creatorID,
		DirectKey: &directKey,
		IsActive:  true,
	}
	participants := []models.RoomParticipant{
		{RoomID: room.ID, UserID: creatorID, IsAdmin: true, JoinedAt: now},
		{RoomID: room.ID, UserID: otherID, JoinedAt: now},
	}

	if err := s.roomRepo.CreateRoom(room, participants); err != nil {
		// The unique index on direct_key is the structural dedup constraint.
		// Losing the race means someone else just created the pair's room;
		// return theirs.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			winner, findErr := s.roomRepo.FindActiveDirectRoom(directKey)
			if findErr != nil {
				return nil, findErr
			}
			if winner != nil {
				logger.Log.Debug("direct room creation race resolved to existing room",
					zap.String("room_id", winner.ID.String()),
				)
				return s.annotate(ctx, winner, creatorID), nil
			}
			return nil, apperr.Conflict("direct room already exists for this pair")
		}
		return nil, err
	}

	s.indexMembership(ctx, room.ID, creatorID, otherID)

	logger.Log.Info("direct room created",
		zap.String("room_id", room.ID.String()),
		zap.String("creator_id", creatorID.String()),
	)

	created, err := s.roomRepo.GetRoomByID(room.ID)
	if err != nil {
		return nil, err
	}
	return s.annotate(ctx, created, creatorID), nil
}

func (s *RoomService) createGroupRoom(ctx context.Context, creatorID uuid.UUID, in CreateRoomInput, others []uuid.UUID) (*models.RoomView, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.BadRequest("%s room requires a name", in.Type)
	}

	now := time.Now()
	room := &models.Room{
		ID:          uuid.New(),
		Name:        name,
		Description: in.Description,
		Type:        in.Type,
		CreatedBy:   creatorID,
		IsActive:    true,
	}

	participants := []models.RoomParticipant{
		{RoomID: room.ID, UserID: creatorID, IsAdmin: true, JoinedAt: now},
	}
	for _, id := range others {
		participants = append(participants, models.RoomParticipant{
			RoomID: room.ID, UserID: id, JoinedAt: now,
		})
	}

	if err := s.roomRepo.CreateRoom(room, participants); err != nil {
		return nil, err
	}

	memberIDs := append([]uuid.UUID{creatorID}, others...)
	s.indexMembership(ctx, room.ID, memberIDs...)

	logger.Log.Info("room created",
		zap.String("room_id", room.ID.String()),
		zap.String("type", string(in.Type)),
		zap.String("creator_id", creatorID.String()),
		zap.Int("participants", len(participants)),
	)

	created, err := s.roomRepo.GetRoomByID(room.ID)
	if err != nil {
		return nil, err
	}
	return s.annotate(ctx, created, creatorID), nil
}

// GetRoomByID returns the room annotated with the caller's unread count.
func (s *RoomService) GetRoomByID(ctx context.Context, roomID, callerID uuid.UUID) (*models.RoomView, error) {
	room, err := s.requireRoom(roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(callerID) {
		return nil, apperr.Forbidden("not a participant of this room")
	}
	return s.annotate(ctx, room, callerID), nil
}

// GetUserRooms pages the caller's active rooms, most recently updated first,
// each annotated with the caller's unread count.
func (s *RoomService) GetUserRooms(ctx context.Context, callerID uuid.UUID, page, limit int) (*pagination.Page[*models.RoomView], error) {
	return s.listRooms(ctx, callerID, "", page, limit)
}

// SearchRooms filters the caller's active rooms by case-insensitive
// substring match on name.
func (s *RoomService) SearchRooms(ctx context.Context, callerID uuid.UUID, text string, page, limit int) (*pagination.Page[*models.RoomView], error) {
	return s.listRooms(ctx, callerID, strings.ToLower(strings.TrimSpace(text)), page, limit)
}

func (s *RoomService) listRooms(ctx context.Context, callerID uuid.UUID, nameFilter string, page, limit int) (*pagination.Page[*models.RoomView], error) {
	page, limit = pagination.Normalize(page, limit)

	rooms, total, err := s.roomRepo.GetUserRooms(callerID, nameFilter, pagination.Offset(page, limit), limit)
	if err != nil {
		return nil, err
	}

	views := make([]*models.RoomView, 0, len(rooms))
	for i := range rooms {
		views = append(views, s.annotate(ctx, &rooms[i], callerID))
	}

	return pagination.NewPage(views, page, limit, total), nil
}

// UpdateRoomInput carries the optional metadata fields of an update.
type UpdateRoomInput struct {
	Name        *string
	Description *string
	Avatar      *string
}

// UpdateRoom changes room metadata. Admin-gated; direct rooms have no
// mutable metadata and are rejected outright.
func (s *RoomService) UpdateRoom(ctx context.Context, roomID, callerID uuid.UUID, in UpdateRoomInput) (*models.RoomView, error) {
	room, err := s.requireRoom(roomID)
	if err != nil {
		return nil, err
	}
	if room.Type == models.RoomTypeDirect {
		return nil, apperr.BadRequest("direct rooms cannot be updated")
	}
	if !room.IsAdmin(callerID) {
		return nil, apperr.Forbidden("admin access required")
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.BadRequest("room name cannot be empty")
		}
		updates["name"] = name
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.Avatar != nil {
		updates["avatar"] = *in.Avatar
	}
	if len(updates) == 0 {
		return nil, apperr.BadRequest("no fields to update")
	}

	if err := s.roomRepo.UpdateRoomFields(roomID, updates); err != nil {
		return nil, err
	}

	s.publish(roomID, broker.EventRoomUpdated, map[string]interface{}{
		"room_id":    roomID,
		"updated_by": callerID,
	})

	updated, err := s.roomRepo.GetRoomByID(roomID)
	if err != nil {
		return nil, err
	}
	return s.annotate(ctx, updated, callerID), nil
}

// DeleteRoom soft-deletes the room (isActive = false) and drops it from
// every participant's membership index. Allowed for the creator or any admin.
func (s *RoomService) DeleteRoom(ctx context.Context, roomID, callerID uuid.UUID) error {
	room, err := s.requireRoom(roomID)
	if err != nil {
		return err
	}
	if room.CreatedBy != callerID && !room.IsAdmin(callerID) {
		return apperr.Forbidden("only the creator or an admin can delete the room")
	}

	if err := s.roomRepo.DeactivateRoom(roomID); err != nil {
		return err
	}

	for _, p := range room.Participants {
		if err := s.cache.SRem(ctx, cache.UserRoomsKey(p.UserID.String()), roomID.String()); err != nil {
			logger.Log.Warn("failed to drop room from membership index",
				zap.String("room_id", roomID.String()),
				zap.String("user_id", p.UserID.String()),
				zap.Error(err),
			)
		}
	}

	s.publish(roomID, broker.EventRoomDeleted, map[string]interface{}{
		"room_id":    roomID,
		"deleted_by": callerID,
	})

	logger.Log.Info("room deactivated",
		zap.String("room_id", roomID.String()),
		zap.String("caller_id", callerID.String()),
	)
	return nil
}

// AddParticipants adds users to a group/channel. Adding an existing
// participant is a no-op.
func (s *RoomService) AddParticipants(ctx context.Context, roomID, callerID uuid.UUID, ids []uuid.UUID) (*models.RoomView, error) {
	room, err := s.requireRoom(roomID)
	if err != nil {
		return nil, err
	}
	if room.Type == models.RoomTypeDirect {
		return nil, apperr.BadRequest("cannot add participants to a direct room")
	}
	if !room.IsAdmin(callerID) {
		return nil, apperr.Forbidden("admin access required")
	}

	ids = dedupeIDs(ids, uuid.Nil)
	if len(ids) == 0 {
		return nil, apperr.BadRequest("no participants to add")
	}

	count, err := s.userRepo.CountExisting(ids)
	if err != nil {
		return nil, err
	}
	if count != int64(len(ids)) {
		return nil, apperr.NotFound("one or more users not found")
	}

	now := time.Now()
	for _, id := range ids {
		p := &models.RoomParticipant{RoomID: roomID, UserID: id, JoinedAt: now}
		if err := s.roomRepo.AddParticipant(p); err != nil {
			return nil, err
		}
	}
	s.indexMembership(ctx, roomID, ids...)

	s.publish(roomID, broker.EventParticipantAdded, map[string]interface{}{
		"room_id":  roomID,
		"added_by": callerID,
		"user_ids": ids,
	})

	updated, err := s.roomRepo.GetRoomByID(roomID)
	if err != nil {
		return nil, err
	}
	return s.annotate(ctx, updated, callerID), nil
}

// RemoveParticipant removes a user from a group/channel. Self-leave is
// always allowed; removing others requires admin. The creator can never be
// removed. Dropping the membership row also drops any adminship.
func (s *RoomService) RemoveParticipant(ctx context.Context, roomID, callerID, targetID uuid.UUID) error {
	room, err := s.requireRoom(roomID)
	if err != nil {
		return err
	}
	if room.Type == models.RoomTypeDirect {
		return apperr.BadRequest("cannot remove participants from a direct room")
	}
	if callerID != targetID && !room.IsAdmin(callerID) {
		return apperr.Forbidden("admin access required to remove other participants")
	}
	if targetID == room.CreatedBy {
		return apperr.BadRequest("the room creator cannot be removed")
	}
	if !room.HasParticipant(targetID) {
		return apperr.NotFound("user is not a participant of this room")
	}

	if err := s.roomRepo.RemoveParticipant(roomID, targetID); err != nil {
		return err
	}
	if err := s.cache.SRem(ctx, cache.UserRoomsKey(targetID.String()), roomID.String()); err != nil {
		logger.Log.Warn("failed to drop room from membership index",
			zap.String("room_id", roomID.String()),
			zap.String("user_id", targetID.String()),
			zap.Error(err),
		)
	}

	s.publish(roomID, broker.EventParticipantRemoved, map[string]interface{}{
		"room_id":    roomID,
		"removed_by": callerID,
		"user_id":    targetID,
	})
	return nil
}

// MakeAdmin promotes a current participant. Admin-gated; not applicable to
// direct rooms.
func (s *RoomService) MakeAdmin(ctx context.Context, roomID, callerID, targetID uuid.UUID) error {
	return s.setAdmin(roomID, callerID, targetID, true)
}

// RemoveAdmin demotes an admin. The creator can never be demoted.
func (s *RoomService) RemoveAdmin(ctx context.Context, roomID, callerID, targetID uuid.UUID) error {
	return s.setAdmin(roomID, callerID, targetID, false)
}

func (s *RoomService) setAdmin(roomID, callerID, targetID uuid.UUID, isAdmin bool) error {
	room, err := s.requireRoom(roomID)
	if err != nil {
		return err
	}
	if room.Type == models.RoomTypeDirect {
		return apperr.BadRequest("direct rooms have no admins")
	}
	if !room.IsAdmin(callerID) {
		return apperr.Forbidden("admin access required")
	}
	if !isAdmin && targetID == room.CreatedBy {
		return apperr.Forbidden("the room creator cannot be demoted")
	}

	if err := s.roomRepo.SetAdmin(roomID, targetID, isAdmin); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.BadRequest("target is not a participant of this room")
		}
		return err
	}

	s.publish(roomID, broker.EventAdminChanged, map[string]interface{}{
		"room_id":    roomID,
		"changed_by": callerID,
		"user_id":    targetID,
		"is_admin":   isAdmin,
	})
	return nil
}

// requireRoom loads an active room or reports NotFound. Deactivated rooms
// are indistinguishable from absent ones to callers.
func (s *RoomService) requireRoom(roomID uuid.UUID) (*models.Room, error) {
	room, err := s.roomRepo.GetRoomByID(roomID)
	if err != nil {
		return nil, err
	}
	if room == nil || !room.IsActive {
		return nil, apperr.NotFound("room not found")
	}
	return room, nil
}

// annotate builds the caller-facing view with the unread count. An unread
// lookup failure degrades to zero rather than failing the room read.
func (s *RoomService) annotate(ctx context.Context, room *models.Room, callerID uuid.UUID) *models.RoomView {
	view := room.View()
	count, err := s.readTracker.GetUnreadCount(ctx, room.ID, callerID)
	if err != nil {
		logger.Log.Warn("unread count lookup failed",
			zap.String("room_id", room.ID.String()),
			zap.String("user_id", callerID.String()),
			zap.Error(err),
		)
		return view
	}
	view.UnreadCount = count
	return view
}

// indexMembership registers a room in each user's membership index.
func (s *RoomService) indexMembership(ctx context.Context, roomID uuid.UUID, userIDs ...uuid.UUID) {
	for _, id := range userIDs {
		if err := s.cache.SAdd(ctx, cache.UserRoomsKey(id.String()), roomID.String()); err != nil {
			logger.Log.Warn("failed to register room in membership index",
				zap.String("room_id", roomID.String()),
				zap.String("user_id", id.String()),
				zap.Error(err),
			)
		}
	}
}

func (s *RoomService) publish(roomID uuid.UUID, kind broker.EventKind, payload interface{}) {
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

// dedupeIDs returns ids with duplicates and the excluded id removed.
func dedupeIDs(ids []uuid.UUID, exclude uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == exclude || id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
