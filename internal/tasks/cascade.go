// Package tasks holds background work executed through asynq. The queue is
// deliberately small: only operations whose latency should not ride on a
// user-facing request live here.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/pkg/logger"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeUserCascadeDelete strips a deleted user out of the chat graph.
const TypeUserCascadeDelete = "user:cascade_delete"

type UserCascadePayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// NewUserCascadeTask builds the cascade task for a deleted user.
func NewUserCascadeTask(userID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(UserCascadePayload{UserID: userID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeUserCascadeDelete, payload), nil
}

// CascadeProcessor reacts to user deletion: the user is stripped from every
// room's participants and admins (rooms themselves survive), and all of
// their authored messages are soft-deleted so remaining participants keep a
// coherent history with masked content.
type CascadeProcessor struct {
	roomRepo    *repository.RoomRepository
	messageRepo *repository.MessageRepository
	cache       *cache.Cache
}

func NewCascadeProcessor(roomRepo *repository.RoomRepository, messageRepo *repository.MessageRepository, c *cache.Cache) *CascadeProcessor {
	return &CascadeProcessor{
		roomRepo:    roomRepo,
		messageRepo: messageRepo,
		cache:       c,
	}
}

func (p *CascadeProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload UserCascadePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("cascade: unmarshal payload: %w", err)
	}
	return p.Run(ctx, payload.UserID)
}

// Run executes the cascade. Exposed separately so tests (and synchronous
// callers without a queue) can invoke it directly.
func (p *CascadeProcessor) Run(ctx context.Context, userID uuid.UUID) error {
	roomIDs, err := p.roomRepo.RemoveUserFromAllRooms(userID)
	if err != nil {
		return fmt.Errorf("cascade: remove memberships: %w", err)
	}

	if err := p.messageRepo.SoftDeleteAllBySender(userID); err != nil {
		return fmt.Errorf("cascade: soft-delete messages: %w", err)
	}

	// Drop the user's derived state. Unread caches of other users decay by
	// TTL; no proactive invalidation.
	if err := p.cache.Del(ctx,
		cache.UserRoomsKey(userID.String()),
		cache.PresenceKey(userID.String()),
	); err != nil {
		logger.Log.Warn("cascade: failed to drop cache keys",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
	if err := p.cache.SRem(ctx, cache.OnlineUsersKey, userID.String()); err != nil {
		logger.Log.Warn("cascade: failed to drop user from online set",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}

	logger.Log.Info("user cascade completed",
		zap.String("user_id", userID.String()),
		zap.Int("rooms_stripped", len(roomIDs)),
	)
	return nil
}
