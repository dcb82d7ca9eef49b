package service

import (
	"context"
	"errors"
	"time"

	"github.com/convohq/convo/internal/apperr"
	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PresenceTracker keeps live presence in the cache with a heartbeat TTL, so
// a client that vanishes without an explicit offline update decays to
// offline once the TTL lapses. Only the last-seen timestamp and the status
// column are persisted durably.
type PresenceTracker struct {
	cache    *cache.Cache
	userRepo *repository.UserRepository
	ttl      time.Duration
}

func NewPresenceTracker(c *cache.Cache, userRepo *repository.UserRepository, ttl time.Duration) *PresenceTracker {
	return &PresenceTracker{
		cache:    c,
		userRepo: userRepo,
		ttl:      ttl,
	}
}

// SetStatus records a user's presence. Offline clears the cache entry and
// stamps last_seen; any live status writes the key with the heartbeat TTL.
func (t *PresenceTracker) SetStatus(ctx context.Context, userID uuid.UUID, status models.UserStatus) error {
	if !models.ValidUserStatus(status) {
		return apperr.BadRequest("invalid status: %s", status)
	}

	key := cache.PresenceKey(userID.String())

	if status == models.StatusOffline {
		if err := t.cache.Del(ctx, key); err != nil {
			return err
		}
		if err := t.cache.SRem(ctx, cache.OnlineUsersKey, userID.String()); err != nil {
			return err
		}
		now := time.Now()
		return t.userRepo.UpdateStatus(userID, status, &now)
	}

	if err := t.cache.Set(ctx, key, string(status), t.ttl); err != nil {
		return err
	}

	// The online set tracks connected users regardless of away/busy.
	if err := t.cache.SAdd(ctx, cache.OnlineUsersKey, userID.String()); err != nil {
		return err
	}

	if err := t.userRepo.UpdateStatus(userID, status, nil); err != nil {
		return err
	}

	logger.Log.Debug("presence updated",
		zap.String("user_id", userID.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// GetStatus reads live presence; a missing or expired key means offline.
func (t *PresenceTracker) GetStatus(ctx context.Context, userID uuid.UUID) (models.UserStatus, error) {
	val, err := t.cache.Get(ctx, cache.PresenceKey(userID.String()))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return models.StatusOffline, nil
		}
		return "", err
	}
	return models.UserStatus(val), nil
}

// Heartbeat refreshes the presence TTL. Driven by the push layer's ping
// loop; a no-op when the user has no live presence entry.
func (t *PresenceTracker) Heartbeat(ctx context.Context, userID uuid.UUID) error {
	return t.cache.Expire(ctx, cache.PresenceKey(userID.String()), t.ttl)
}

// OnlineUsers returns ids of users currently marked connected.
func (t *PresenceTracker) OnlineUsers(ctx context.Context) ([]string, error) {
	return t.cache.SMembers(ctx, cache.OnlineUsersKey)
}
