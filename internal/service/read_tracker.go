package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadTracker computes per-(user, room) unread counts with a read-through
// cache in front of the message store. Cached values are a time-bounded
// snapshot: they may be stale up to the TTL, never wrong forever. Callers
// needing strong freshness go through CountFresh.
type ReadTracker struct {
	messageRepo *repository.MessageRepository
	cache       *cache.Cache
	ttl         time.Duration
}

func NewReadTracker(messageRepo *repository.MessageRepository, c *cache.Cache, ttl time.Duration) *ReadTracker {
	return &ReadTracker{
		messageRepo: messageRepo,
		cache:       c,
		ttl:         ttl,
	}
}

// GetUnreadCount returns the cached count if present, otherwise computes it
// from the store and caches the result with the configured TTL.
func (t *ReadTracker) GetUnreadCount(ctx context.Context, roomID, userID uuid.UUID) (int64, error) {
	key := cache.UnreadKey(userID.String(), roomID.String())

	val, err := t.cache.Get(ctx, key)
	if err == nil {
		if count, parseErr := strconv.ParseInt(val, 10, 64); parseErr == nil {
			return count, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		// A cache outage degrades to store reads, it never fails the call.
		logger.Log.Warn("unread cache read failed, falling back to store",
			zap.String("room_id", roomID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}

	count, err := t.messageRepo.CountUnread(roomID, userID)
	if err != nil {
		return 0, err
	}

	if setErr := t.cache.Set(ctx, key, strconv.FormatInt(count, 10), t.ttl); setErr != nil {
		logger.Log.Warn("unread cache write failed",
			zap.String("room_id", roomID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(setErr),
		)
	}

	return count, nil
}

// CountFresh bypasses the cache entirely.
func (t *ReadTracker) CountFresh(roomID, userID uuid.UUID) (int64, error) {
	return t.messageRepo.CountUnread(roomID, userID)
}

// Invalidate drops the cached count for one (user, room) pair.
func (t *ReadTracker) Invalidate(ctx context.Context, roomID, userID uuid.UUID) error {
	return t.cache.Del(ctx, cache.UnreadKey(userID.String(), roomID.String()))
}

// ReadReceipts returns the users who have read a message, oldest receipt first.
func (t *ReadTracker) ReadReceipts(messageID uuid.UUID) ([]models.User, error) {
	return t.messageRepo.ReadReceipts(messageID)
}
