package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/pkg/logger"
)

// RateLimiterConfig bounds how fast a single client IP may call the API.
type RateLimiterConfig struct {
	MaxRequests int           // requests allowed per window
	Window      time.Duration // counting window
	BlockTime   time.Duration // how long an IP stays blocked after exceeding the limit
}

// RateLimiter enforces a per-IP fixed-window counter in Redis, shared
// across instances. IPs can additionally be banned outright.
type RateLimiter struct {
	rdb *redis.Client
	cfg RateLimiterConfig
}

func NewRateLimiter(rdb *redis.Client, cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{rdb: rdb, cfg: cfg}
}

// Middleware rejects banned IPs with 403 and over-limit IPs with 429.
// Redis trouble must not take the API down with it, so the check fails
// open and the error goes to the logs.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ip := c.ClientIP()

		banned, err := rl.IsIPBanned(ctx, ip)
		if err == nil && banned {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "ip address is banned",
			})
			return
		}

		allowed, retryAfter, err := rl.Allow(ctx, ip)
		if err != nil {
			logger.Log.Warn("Rate limit check failed",
				zap.String("ip", ip),
				zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			seconds := int(retryAfter.Seconds())
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": seconds,
			})
			return
		}

		c.Next()
	}
}

// Allow counts one request against the IP's current window. Exceeding
// the limit blocks the IP for BlockTime, not just the remainder of the
// window; retryAfter tells the caller when to come back.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) (allowed bool, retryAfter time.Duration, err error) {
	blockKey := cache.RateLimitBlockKey(ip)
	blockTTL, err := rl.rdb.TTL(ctx, blockKey).Result()
	if err != nil {
		return false, 0, err
	}
	if blockTTL > 0 {
		return false, blockTTL, nil
	}

	key := cache.RateLimitKey(ip)
	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	// INCR created the key on the first request; give it the window TTL.
	if count == 1 {
		if err := rl.rdb.Expire(ctx, key, rl.cfg.Window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(rl.cfg.MaxRequests) {
		return true, 0, nil
	}

	if rl.cfg.BlockTime <= 0 {
		remaining, err := rl.rdb.TTL(ctx, key).Result()
		if err != nil || remaining <= 0 {
			remaining = rl.cfg.Window
		}
		return false, remaining, nil
	}
	if err := rl.rdb.Set(ctx, blockKey, 1, rl.cfg.BlockTime).Err(); err != nil {
		return false, 0, err
	}
	return false, rl.cfg.BlockTime, nil
}

// IsIPBanned reports whether the IP is on the manual ban list.
func (rl *RateLimiter) IsIPBanned(ctx context.Context, ip string) (bool, error) {
	return rl.rdb.SIsMember(ctx, cache.BannedIPsKey, ip).Result()
}

// BanIP puts the IP on the ban list until explicitly removed.
func (rl *RateLimiter) BanIP(ctx context.Context, ip string) error {
	return rl.rdb.SAdd(ctx, cache.BannedIPsKey, ip).Err()
}

// UnbanIP removes the IP from the ban list.
func (rl *RateLimiter) UnbanIP(ctx context.Context, ip string) error {
	return rl.rdb.SRem(ctx, cache.BannedIPsKey, ip).Err()
}
