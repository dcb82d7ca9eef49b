// Package cache wraps Redis as the derived-state layer: unread-count
// snapshots, per-user membership indices, presence. It is never the source
// of truth; everything here can be lost and recomputed from the database.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss signals a cache miss in a typed way, so callers can tell misses
// apart from transport errors.
var ErrMiss = errors.New("cache: miss")

type Cache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Cache{client: client}, nil
}

// NewFromClient wraps an existing client (shared with the rate limiter).
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Client exposes the underlying connection for components that need raw
// Redis features (pub/sub, INCR) rather than the KV/set surface.
func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	res, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

// Set stores value at key. Zero TTL means no expiration.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire refreshes a key's TTL (presence heartbeat).
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// Set operations back the membership indices and the online-users set.

func (c *Cache) SAdd(ctx context.Context, key string, members ...string) error {
	return c.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (c *Cache) SRem(ctx context.Context, key string, members ...string) error {
	return c.client.SRem(ctx, key, toAny(members)...).Err()
}

func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, key).Result()
}

func (c *Cache) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.client.SIsMember(ctx, key, member).Result()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
