package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convohq/convo/pkg/logger"
)

func setupRateLimiter(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger.Init(false)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRateLimiter(client, cfg), mr
}

func limitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func hitFrom(router *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":52100"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl, _ := setupRateLimiter(t, RateLimiterConfig{MaxRequests: 5, Window: time.Minute})
	router := limitedRouter(rl)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hitFrom(router, "10.0.0.1").Code)
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	rl, _ := setupRateLimiter(t, RateLimiterConfig{MaxRequests: 3, Window: time.Minute})
	router := limitedRouter(rl)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, hitFrom(router, "10.0.0.1").Code)
	}

	w := hitFrom(router, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Another client is unaffected.
	assert.Equal(t, http.StatusOK, hitFrom(router, "10.0.0.2").Code)
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl, mr := setupRateLimiter(t, RateLimiterConfig{MaxRequests: 2, Window: time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, retryAfter, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	mr.FastForward(2 * time.Second)

	allowed, _, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiterBlockOutlastsWindow(t *testing.T) {
	rl, mr := setupRateLimiter(t, RateLimiterConfig{
		MaxRequests: 1,
		Window:      time.Second,
		BlockTime:   time.Minute,
	})
	ctx := context.Background()

	allowed, _, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, retryAfter, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, retryAfter)

	// The counter window has long expired, the block has not.
	mr.FastForward(10 * time.Second)
	allowed, _, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	mr.FastForward(time.Minute)
	allowed, _, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiterBanLifecycle(t *testing.T) {
	rl, _ := setupRateLimiter(t, RateLimiterConfig{MaxRequests: 100, Window: time.Minute})
	router := limitedRouter(rl)
	ctx := context.Background()

	banned, err := rl.IsIPBanned(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, rl.BanIP(ctx, "10.0.0.9"))
	assert.Equal(t, http.StatusForbidden, hitFrom(router, "10.0.0.9").Code)

	require.NoError(t, rl.UnbanIP(ctx, "10.0.0.9"))
	assert.Equal(t, http.StatusOK, hitFrom(router, "10.0.0.9").Code)
}
