package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestCheckRateLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("bypassed outside production-like envs", func(t *testing.T) {
		t.Parallel()
		for _, env := range []string{"", "test", "development"} {
			allowed, err := CheckRateLimit(ctx, nil, env, "r", "1", 0, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed, env)
		}
	})

	t.Run("nil client errors", func(t *testing.T) {
		t.Parallel()
		_, err := CheckRateLimit(ctx, nil, "production", "r", "1", 1, time.Minute)
		assert.Error(t, err)
	})

	t.Run("counts within the window", func(t *testing.T) {
		t.Parallel()
		rdb, mr := setupRedis(t)

		for i := 0; i < 2; i++ {
			allowed, err := CheckRateLimit(ctx, rdb, "production", "vote", "uid:ana", 2, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed)
		}
		allowed, err := CheckRateLimit(ctx, rdb, "production", "vote", "uid:ana", 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.True(t, mr.TTL("rl:vote:uid:ana") > 0)

		mr.FastForward(2 * time.Minute)
		allowed, err = CheckRateLimit(ctx, rdb, "production", "vote", "uid:ana", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("rejects over the limit", func(t *testing.T) {
		t.Parallel()
		rdb, _ := setupRedis(t)
		app := fiber.New()
		app.Get("/x", RateLimit(rdb, "production", 1, time.Minute, "x"), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	})

	t.Run("fails open and closed", func(t *testing.T) {
		t.Parallel()
		rdb, mr := setupRedis(t)
		mr.Close()

		app := fiber.New()
		app.Get("/open", RateLimit(rdb, "production", 1, time.Minute), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})
		app.Get("/closed", RateLimitWithPolicy(rdb, "production", 1, time.Minute, FailClosed), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/open", nil), 5000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/closed", nil), 5000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
