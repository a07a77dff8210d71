package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func limitedApp(t *testing.T, mr *miniredis.Miniredis, limit int, window time.Duration) *fiber.App {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2, MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })
	rl := NewRateLimiter(rc, "rt", limit, window, zap.NewNop().Sugar())

	app := fiber.New()
	app.Get("/ping", func(c *fiber.Ctx) error {
		if uid := c.Get("X-User"); uid != "" {
			c.Locals(LocalUserID, uid)
		}
		return c.Next()
	}, rl.MiddlewareByKey(UserOrIP), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func hit(t *testing.T, app *fiber.App, user string) int {
	t.Helper()
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-User", user)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestRateLimiterFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	app := limitedApp(t, mr, 2, 10*time.Second)

	assert.Equal(t, fiber.StatusNoContent, hit(t, app, "alice"))
	assert.Equal(t, fiber.StatusNoContent, hit(t, app, "alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, hit(t, app, "alice"))
	// counters are per key
	assert.Equal(t, fiber.StatusNoContent, hit(t, app, "bob"))

	assert.Equal(t, 10*time.Second, mr.TTL("rt:rl:u:alice"))
	got, err := mr.Get("rt:rl:u:alice")
	require.NoError(t, err)
	assert.Equal(t, "3", got)

	mr.FastForward(11 * time.Second)
	assert.False(t, mr.Exists("rt:rl:u:alice"))
	assert.Equal(t, fiber.StatusNoContent, hit(t, app, "alice"))
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	app := limitedApp(t, mr, 1, time.Minute)

	assert.Equal(t, fiber.StatusNoContent, hit(t, app, "alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, hit(t, app, "alice"))

	mr.Close()
	assert.Equal(t, fiber.StatusNoContent, hit(t, app, "alice"))
	assert.Equal(t, fiber.StatusNoContent, hit(t, app, "alice"))
}
