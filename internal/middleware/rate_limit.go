package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// OwnerRateLimit caps settlement submissions per owner, or per client IP when the body names no
// owner, using a fixed one-minute window in Redis.
func OwnerRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 60
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next() // no-op without Redis
		}
		var req struct {
			Owner string `json:"owner"`
		}
		_ = c.BodyParser(&req)
		subject := strings.TrimSpace(req.Owner)
		if subject == "" {
			subject = c.IP()
		}
		window := time.Now().UTC().Format("200601021504")
		key := "settlement:rl:" + subject + ":" + window

		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, 2*time.Minute)
		}
		if cnt > int64(maxPerMin) {
			c.Set(fiber.HeaderRetryAfter, "60")
			return fiber.NewError(http.StatusTooManyRequests, "too many settlement requests, try again later")
		}
		return c.Next()
	}
}
