package middleware

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyKeyLocal  = "idempotency_key"
	inFlightPrefix       = "settlement:inflight:v1:"
	maxIdempotencyKeyLen = 128
)

// InFlight requires an Idempotency-Key and turns away a second submission of the same key with
// 409 while the first one is still being handled. Finished submissions are not cached here; the
// coordinator answers retries from the durable record. Redis failures fail open.
func InFlight(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if len(key) > maxIdempotencyKeyLen {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key too long")
		}
		c.Locals(idempotencyKeyLocal, key)

		if cache == nil {
			return c.Next()
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		cacheKey := inFlightPrefix + key
		acquired, err := cache.SetNX(ctx, cacheKey, GetCorrelationID(c), ttl).Result()
		if err != nil {
			logger.Warn("in-flight guard unavailable", slog.String("request_id", key), slog.Any("error", err))
			return c.Next()
		}
		if !acquired {
			return fiber.NewError(fiber.StatusConflict, "request with this Idempotency-Key is being processed")
		}

		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := cache.Del(cleanupCtx, cacheKey).Err(); err != nil {
				logger.Warn("in-flight guard release failed", slog.String("request_id", key), slog.Any("error", err))
			}
		}()

		return c.Next()
	}
}

// IdempotencyKey returns the key accepted by InFlight.
func IdempotencyKey(c *fiber.Ctx) string {
	key, _ := c.Locals(idempotencyKeyLocal).(string)
	return key
}
