package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const cachePrefix = "oracle:v1:"

type cachedRate struct {
	Value decimal.Decimal `json:"value"`
	AsOf  time.Time       `json:"as_of"`
}

// Cached fronts another oracle with Redis. Entries expire after ttl, which is the staleness the
// platform tolerates; a Redis failure falls through to the upstream oracle.
type Cached struct {
	next   Oracle
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps next.
func NewCached(next Oracle, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: cache, ttl: ttl, logger: logger}
}

// Quote serves from Redis when fresh, otherwise asks upstream and stores the answer.
func (c *Cached) Quote(ctx context.Context, base, quote string) (Rate, error) {
	key := cachePrefix + pairKey(base, quote)

	raw, err := c.cache.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var stored cachedRate
		if err := json.Unmarshal(raw, &stored); err == nil {
			return Rate{Base: base, Quote: quote, Value: stored.Value, AsOf: stored.AsOf}, nil
		}
		c.logger.Warn("discarding undecodable cached rate", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("rate cache lookup failed", slog.String("key", key), slog.Any("error", err))
	}

	rate, err := c.next.Quote(ctx, base, quote)
	if err != nil {
		return Rate{}, err
	}

	payload, err := json.Marshal(cachedRate{Value: rate.Value, AsOf: rate.AsOf})
	if err == nil {
		if err := c.cache.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("rate cache store failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return rate, nil
}
