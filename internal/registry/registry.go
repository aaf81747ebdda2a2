// Package registry is the Redis hot tier of the idempotency lookup. The durable settlement record
// stays authoritative; only terminal and escalated records are cached, so a stale entry can never
// hide a state change.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/settlement/internal/settlement"
)

const keyPrefix = "settlement:record:"

// Redis caches settled records by request id.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ settlement.Registry = (*Redis)(nil)

// NewRedis builds a registry whose entries live for ttl.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func key(requestID string) string {
	return keyPrefix + requestID
}

// Lookup returns a cached record. A miss is not an error.
func (r *Redis) Lookup(ctx context.Context, requestID string) (settlement.Record, bool, error) {
	raw, err := r.client.Get(ctx, key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return settlement.Record{}, false, nil
		}
		return settlement.Record{}, false, fmt.Errorf("registry get: %w", err)
	}
	var rec settlement.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return settlement.Record{}, false, fmt.Errorf("registry decode: %w", err)
	}
	return rec, true, nil
}

// Remember caches rec when it can no longer move on its own. Manual review entries are
// overwritten once an operator resolves them.
func (r *Redis) Remember(ctx context.Context, rec settlement.Record) error {
	if !rec.State.Terminal() && rec.State != settlement.StateManualReviewRequired {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry encode: %w", err)
	}
	ttl := r.ttl
	if rec.State == settlement.StateManualReviewRequired && ttl > time.Hour {
		ttl = time.Hour
	}
	if err := r.client.Set(ctx, key(rec.RequestID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("registry set: %w", err)
	}
	return nil
}
