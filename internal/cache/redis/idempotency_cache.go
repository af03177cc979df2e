package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
	"github.com/redis/go-redis/v9"
)

// IdempotencyCache implements domain.IdempotencyCache, fronting
// IdempotencyStore so a replayed key short-circuits before touching
// Postgres.
type IdempotencyCache struct {
	rdb *redis.Client
}

// NewIdempotencyCache creates an IdempotencyCache backed by the given Client.
func NewIdempotencyCache(c *Client) *IdempotencyCache {
	return &IdempotencyCache{rdb: c.Underlying()}
}

func idempotencyKey(key string) string {
	return "idem:" + key
}

// SetIfAbsent records resultRef for key only if key has not been seen
// before, returning stored=false when a prior value already exists so the
// caller knows to return that result instead of reprocessing.
func (ic *IdempotencyCache) SetIfAbsent(ctx context.Context, key string, resultRef string, ttl time.Duration) (bool, error) {
	stored, err := ic.rdb.SetNX(ctx, idempotencyKey(key), resultRef, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: set idempotency key %s: %w", key, err)
	}
	return stored, nil
}

// Get retrieves the result reference previously recorded for key, if any.
func (ic *IdempotencyCache) Get(ctx context.Context, key string) (string, bool, error) {
	resultRef, err := ic.rdb.Get(ctx, idempotencyKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis: get idempotency key %s: %w", key, err)
	}
	return resultRef, true, nil
}

// Compile-time interface check.
var _ domain.IdempotencyCache = (*IdempotencyCache)(nil)
