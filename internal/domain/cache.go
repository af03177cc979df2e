package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market state lookups, fronting MarketStore for
// the hot path of quote/execute calls.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RecencyIndex provides a bounded sliding view over recent signals per
// topic, used by agents to gauge corroboration without a full store query.
type RecencyIndex interface {
	Record(ctx context.Context, sig Signal) error
	Window(ctx context.Context, topic string, lookback time.Duration) (RecencyWindow, error)
}

// RateLimiter provides distributed rate limiting shared across process
// instances (the platform adapter's call budget to Polymarket/Kalshi).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed mutual exclusion, used to serialize
// writes to a single market's reserves across process instances.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// IdempotencyCache is the fast, TTL-bound front for IdempotencyStore: a
// replayed idempotency key found here short-circuits before touching
// Postgres.
type IdempotencyCache interface {
	SetIfAbsent(ctx context.Context, key string, resultRef string, ttl time.Duration) (stored bool, err error)
	Get(ctx context.Context, key string) (resultRef string, found bool, err error)
}

// StreamMessage represents a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub for live event fan-out and a durable stream for
// replay-on-reconnect, backing the orchestrator's Event Bus.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
