package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

// TokenBucket is a continuous-refill token bucket. Capacity and refill rate
// are derived from a venue's published window limit (e.g. 100 requests per
// 60 seconds refills at 100/60 tokens per second) so sustained throughput
// never exceeds the window while short bursts inside it are allowed.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket sized for `limit` requests per `window`.
func NewTokenBucket(limit int, window time.Duration) *TokenBucket {
	capacity := float64(limit)
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     capacity / window.Seconds(),
		lastTime: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// TryAcquire takes a token without blocking, reporting whether one was
// available.
func (tb *TokenBucket) TryAcquire() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refillLocked(time.Now())
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Limiter gates a venue's outbound requests. The local token bucket is
// always consulted; when a distributed limiter is configured (multi-process
// deployments sharing one venue budget), it is checked as well so the
// fleet-wide window holds, not just the per-process one.
type Limiter struct {
	bucket      *TokenBucket
	distributed domain.RateLimiter // optional
	key         string
	limit       int
	window      time.Duration
}

// NewLimiter builds a Limiter for `limit` requests per `window`.
// distributed may be nil.
func NewLimiter(key string, limit int, window time.Duration, distributed domain.RateLimiter) *Limiter {
	return &Limiter{
		bucket:      NewTokenBucket(limit, window),
		distributed: distributed,
		key:         key,
		limit:       limit,
		window:      window,
	}
}

// Acquire takes one request slot. With blocking=false a saturated budget
// returns ErrRateLimited immediately; otherwise the caller cooperatively
// waits for the next token.
func (l *Limiter) Acquire(ctx context.Context, blocking bool) error {
	if blocking {
		if err := l.bucket.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter %s: %w", l.key, domain.ErrCancelled)
		}
	} else if !l.bucket.TryAcquire() {
		return fmt.Errorf("rate limiter %s: %w", l.key, domain.ErrRateLimited)
	}

	if l.distributed == nil {
		return nil
	}
	allowed, err := l.distributed.Allow(ctx, l.key, l.limit, l.window)
	if err != nil {
		// Redis trouble must not stall trading: the local bucket alone still
		// bounds this process, so degrade to it.
		return nil
	}
	if allowed {
		return nil
	}
	if !blocking {
		return fmt.Errorf("rate limiter %s: %w", l.key, domain.ErrRateLimited)
	}
	if err := l.distributed.Wait(ctx, l.key); err != nil {
		return fmt.Errorf("rate limiter %s: %w", l.key, domain.ErrCancelled)
	}
	return nil
}
