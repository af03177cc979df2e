package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

func TestTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, time.Second)
	for i := 0; i < 5; i++ {
		if !tb.TryAcquire() {
			t.Fatalf("token %d should be available from a full bucket", i)
		}
	}
	if tb.TryAcquire() {
		t.Fatal("bucket should be empty after draining capacity")
	}
}

func TestTokenBucketWaitBlocksUntilRefill(t *testing.T) {
	t.Parallel()
	// 1 token capacity refilling at 10/s: the second Wait blocks ~100ms.
	tb := NewTokenBucket(1, 100*time.Millisecond)

	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Errorf("expected ~100ms block, got %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketWaitRespectsCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, time.Hour)
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Fatal("expected context error from empty bucket")
	}
}

// Scenario E, scaled down: with a budget of 10 per 500ms, 15 back-to-back
// blocking acquisitions all succeed, none are lost, and the burst past the
// window is delayed by the refill rate.
func TestLimiterDelaysExcessWithinWindow(t *testing.T) {
	t.Parallel()
	lim := NewLimiter("test", 10, 500*time.Millisecond, nil)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 15; i++ {
		if err := lim.Acquire(ctx, true); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// 10 immediate + 5 paced at 20/s (one per 50ms) ≈ 250ms minimum.
	if elapsed < 200*time.Millisecond {
		t.Errorf("expected the 5 excess requests to be delayed, finished in %v", elapsed)
	}
}

func TestLimiterNonBlockingFailsFast(t *testing.T) {
	t.Parallel()
	lim := NewLimiter("test", 2, time.Hour, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := lim.Acquire(ctx, false); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	err := lim.Acquire(ctx, false)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
