package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

func TestBusFansOutToMatchingSubscribers(t *testing.T) {
	bus := NewBus(nil, 10*time.Millisecond, discardLogger())
	ctx := context.Background()

	all, cancelAll := bus.Subscribe(4)
	defer cancelAll()
	tradesOnly, cancelTrades := bus.Subscribe(4, domain.EventTradeExecuted)
	defer cancelTrades()

	bus.Publish(ctx, string(domain.EventTradeExecuted), "t-1")
	bus.Publish(ctx, string(domain.EventSignalIngested), "s-1")

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber expected 2 events, got %d", got)
	}
	if got := len(tradesOnly); got != 1 {
		t.Fatalf("filtered subscriber expected 1 event, got %d", got)
	}
	evt := <-tradesOnly
	if evt.Kind != domain.EventTradeExecuted || evt.Payload != "t-1" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

// Backpressure: a subscriber that stops draining is dropped after the
// publish grace instead of blocking the publisher.
func TestBusDropsSlowSubscriber(t *testing.T) {
	bus := NewBus(nil, 5*time.Millisecond, discardLogger())
	ctx := context.Background()

	slow, cancel := bus.Subscribe(1)
	defer cancel()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	done := make(chan struct{})
	go func() {
		bus.Publish(ctx, string(domain.EventSignalIngested), 1) // fills the buffer
		bus.Publish(ctx, string(domain.EventSignalIngested), 2) // overflows; subscriber dropped
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected slow subscriber dropped, still have %d", bus.SubscriberCount())
	}

	// The channel was closed on drop; the buffered event is still readable.
	if evt, ok := <-slow; !ok || evt.Payload != 1 {
		t.Fatalf("expected buffered event then close, got %+v ok=%v", evt, ok)
	}
	if _, ok := <-slow; ok {
		t.Fatal("expected closed channel after drop")
	}
}

func TestBusUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(nil, 10*time.Millisecond, discardLogger())

	_, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}
