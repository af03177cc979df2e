// Package orchestrator contains the Event Orchestration Core's top level:
// the in-process Event Bus, the Mode Supervisor, and the Orchestrator state
// machine that ties the signal pipeline, market engine, timeline registry,
// agent scheduler, and platform adapter together.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

// defaultSubscriberBuffer is the per-subscriber bounded queue depth when the
// subscriber does not ask for a specific one.
const defaultSubscriberBuffer = 256

// Bus fans typed events out to N subscribers, each behind its own bounded
// queue. Publishers never block longer than the configured grace: a
// subscriber whose queue stays full past it is dropped, the same policy the
// WebSocket hub applies to slow clients. When an external domain.EventBus is
// attached, every event is mirrored to Redis pub/sub (for edge processes)
// and appended to a durable stream (for the exporter's replay).
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int

	publishGrace time.Duration
	external     domain.EventBus
	logger       *slog.Logger
}

type subscriber struct {
	id    int
	kinds map[domain.EventKind]bool // nil means all kinds
	ch    chan domain.Event
}

// NewBus creates a Bus. external may be nil (no Redis mirroring, used in
// tests and single-process deployments where the edge shares the process).
// publishGrace bounds how long a publisher waits on one full subscriber
// queue before dropping that subscriber.
func NewBus(external domain.EventBus, publishGrace time.Duration, logger *slog.Logger) *Bus {
	if publishGrace <= 0 {
		publishGrace = 50 * time.Millisecond
	}
	return &Bus{
		subs:         make(map[int]*subscriber),
		publishGrace: publishGrace,
		external:     external,
		logger:       logger.With(slog.String("component", "event_bus")),
	}
}

// Subscribe registers a bounded-queue subscriber for the given kinds (none
// means every kind). The returned cancel func unregisters and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int, kinds ...domain.EventKind) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	var kindSet map[domain.EventKind]bool
	if len(kinds) > 0 {
		kindSet = make(map[domain.EventKind]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, kinds: kindSet, ch: make(chan domain.Event, buffer)}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.drop(sub.id, "unsubscribed") })
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. A subscriber whose
// queue remains full past the publish grace is dropped so one stalled
// consumer cannot stall the bus.
func (b *Bus) Publish(ctx context.Context, kind string, payload any) {
	evt := domain.Event{Kind: domain.EventKind(kind), Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.kinds == nil || sub.kinds[evt.Kind] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		default:
			// Queue full; give the subscriber one bounded grace period.
			timer := time.NewTimer(b.publishGrace)
			select {
			case sub.ch <- evt:
				timer.Stop()
			case <-timer.C:
				b.drop(sub.id, "backlog")
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}

	b.mirror(ctx, evt)
}

// mirror republishes the event onto Redis for out-of-process consumers:
// pub/sub channel per kind for the edge, plus one durable stream the
// exporter reads in order.
func (b *Bus) mirror(ctx context.Context, evt domain.Event) {
	if b.external == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.WarnContext(ctx, "event marshal failed", slog.String("kind", string(evt.Kind)), slog.String("error", err.Error()))
		return
	}
	if err := b.external.Publish(ctx, "events:"+string(evt.Kind), data); err != nil {
		b.logger.WarnContext(ctx, "event mirror publish failed", slog.String("kind", string(evt.Kind)), slog.String("error", err.Error()))
	}
	if err := b.external.StreamAppend(ctx, "events:stream", data); err != nil {
		b.logger.WarnContext(ctx, "event mirror stream append failed", slog.String("kind", string(evt.Kind)), slog.String("error", err.Error()))
	}
}

func (b *Bus) drop(id int, reason string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	if ok && reason != "unsubscribed" {
		b.logger.Warn("dropped slow subscriber", slog.Int("subscriber_id", id), slog.String("reason", reason))
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}
