package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/echelon-core/echelon/internal/domain"
)

// BusSource is the slice of the Event Bus the bridge consumes.
type BusSource interface {
	Subscribe(buffer int, kinds ...domain.EventKind) (<-chan domain.Event, func())
}

// alertKinds are the bus events operators are paged about. Everything else
// stays on the dashboard.
var alertKinds = []domain.EventKind{
	domain.EventModeChanged,
	domain.EventFeedDegraded,
	domain.EventParadoxOpened,
	domain.EventTimelineReaped,
}

// Bridge subscribes to the Event Bus and forwards operator-relevant events
// through the Notifier's configured channels.
type Bridge struct {
	bus      BusSource
	notifier *Notifier
	logger   *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(bus BusSource, notifier *Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_bridge")),
	}
}

// Run forwards alerts until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	events, cancel := b.bus.Subscribe(64, alertKinds...)
	defer cancel()

	b.logger.Info("notify bridge started")
	defer b.logger.Info("notify bridge stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			title, message := format(evt)
			if err := b.notifier.Notify(ctx, string(evt.Kind), title, message); err != nil {
				b.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("kind", string(evt.Kind)), slog.String("error", err.Error()))
			}
		}
	}
}

// format renders one event as a short operator alert.
func format(evt domain.Event) (title, message string) {
	switch evt.Kind {
	case domain.EventModeChanged:
		if state, ok := evt.Payload.(domain.ModeState); ok {
			return "Operating mode changed",
				fmt.Sprintf("Now tier %d: %s (confidence %.2f)", state.Tier, state.Reason, state.AggregateConfidence)
		}
	case domain.EventFeedDegraded:
		if fs, ok := evt.Payload.(domain.FeedStatus); ok {
			return "Feed degraded",
				fmt.Sprintf("%s is %s (%d consecutive errors): %s", fs.FeedName, fs.Health, fs.ConsecutiveErrs, fs.LastError)
		}
	case domain.EventTimelineReaped:
		return "Timeline reaped", payloadSummary(evt.Payload)
	case domain.EventParadoxOpened:
		return "Paradox opened", payloadSummary(evt.Payload)
	}
	return string(evt.Kind), payloadSummary(evt.Payload)
}

func payloadSummary(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	if len(data) > 500 {
		data = data[:500]
	}
	return string(data)
}
