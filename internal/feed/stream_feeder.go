// Package feed bridges the platform adapter's streaming channels into the
// signal pipeline: every live book or trade update from an external venue
// becomes a market-data signal the agents and the paradox detector can see
// within one tick, without waiting for the next REST poll.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/pipeline"
	"github.com/echelon-core/echelon/internal/platform"
	"github.com/echelon-core/echelon/internal/signal"
)

// Streamer is the slice of the platform adapter the feeder runs.
type Streamer interface {
	Stream(ctx context.Context, venue platform.VenueName, handlers map[string]platform.StreamHandler) error
}

// StreamFeeder runs one venue's multiplexed stream and writes each update
// through the deduplicating signal store. Feed health is touched on every
// delivered update, so a silent stream degrades visibly through staleness.
type StreamFeeder struct {
	venue    platform.VenueName
	symbols  []string
	streamer Streamer
	store    *signal.Store
	events   pipeline.EventSink
	logger   *slog.Logger
}

// NewStreamFeeder creates a feeder for the given venue and symbol set.
// events may be nil.
func NewStreamFeeder(venue platform.VenueName, symbols []string, streamer Streamer, store *signal.Store, events pipeline.EventSink, logger *slog.Logger) *StreamFeeder {
	return &StreamFeeder{
		venue:    venue,
		symbols:  symbols,
		streamer: streamer,
		store:    store,
		events:   events,
		logger:   logger.With(slog.String("component", "stream_feeder"), slog.String("venue", string(venue))),
	}
}

// FeedName is the FeedStatus key this feeder reports under.
func (f *StreamFeeder) FeedName() string {
	return "stream:" + string(f.venue)
}

// Run registers the feed, then blocks inside the venue stream until ctx is
// cancelled. Reconnection is the venue client's concern; this layer only
// translates updates.
func (f *StreamFeeder) Run(ctx context.Context) error {
	if err := f.store.RegisterFeed(ctx, f.FeedName(), "market_data", false, 1); err != nil {
		f.logger.Warn("feed registration failed", slog.String("error", err.Error()))
	}

	handlers := make(map[string]platform.StreamHandler, len(f.symbols))
	for _, sym := range f.symbols {
		sym := sym
		handlers[sym] = func(u platform.StreamUpdate) {
			f.handleUpdate(ctx, sym, u)
		}
	}

	f.logger.Info("stream feeder started", slog.Int("symbols", len(f.symbols)))
	defer f.logger.Info("stream feeder stopped")
	return f.streamer.Stream(ctx, f.venue, handlers)
}

// streamObservation is the normalized signal payload for one update.
type streamObservation struct {
	Venue  string `json:"venue"`
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Seq    string `json:"seq"`
}

func (f *StreamFeeder) handleUpdate(ctx context.Context, symbol string, u platform.StreamUpdate) {
	now := u.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	obs := streamObservation{
		Venue:  string(f.venue),
		Symbol: symbol,
		Kind:   u.Kind,
		Seq:    strconv.FormatInt(now.UnixNano(), 10),
	}
	payload, err := json.Marshal(obs)
	if err != nil {
		return
	}

	sig := domain.Signal{
		ID:         pipeline.SignalID(f.FeedName(), append(payload, u.Payload...)),
		SourceTag:  f.FeedName(),
		Topic:      symbol,
		Confidence: confidenceOf(u),
		Tier:       domain.SignalTierStandard,
		Payload:    u.Payload,
		Timestamp:  now,
	}

	result, err := f.store.Ingest(ctx, sig)
	if err != nil {
		f.logger.Warn("stream ingest failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
		_ = f.store.Touch(ctx, f.FeedName(), false, now, err.Error())
		return
	}
	_ = f.store.Touch(ctx, f.FeedName(), true, now, "")

	if result == signal.Inserted && f.events != nil {
		f.events.Publish(ctx, string(domain.EventSignalIngested), sig)
	}
}

// confidenceOf extracts an implied probability from the venue-native
// payload when one is present, defaulting to the uninformative prior.
func confidenceOf(u platform.StreamUpdate) float64 {
	var probe struct {
		Price string `json:"price"`
		Mid   string `json:"mid"`
	}
	if err := json.Unmarshal(u.Payload, &probe); err == nil {
		for _, raw := range []string{probe.Price, probe.Mid} {
			if raw == "" {
				continue
			}
			if p, err := strconv.ParseFloat(raw, 64); err == nil && p > 0 && p < 1 {
				return p
			}
		}
	}
	return 0.5
}
