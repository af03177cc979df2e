package paradox

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeTimelineStore struct {
	rows map[string]domain.Timeline
}

func (f *fakeTimelineStore) Create(ctx context.Context, t domain.Timeline) error { return nil }
func (f *fakeTimelineStore) Update(ctx context.Context, t domain.Timeline) error {
	f.rows[t.ID] = t
	return nil
}
func (f *fakeTimelineStore) GetByID(ctx context.Context, id string) (domain.Timeline, error) {
	t, ok := f.rows[id]
	if !ok {
		return domain.Timeline{}, domain.ErrNotFound
	}
	return t, nil
}
func (f *fakeTimelineStore) ListChildren(ctx context.Context, parentID string) ([]domain.Timeline, error) {
	return nil, nil
}
func (f *fakeTimelineStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Timeline, error) {
	var out []domain.Timeline
	for _, t := range f.rows {
		if t.Status == domain.TimelineStatusActive {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTimelineStore) Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error) {
	return nil, nil
}

type fakeMarketStore struct {
	open []domain.Market
}

func (f *fakeMarketStore) Create(ctx context.Context, m domain.Market) error { return nil }
func (f *fakeMarketStore) Update(ctx context.Context, m domain.Market) error { return nil }
func (f *fakeMarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
func (f *fakeMarketStore) ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error) {
	return f.open, nil
}
func (f *fakeMarketStore) ListOpen(ctx context.Context, timelineID string) ([]domain.Market, error) {
	return f.open, nil
}
func (f *fakeMarketStore) Count(ctx context.Context) (int64, error) { return 0, nil }

type fakeSignalView struct {
	window domain.RecencyWindow
}

func (f *fakeSignalView) Window(ctx context.Context, topic string, lookback time.Duration) (domain.RecencyWindow, error) {
	return f.window, nil
}

type fakeReaper struct {
	reaped []string
}

func (f *fakeReaper) Reap(ctx context.Context, timelineID, reason string) error {
	f.reaped = append(f.reaped, timelineID)
	return nil
}

type capturingSink struct {
	events []string
}

func (c *capturingSink) Publish(ctx context.Context, kind string, payload any) {
	c.events = append(c.events, kind)
}

func gapMarket(yes, no int64) domain.Market {
	return domain.Market{
		ID:       "m-1",
		Question: "topic-a: something happens",
		Outcomes: []string{"YES", "NO"},
		Reserves: []decimal.Decimal{decimal.NewFromInt(yes), decimal.NewFromInt(no)},
		Status:   domain.MarketStatusOpen,
	}
}

func newTestDetector(markets *fakeMarketStore, prior float64, reaper Reaper, sink EventSink) (*Detector, *fakeTimelineStore, *clock.Deterministic) {
	clk := clock.NewDeterministic(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tls := &fakeTimelineStore{rows: map[string]domain.Timeline{
		"tl-1": {ID: "tl-1", Status: domain.TimelineStatusActive, Stability: 1, CapitalMode: domain.CapitalModeSimulated},
	}}
	det := NewDetector(DefaultConfig(), tls, markets, &fakeSignalView{window: domain.RecencyWindow{Count: 5, MeanConfidence: prior}},
		reaper, clk, sink, discardLogger())
	return det, tls, clk
}

// Implied YES at 0.8 against a prior of 0.3 opens a paradox; pulling the
// prior back to 0.75 resolves it.
func TestParadoxOpensAndResolves(t *testing.T) {
	// Reserves (200, 800): implied YES = 800/1000 = 0.8.
	markets := &fakeMarketStore{open: []domain.Market{gapMarket(200, 800)}}
	sink := &capturingSink{}
	det, _, _ := newTestDetector(markets, 0.3, nil, sink)
	ctx := context.Background()

	if err := det.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := len(det.OpenParadoxes()); got != 1 {
		t.Fatalf("expected 1 open paradox, got %d", got)
	}
	if len(sink.events) != 1 || sink.events[0] != string(domain.EventParadoxOpened) {
		t.Fatalf("expected ParadoxOpened, got %v", sink.events)
	}

	// Second sweep with the same gap: still one paradox, no duplicate event.
	if err := det.Sweep(ctx); err != nil {
		t.Fatalf("sweep 2: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected no duplicate open event, got %v", sink.events)
	}

	// Prior catches up: gap closes and the paradox resolves.
	det.signals = &fakeSignalView{window: domain.RecencyWindow{Count: 5, MeanConfidence: 0.75}}
	if err := det.Sweep(ctx); err != nil {
		t.Fatalf("sweep 3: %v", err)
	}
	if got := len(det.OpenParadoxes()); got != 0 {
		t.Fatalf("expected paradox resolved, %d still open", got)
	}
	if sink.events[len(sink.events)-1] != string(domain.EventParadoxResolved) {
		t.Fatalf("expected ParadoxResolved last, got %v", sink.events)
	}
}

// Open paradoxes decay a timeline's stability; collapse triggers a reap.
func TestStabilityCollapseReapsTimeline(t *testing.T) {
	markets := &fakeMarketStore{open: []domain.Market{gapMarket(200, 800)}}
	reaper := &fakeReaper{}
	det, tls, _ := newTestDetector(markets, 0.3, reaper, nil)
	det.cfg.StabilityDecayPerGap = 0.3
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := det.Sweep(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	tl := tls.rows["tl-1"]
	if tl.Stability >= det.cfg.ReapBelow {
		t.Fatalf("expected stability below %.2f, got %.2f", det.cfg.ReapBelow, tl.Stability)
	}
	if len(reaper.reaped) == 0 || reaper.reaped[0] != "tl-1" {
		t.Fatalf("expected tl-1 reaped, got %v", reaper.reaped)
	}
	if tl.LogicGap < 0.4 {
		t.Fatalf("expected logic gap recorded, got %.2f", tl.LogicGap)
	}
}

// A healthy timeline's stability recovers toward 1 with nothing open.
func TestStabilityRecoversWithoutParadoxes(t *testing.T) {
	markets := &fakeMarketStore{open: []domain.Market{gapMarket(500, 500)}}
	det, tls, _ := newTestDetector(markets, 0.5, nil, nil)
	tls.rows["tl-1"] = domain.Timeline{
		ID: "tl-1", Status: domain.TimelineStatusActive, Stability: 0.5, CapitalMode: domain.CapitalModeSimulated,
	}
	ctx := context.Background()

	if err := det.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := tls.rows["tl-1"].Stability; got <= 0.5 {
		t.Fatalf("expected stability recovery above 0.5, got %.3f", got)
	}
}
