package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeFeedStore struct {
	rows map[string]domain.FeedStatus
}

func newFakeFeedStore() *fakeFeedStore {
	return &fakeFeedStore{rows: map[string]domain.FeedStatus{}}
}

func (f *fakeFeedStore) Upsert(ctx context.Context, s domain.FeedStatus) error {
	f.rows[s.FeedName] = s
	return nil
}

func (f *fakeFeedStore) Get(ctx context.Context, name string) (domain.FeedStatus, error) {
	s, ok := f.rows[name]
	if !ok {
		return domain.FeedStatus{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeFeedStore) List(ctx context.Context) ([]domain.FeedStatus, error) {
	out := make([]domain.FeedStatus, 0, len(f.rows))
	for _, s := range f.rows {
		out = append(out, s)
	}
	return out, nil
}

type fakeModeStore struct {
	state domain.ModeState
	set   bool
}

func (f *fakeModeStore) Get(ctx context.Context) (domain.ModeState, error) {
	if !f.set {
		return domain.ModeState{Tier: domain.ModeDeterministic, AggregateConfidence: 1}, nil
	}
	return f.state, nil
}

func (f *fakeModeStore) Set(ctx context.Context, s domain.ModeState) error {
	f.state = s
	f.set = true
	return nil
}

type fakeVRF struct{ available bool }

func (f fakeVRF) VRFAvailable() bool { return f.available }

func healthyFeed(name, category string, critical bool, now time.Time) domain.FeedStatus {
	return domain.FeedStatus{
		FeedName:      name,
		Category:      category,
		Critical:      critical,
		Weight:        1,
		Confidence:    1,
		Health:        domain.FeedHealthy,
		LastSuccessAt: now,
	}
}

func newTestSupervisor(clk *clock.Deterministic) (*Supervisor, *fakeFeedStore, *Bus) {
	feeds := newFakeFeedStore()
	bus := NewBus(nil, 10*time.Millisecond, discardLogger())
	sup := NewSupervisor(DefaultSupervisorConfig(), feeds, &fakeModeStore{}, fakeVRF{available: true}, bus, clk, discardLogger())
	return sup, feeds, bus
}

// Scenario F: a critical feed absent past the threshold drops the system to
// tier 2 immediately, with FeedDegraded preceding ModeChanged.
func TestCriticalFeedAbsenceForcesTier2(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewDeterministic(start)
	sup, feeds, bus := newTestSupervisor(clk)
	ctx := context.Background()

	events, cancel := bus.Subscribe(16, domain.EventFeedDegraded, domain.EventModeChanged)
	defer cancel()

	feeds.rows["market_data"] = healthyFeed("market_data", "market_data", true, start)
	feeds.rows["osint_news"] = healthyFeed("osint_news", "osint", false, start)

	if state, _ := sup.Evaluate(ctx); state.Tier != domain.ModeDeterministic {
		t.Fatalf("expected tier 0 with fresh feeds, got %d", state.Tier)
	}

	// Suspend the critical market-data feed for 11 minutes; keep the OSINT
	// feed alive so only the critical-absence rule can fire.
	clk.Advance(11 * time.Minute)
	osint := feeds.rows["osint_news"]
	osint.LastSuccessAt = clk.Now()
	feeds.rows["osint_news"] = osint

	state, err := sup.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if state.Tier != domain.ModeConservative {
		t.Fatalf("expected tier 2 after critical feed absence, got %d", state.Tier)
	}
	if !state.Restrictions.Has(domain.RestrictSabotage) {
		t.Fatal("tier 2 must disable sabotage")
	}
	if !state.Restrictions.Has(domain.RestrictHalvePositionSize) {
		t.Fatal("tier 2 must halve position size")
	}

	var sawDegraded, sawModeChanged bool
	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			switch evt.Kind {
			case domain.EventFeedDegraded:
				sawDegraded = true
			case domain.EventModeChanged:
				if !sawDegraded {
					t.Fatal("ModeChanged arrived before FeedDegraded")
				}
				sawModeChanged = true
			}
		default:
			t.Fatalf("expected 2 events, got %d", i)
		}
	}
	if !sawModeChanged {
		t.Fatal("expected a ModeChanged event")
	}
}

// A single stale feed (non-critical) degrades tier 0 to tier 1 but not 2.
func TestStaleFeedDegradesToTier1(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewDeterministic(start)
	sup, feeds, _ := newTestSupervisor(clk)
	ctx := context.Background()

	feeds.rows["osint_news"] = healthyFeed("osint_news", "osint", false, start)
	feeds.rows["market_data"] = healthyFeed("market_data", "market_data", true, start)
	if state, _ := sup.Evaluate(ctx); state.Tier != domain.ModeDeterministic {
		t.Fatalf("expected tier 0, got %d", state.Tier)
	}

	clk.Advance(6 * time.Minute)
	md := feeds.rows["market_data"]
	md.LastSuccessAt = clk.Now()
	feeds.rows["market_data"] = md

	state, _ := sup.Evaluate(ctx)
	if state.Tier != domain.ModeEvidence {
		t.Fatalf("expected tier 1 after 6m staleness, got %d", state.Tier)
	}
	if !state.Restrictions.Has(domain.RestrictDisputeWindow) {
		t.Fatal("tier 1 must enable the dispute window")
	}
}

// Hysteresis: recovery from tier 1 requires the recovered condition to hold for the
// full 30-minute dwell; an interruption resets the clock.
func TestRecoveryDwellResetOnInterruption(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewDeterministic(start)
	sup, feeds, _ := newTestSupervisor(clk)
	ctx := context.Background()

	refresh := func() {
		for name, fs := range feeds.rows {
			fs.LastSuccessAt = clk.Now()
			fs.Confidence = 1
			fs.Health = domain.FeedHealthy
			feeds.rows[name] = fs
		}
	}

	feeds.rows["osint_news"] = healthyFeed("osint_news", "osint", false, start)
	sup.Evaluate(ctx)

	// Degrade to tier 1 via staleness.
	clk.Advance(6 * time.Minute)
	state, _ := sup.Evaluate(ctx)
	if state.Tier != domain.ModeEvidence {
		t.Fatalf("expected tier 1, got %d", state.Tier)
	}

	// 20 minutes of health: not enough dwell yet.
	refresh()
	sup.Evaluate(ctx)
	clk.Advance(20 * time.Minute)
	refresh()
	if state, _ = sup.Evaluate(ctx); state.Tier != domain.ModeEvidence {
		t.Fatalf("expected still tier 1 at 20m dwell, got %d", state.Tier)
	}

	// Interruption: confidence collapses for one check, clearing the dwell.
	bad := feeds.rows["osint_news"]
	bad.Confidence = 0.2
	feeds.rows["osint_news"] = bad
	clk.Advance(time.Minute)
	sup.Evaluate(ctx)

	// Another 20 minutes of health: the dwell restarted, so still tier 1.
	refresh()
	sup.Evaluate(ctx)
	clk.Advance(20 * time.Minute)
	refresh()
	if state, _ = sup.Evaluate(ctx); state.Tier != domain.ModeEvidence {
		t.Fatalf("expected tier 1 after interrupted dwell, got %d", state.Tier)
	}

	// A full uninterrupted 30 minutes recovers to tier 0.
	clk.Advance(11 * time.Minute)
	refresh()
	if state, _ = sup.Evaluate(ctx); state.Tier != domain.ModeDeterministic {
		t.Fatalf("expected tier 0 after full dwell, got %d", state.Tier)
	}
}

// With no VRF seed ever consumed, tier 0 is unreachable.
func TestVRFUnavailableCapsAtTier1(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewDeterministic(start)
	feeds := newFakeFeedStore()
	sup := NewSupervisor(DefaultSupervisorConfig(), feeds, &fakeModeStore{}, fakeVRF{available: false}, nil, clk, discardLogger())
	ctx := context.Background()

	feeds.rows["osint_news"] = healthyFeed("osint_news", "osint", false, start)

	state, _ := sup.Evaluate(ctx)
	if state.Tier != domain.ModeEvidence {
		t.Fatalf("expected tier 1 without VRF, got %d", state.Tier)
	}
}

// Two simultaneously unavailable feed categories force tier 2 even when
// aggregate confidence has not yet collapsed.
func TestTwoCategoriesDownForcesTier2(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewDeterministic(start)
	sup, feeds, _ := newTestSupervisor(clk)
	ctx := context.Background()

	feeds.rows["osint_news"] = healthyFeed("osint_news", "osint", false, start)
	feeds.rows["social"] = healthyFeed("social", "social", false, start)
	feeds.rows["market_data"] = healthyFeed("market_data", "market_data", false, start)
	sup.Evaluate(ctx)

	down := func(name string) {
		fs := feeds.rows[name]
		fs.Health = domain.FeedDown
		fs.Confidence = 0.9
		feeds.rows[name] = fs
	}
	down("osint_news")
	down("social")
	md := feeds.rows["market_data"]
	md.LastSuccessAt = clk.Now()
	feeds.rows["market_data"] = md

	state, _ := sup.Evaluate(ctx)
	if state.Tier != domain.ModeConservative {
		t.Fatalf("expected tier 2 with two categories down, got %d", state.Tier)
	}
}
