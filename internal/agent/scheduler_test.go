package agent

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/market"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeAgentStore struct {
	byID map[string]domain.Agent
}

func newFakeAgentStore(agents ...domain.Agent) *fakeAgentStore {
	s := &fakeAgentStore{byID: map[string]domain.Agent{}}
	for _, a := range agents {
		s.byID[a.ID] = a
	}
	return s
}

func (f *fakeAgentStore) Create(ctx context.Context, a domain.Agent) error {
	f.byID[a.ID] = a
	return nil
}
func (f *fakeAgentStore) Update(ctx context.Context, a domain.Agent) error {
	f.byID[a.ID] = a
	return nil
}
func (f *fakeAgentStore) GetByID(ctx context.Context, id string) (domain.Agent, error) {
	a, ok := f.byID[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return a, nil
}
func (f *fakeAgentStore) ListActiveByTimeline(ctx context.Context, timelineID string) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range f.byID {
		if a.TimelineID == timelineID && !a.Retired {
			out = append(out, a)
		}
	}
	return out, nil
}
func (f *fakeAgentStore) ListRetiredBefore(ctx context.Context, before time.Time) ([]domain.Agent, error) {
	return nil, nil
}

type fakeRelationStore struct {
	rows []domain.AgentRelation
}

func (f *fakeRelationStore) Create(ctx context.Context, r domain.AgentRelation) error {
	f.rows = append(f.rows, r)
	return nil
}
func (f *fakeRelationStore) ListDescendants(ctx context.Context, parentID string) ([]domain.AgentRelation, error) {
	return nil, nil
}
func (f *fakeRelationStore) ListAncestors(ctx context.Context, childID string) ([]domain.AgentRelation, error) {
	return nil, nil
}

type fakeTimelineStore struct {
	rows []domain.Timeline
}

func (f *fakeTimelineStore) Create(ctx context.Context, t domain.Timeline) error { return nil }
func (f *fakeTimelineStore) Update(ctx context.Context, t domain.Timeline) error { return nil }
func (f *fakeTimelineStore) GetByID(ctx context.Context, id string) (domain.Timeline, error) {
	for _, t := range f.rows {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Timeline{}, domain.ErrNotFound
}
func (f *fakeTimelineStore) ListChildren(ctx context.Context, parentID string) ([]domain.Timeline, error) {
	return nil, nil
}
func (f *fakeTimelineStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Timeline, error) {
	return f.rows, nil
}
func (f *fakeTimelineStore) Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error) {
	return nil, nil
}

type fakeSchedMarketStore struct {
	open []domain.Market
}

func (f *fakeSchedMarketStore) Create(ctx context.Context, m domain.Market) error { return nil }
func (f *fakeSchedMarketStore) Update(ctx context.Context, m domain.Market) error { return nil }
func (f *fakeSchedMarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
func (f *fakeSchedMarketStore) ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error) {
	return f.open, nil
}
func (f *fakeSchedMarketStore) ListOpen(ctx context.Context, timelineID string) ([]domain.Market, error) {
	return f.open, nil
}
func (f *fakeSchedMarketStore) Count(ctx context.Context) (int64, error) { return 0, nil }

type fakeSchedPositionStore struct {
	history []domain.Position
}

func (f *fakeSchedPositionStore) Upsert(ctx context.Context, p domain.Position) error { return nil }
func (f *fakeSchedPositionStore) Close(ctx context.Context, id string, settledPrice float64) error {
	return nil
}
func (f *fakeSchedPositionStore) GetOpen(ctx context.Context, ownerRef string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakeSchedPositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakeSchedPositionStore) GetByMarketAndOwner(ctx context.Context, marketID, ownerRef string, outcomeIdx int) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakeSchedPositionStore) ListHistory(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Position, error) {
	return f.history, nil
}
func (f *fakeSchedPositionStore) ListOpenByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	return nil, nil
}

type fakeSignalView struct {
	signals []domain.Signal
	window  domain.RecencyWindow
	windows map[time.Duration]domain.RecencyWindow
}

func (f *fakeSignalView) Query(ctx context.Context, topic string, sinceTS time.Time, limit int) ([]domain.Signal, error) {
	return f.signals, nil
}
func (f *fakeSignalView) Window(ctx context.Context, topic string, lookback time.Duration) (domain.RecencyWindow, error) {
	if f.windows != nil {
		if w, ok := f.windows[lookback]; ok {
			return w, nil
		}
	}
	return f.window, nil
}

type fakeRouter struct {
	sabotageAllowed bool
	executed        []market.ExecuteRequest
	quoted          int
}

func (f *fakeRouter) Quote(ctx context.Context, marketID string, outcomeIdx int, quoteAmount decimal.Decimal, side domain.OrderSide) (domain.Quote, error) {
	f.quoted++
	return domain.Quote{MarketID: marketID, OutcomeIdx: outcomeIdx, QuoteAmount: quoteAmount}, nil
}
func (f *fakeRouter) Execute(ctx context.Context, req market.ExecuteRequest) (domain.Trade, error) {
	f.executed = append(f.executed, req)
	return domain.Trade{ID: "trade-" + req.MarketID, MarketID: req.MarketID, OwnerRef: req.OwnerRef}, nil
}
func (f *fakeRouter) EffectiveMaxPositionUSD() float64 { return 10_000 }
func (f *fakeRouter) SabotageAllowed() bool            { return f.sabotageAllowed }

func binaryMarket(id string, yes, no int64) domain.Market {
	return domain.Market{
		ID:       id,
		Question: "topic-a: outcome",
		Outcomes: []string{"YES", "NO"},
		Reserves: []decimal.Decimal{decimal.NewFromInt(yes), decimal.NewFromInt(no)},
		Status:   domain.MarketStatusOpen,
	}
}

func testAgent(id string, archetype domain.Archetype) domain.Agent {
	return domain.Agent{
		ID:              id,
		TimelineID:      "tl-1",
		Archetype:       archetype,
		Traits:          domain.Traits{Aggression: 0.5, SignalTrust: 0.5},
		Sanity:          1,
		BudgetRemaining: 1000,
	}
}

func newTestScheduler(clk clock.Clock, agents *fakeAgentStore, signals SignalView, router TradeRouter) *Scheduler {
	tls := &fakeTimelineStore{rows: []domain.Timeline{{
		ID: "tl-1", Status: domain.TimelineStatusActive, CapitalMode: domain.CapitalModeSimulated,
	}}}
	markets := &fakeSchedMarketStore{open: []domain.Market{binaryMarket("m-1", 400, 600)}}
	cfg := DefaultConfig()
	cfg.Cooldowns = map[domain.Archetype]time.Duration{} // cooldowns off unless a test sets them
	return NewScheduler(cfg, DefaultRegistry(), agents, &fakeRelationStore{}, markets, tls,
		&fakeSchedPositionStore{}, signals, router, nil, nil,
		clock.NewRandomness(42), clk, nil, discardLogger())
}

// A diplomat sees YES implied at 0.6 against a prior of 0.3 and trades the
// overpriced side back toward evidence.
func TestDiplomatTradesAgainstDeviation(t *testing.T) {
	clk := clock.NewDeterministic(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	agents := newFakeAgentStore(testAgent("a-dip", domain.ArchetypeDiplomat))
	signals := &fakeSignalView{window: domain.RecencyWindow{Count: 5, MeanConfidence: 0.3}}
	router := &fakeRouter{sabotageAllowed: true}
	sched := newTestScheduler(clk, agents, signals, router)

	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(router.executed) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(router.executed))
	}
	if router.executed[0].OutcomeIdx != 1 {
		t.Fatalf("expected NO buy against overpriced YES, got outcome %d", router.executed[0].OutcomeIdx)
	}
	if router.quoted != 1 {
		t.Fatalf("expected quote before execute, quoted=%d", router.quoted)
	}
}

// Scenario F tail: when the supervisor bans sabotage, a saboteur's decision
// is rejected before any quote or execute happens.
func TestSabotageRejectedUnderRestriction(t *testing.T) {
	clk := clock.NewDeterministic(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	agents := newFakeAgentStore(testAgent("a-sab", domain.ArchetypeSaboteur))
	signals := &fakeSignalView{window: domain.RecencyWindow{Count: 5, MeanConfidence: 0.3}}
	router := &fakeRouter{sabotageAllowed: false}
	sched := newTestScheduler(clk, agents, signals, router)

	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(router.executed) != 0 || router.quoted != 0 {
		t.Fatalf("sabotage must not reach the engine: executed=%d quoted=%d", len(router.executed), router.quoted)
	}
}

// The per-agent hourly sabotage cap is enforced monotonically.
func TestSabotageHourlyCap(t *testing.T) {
	clk := clock.NewDeterministic(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	agents := newFakeAgentStore(testAgent("a-sab", domain.ArchetypeSaboteur))
	signals := &fakeSignalView{window: domain.RecencyWindow{Count: 5, MeanConfidence: 0.3}}
	router := &fakeRouter{sabotageAllowed: true}
	sched := newTestScheduler(clk, agents, signals, router)
	sched.cfg.SabotageCapPerHour = 2

	for i := 0; i < 5; i++ {
		if err := sched.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		clk.Advance(time.Minute)
	}
	if len(router.executed) != 2 {
		t.Fatalf("expected cap of 2 sabotage trades, got %d", len(router.executed))
	}

	// After the hour rolls past the first actions, capacity returns.
	clk.Advance(time.Hour)
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick after window: %v", err)
	}
	if len(router.executed) != 3 {
		t.Fatalf("expected a third trade after the window rolled, got %d", len(router.executed))
	}
}

// A dormant agent (zero budget) never reaches its policy.
func TestDormantAgentSkipsPolicy(t *testing.T) {
	clk := clock.NewDeterministic(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	broke := testAgent("a-broke", domain.ArchetypeDiplomat)
	broke.BudgetRemaining = 0
	agents := newFakeAgentStore(broke)
	signals := &fakeSignalView{window: domain.RecencyWindow{Count: 5, MeanConfidence: 0.3}}
	router := &fakeRouter{}
	sched := newTestScheduler(clk, agents, signals, router)

	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(router.executed) != 0 {
		t.Fatalf("dormant agent must not trade, got %d trades", len(router.executed))
	}
}

// Archetype cooldowns gate repeat actions.
func TestCooldownGatesRepeatActions(t *testing.T) {
	clk := clock.NewDeterministic(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	agents := newFakeAgentStore(testAgent("a-dip", domain.ArchetypeDiplomat))
	signals := &fakeSignalView{window: domain.RecencyWindow{Count: 5, MeanConfidence: 0.3}}
	router := &fakeRouter{}
	sched := newTestScheduler(clk, agents, signals, router)
	sched.cfg.Cooldowns = map[domain.Archetype]time.Duration{domain.ArchetypeDiplomat: time.Minute}

	_ = sched.Tick(context.Background())
	clk.Advance(10 * time.Second)
	_ = sched.Tick(context.Background())
	if len(router.executed) != 1 {
		t.Fatalf("expected cooldown to block the second action, got %d", len(router.executed))
	}

	clk.Advance(time.Minute)
	_ = sched.Tick(context.Background())
	if len(router.executed) != 2 {
		t.Fatalf("expected action after cooldown elapsed, got %d", len(router.executed))
	}
}

// A spy only trades while its signal is inside the exclusivity window.
func TestSpyRequiresFreshSignal(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	spy := NewSpy(DefaultSpyParams())

	fresh := &fakeSignalView{signals: []domain.Signal{{
		ID: "s-1", Topic: "topic-a", Confidence: 0.9, Timestamp: now.Add(-10 * time.Second),
	}}}
	decision, err := spy.Decide(context.Background(), TickContext{
		Agent:   testAgent("a-spy", domain.ArchetypeSpy),
		Markets: []domain.Market{binaryMarket("m-1", 500, 500)},
		Signals: fresh,
		Now:     now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.NoOp {
		t.Fatalf("expected trade on fresh exclusive signal, got no-op: %s", decision.NoOpReason)
	}

	stale := &fakeSignalView{signals: []domain.Signal{{
		ID: "s-2", Topic: "topic-a", Confidence: 0.9, Timestamp: now.Add(-5 * time.Minute),
	}}}
	decision, err = spy.Decide(context.Background(), TickContext{
		Agent:   testAgent("a-spy", domain.ArchetypeSpy),
		Markets: []domain.Market{binaryMarket("m-1", 500, 500)},
		Signals: stale,
		Now:     now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decision.NoOp {
		t.Fatal("expected no-op once the signal aged out of the exclusivity window")
	}
}

// The shark sizes with the gradient and stays flat below threshold.
func TestSharkGradientThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	params := DefaultSharkParams()
	shark := NewShark(params)

	flat := &fakeSignalView{windows: map[time.Duration]domain.RecencyWindow{
		params.RecentWindow:   {Count: 3, MeanConfidence: 0.51},
		params.TrailingWindow: {Count: 9, MeanConfidence: 0.50},
	}}
	decision, err := shark.Decide(context.Background(), TickContext{
		Agent:   testAgent("a-shark", domain.ArchetypeShark),
		Markets: []domain.Market{binaryMarket("m-1", 500, 500)},
		Signals: flat,
		Now:     now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decision.NoOp {
		t.Fatal("expected no-op below gradient threshold")
	}

	steep := &fakeSignalView{windows: map[time.Duration]domain.RecencyWindow{
		params.RecentWindow:   {Count: 3, MeanConfidence: 0.8},
		params.TrailingWindow: {Count: 9, MeanConfidence: 0.5},
	}}
	decision, err = shark.Decide(context.Background(), TickContext{
		Agent:   testAgent("a-shark", domain.ArchetypeShark),
		Markets: []domain.Market{binaryMarket("m-1", 500, 500)},
		Signals: steep,
		Now:     now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.NoOp {
		t.Fatalf("expected trade on steep gradient, got no-op: %s", decision.NoOpReason)
	}
	if decision.OutcomeIdx != 0 || decision.Side != domain.OrderSideBuy {
		t.Fatalf("expected YES buy on rising confidence, got %+v", decision)
	}
}
