package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/market"
	"github.com/echelon-core/echelon/internal/platform"
)

// TradeRouter is the guarded trading surface the scheduler drives,
// satisfied by *orchestrator.Orchestrator: every internal trade passes
// through tier restrictions and sizing bounds exactly once.
type TradeRouter interface {
	Quote(ctx context.Context, marketID string, outcomeIdx int, quoteAmount decimal.Decimal, side domain.OrderSide) (domain.Quote, error)
	Execute(ctx context.Context, req market.ExecuteRequest) (domain.Trade, error)
	EffectiveMaxPositionUSD() float64
	SabotageAllowed() bool
}

// ExternalRouter places orders on external venues for markets bound to
// them, satisfied by *platform.Adapter.
type ExternalRouter interface {
	CreateOrder(ctx context.Context, req platform.OrderRequest) (platform.OrderAck, error)
}

// EventSink is the narrow publish surface onto the Event Bus.
type EventSink interface {
	Publish(ctx context.Context, kind string, payload any)
}

// VenueBinding maps an internal market to its external listing; markets
// with a binding on a real-capital timeline route through the platform
// adapter instead of the CPMM.
type VenueBinding struct {
	Venue     platform.VenueName
	MarketID  string // venue-native id
	OutcomeID string // venue-native outcome/token id for YES
}

// Config tunes the scheduler.
type Config struct {
	// TickInterval is the global scheduler cadence (AGENT_TICK_MS).
	TickInterval time.Duration
	// Cooldowns gates per-archetype action frequency.
	Cooldowns map[domain.Archetype]time.Duration
	// FairnessShares caps each archetype's fraction of the per-window
	// action budget; an unlisted archetype gets a fixed 0.25 share.
	FairnessShares map[domain.Archetype]float64
	FairnessWindow time.Duration
	WindowBudget   int
	// SabotageCapPerHour bounds saboteur actions per agent (enforced
	// monotonically, never reset mid-window).
	SabotageCapPerHour int
	// SanityDecayPerTick is the passive drift applied every scheduled tick;
	// SanityDeltaOnLoss/Gain react to trade outcomes. All deltas clamp to
	// [0, 1].
	SanityDecayPerTick float64
	SanityDeltaOnLoss  float64
	SanityDeltaOnGain  float64
	// PnLFloor retires an agent whose lifetime realized P&L falls below it.
	PnLFloor float64
	// InactivityLimit retires an agent with no action for this long.
	InactivityLimit time.Duration
	// BreedOnRetirement spawns a mutated successor when an agent is
	// retired for inactivity; retirement at the P&L floor never breeds.
	BreedOnRetirement bool
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		Cooldowns: map[domain.Archetype]time.Duration{
			domain.ArchetypeShark:    30 * time.Second,
			domain.ArchetypeSpy:      15 * time.Second,
			domain.ArchetypeDiplomat: time.Minute,
			domain.ArchetypeSaboteur: 2 * time.Minute,
		},
		FairnessShares: map[domain.Archetype]float64{
			domain.ArchetypeShark:    0.35,
			domain.ArchetypeSpy:      0.25,
			domain.ArchetypeDiplomat: 0.25,
			domain.ArchetypeSaboteur: 0.15,
		},
		FairnessWindow:     time.Minute,
		WindowBudget:       120,
		SabotageCapPerHour: 4,
		SanityDecayPerTick: 0.001,
		SanityDeltaOnLoss:  0.05,
		SanityDeltaOnGain:  0.02,
		PnLFloor:           -50_000,
		InactivityLimit:    30 * 24 * time.Hour,
		BreedOnRetirement:  true,
	}
}

// Scheduler runs the agent worker loop: every tick it fetches live agents,
// enforces dormancy, cooldowns, and fairness, asks each due agent's
// archetype policy for a decision, and routes the resulting trade.
type Scheduler struct {
	cfg      Config
	registry *Registry

	agents    domain.AgentStore
	relations domain.AgentRelationStore
	markets   domain.MarketStore
	timelines domain.TimelineStore
	positions domain.PositionStore
	signals   SignalView

	router   TradeRouter
	external ExternalRouter     // nil when no external venue binding exists
	sabotage domain.RateLimiter // nil falls back to the in-memory hourly counter

	rng    *clock.Randomness
	clk    clock.Clock
	events EventSink
	logger *slog.Logger

	mu           sync.Mutex
	bindings     map[string]VenueBinding // internal market id -> external listing
	lastObserve  map[string]time.Time
	windowStart  time.Time
	windowCounts map[domain.Archetype]int
	sabotageLog  map[string][]time.Time // agent id -> action times (local fallback)
}

// NewScheduler constructs a Scheduler. external, sabotage, and events may
// be nil.
func NewScheduler(
	cfg Config,
	registry *Registry,
	agents domain.AgentStore,
	relations domain.AgentRelationStore,
	markets domain.MarketStore,
	timelines domain.TimelineStore,
	positions domain.PositionStore,
	signals SignalView,
	router TradeRouter,
	external ExternalRouter,
	sabotage domain.RateLimiter,
	rng *clock.Randomness,
	clk clock.Clock,
	events EventSink,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		registry:     registry,
		agents:       agents,
		relations:    relations,
		markets:      markets,
		timelines:    timelines,
		positions:    positions,
		signals:      signals,
		router:       router,
		external:     external,
		sabotage:     sabotage,
		rng:          rng,
		clk:          clk,
		events:       events,
		logger:       logger.With(slog.String("component", "agent_scheduler")),
		bindings:     make(map[string]VenueBinding),
		lastObserve:  make(map[string]time.Time),
		windowCounts: make(map[domain.Archetype]int),
	}
}

// BindVenue attaches an external listing to an internal market id.
func (s *Scheduler) BindVenue(internalMarketID string, b VenueBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[internalMarketID] = b
}

// Run drives ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("agent scheduler started", slog.Duration("tick", s.cfg.TickInterval))
	defer s.logger.Info("agent scheduler stopped")

	ticker := s.clk.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WarnContext(ctx, "tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick processes one scheduling round across every active timeline. It is
// the ticker body, exposed so tests can step it deterministically.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clk.Now()
	s.rotateWindow(now)

	timelines, err := s.timelines.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("scheduler: list timelines: %w", err)
	}

	for _, tl := range timelines {
		agents, err := s.agents.ListActiveByTimeline(ctx, tl.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "list agents failed", slog.String("timeline_id", tl.ID), slog.String("error", err.Error()))
			continue
		}
		if len(agents) == 0 {
			continue
		}

		openMarkets, err := s.markets.ListOpen(ctx, tl.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "list markets failed", slog.String("timeline_id", tl.ID), slog.String("error", err.Error()))
			continue
		}

		// Randomized order so no agent systematically front-runs the rest
		// of its timeline.
		order := s.shuffled(len(agents))
		for _, idx := range order {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.tickAgent(ctx, tl, agents[idx], openMarkets, now)
		}
	}
	return nil
}

// tickAgent runs steps 1-6 of the scheduling contract for one agent.
func (s *Scheduler) tickAgent(ctx context.Context, tl domain.Timeline, a domain.Agent, openMarkets []domain.Market, now time.Time) {
	// 1. Dormancy and death checks.
	if retired, reason := s.deathCheck(ctx, &a, now); retired {
		s.retire(ctx, a, reason)
		return
	}
	if a.Sanity <= 0 || a.BudgetRemaining <= 0 {
		s.publish(ctx, domain.EventAgentDormant, map[string]any{"agent_id": a.ID, "sanity": a.Sanity, "budget": a.BudgetRemaining})
		return
	}

	// 2. Archetype cooldown.
	if cd, ok := s.cfg.Cooldowns[a.Archetype]; ok && a.LastActionTS.Add(cd).After(now) {
		return
	}

	// Fairness: an archetype past its window share waits for the next
	// window.
	if !s.fairnessAdmit(a.Archetype) {
		return
	}

	policy, err := s.registry.Get(a.Archetype)
	if err != nil {
		s.logger.WarnContext(ctx, "unknown archetype", slog.String("agent_id", a.ID), slog.String("archetype", string(a.Archetype)))
		return
	}

	// 3-4. Observe signals and decide.
	s.mu.Lock()
	lastObserve := s.lastObserve[a.ID]
	s.mu.Unlock()

	decision, err := policy.Decide(ctx, TickContext{
		Agent:       a,
		Markets:     openMarkets,
		Signals:     s.signals,
		Rng:         s.rng,
		Now:         now,
		LastObserve: lastObserve,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "policy decide failed", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.lastObserve[a.ID] = now
	s.mu.Unlock()

	// Passive sanity drift happens whether or not the agent acts.
	a.Sanity = clamp01(a.Sanity - s.cfg.SanityDecayPerTick)

	if decision.NoOp {
		_ = s.agents.Update(ctx, a)
		return
	}

	if decision.SabotageHit {
		if !s.router.SabotageAllowed() {
			s.publish(ctx, domain.EventAgentDormant, map[string]any{
				"agent_id": a.ID,
				"reason":   fmt.Sprintf("sabotage rejected: %v", domain.ErrInvalidTransition),
			})
			_ = s.agents.Update(ctx, a)
			return
		}
		if !s.sabotageAdmit(ctx, a.ID, now) {
			_ = s.agents.Update(ctx, a)
			return
		}
	}

	// 5. Quote then execute (or route externally for bound real-capital
	// markets).
	trade, err := s.route(ctx, tl, a, decision)

	// 6. Bookkeeping.
	s.consumeFairness(a.Archetype)
	a.LastActionTS = now
	switch {
	case err != nil:
		a.Sanity = clamp01(a.Sanity - s.cfg.SanityDeltaOnLoss)
		s.logger.InfoContext(ctx, "agent trade rejected",
			slog.String("agent_id", a.ID), slog.String("reason", decision.Reason), slog.String("error", err.Error()))
	default:
		size, _ := decision.Size.Float64()
		a.BudgetRemaining -= size
		a.Sanity = clamp01(a.Sanity + s.cfg.SanityDeltaOnGain)
		s.publish(ctx, domain.EventAgentActed, map[string]any{
			"agent_id": a.ID,
			"trade_id": trade.ID,
			"market":   decision.MarketID,
			"reason":   decision.Reason,
		})
	}
	if err := s.agents.Update(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "agent persist failed", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
	}
}

// route sends the decision through the CPMM, or through the platform
// adapter when the market is bound to an external venue on a real-capital
// timeline (simulated timelines never emit external orders).
func (s *Scheduler) route(ctx context.Context, tl domain.Timeline, a domain.Agent, d Decision) (domain.Trade, error) {
	s.mu.Lock()
	binding, bound := s.bindings[d.MarketID]
	s.mu.Unlock()

	if bound && tl.CapitalMode == domain.CapitalModeReal && s.external != nil {
		size, _ := d.Size.Float64()
		ack, err := s.external.CreateOrder(ctx, platform.OrderRequest{
			Venue:     binding.Venue,
			MarketID:  binding.MarketID,
			OutcomeID: binding.OutcomeID,
			Side:      platform.OrderSide(d.Side),
			Size:      size,
			AgentID:   a.ID,
		})
		if err != nil {
			return domain.Trade{}, err
		}
		return domain.Trade{ID: ack.OrderID, MarketID: d.MarketID, OwnerRef: a.ID}, nil
	}

	quote, err := s.router.Quote(ctx, d.MarketID, d.OutcomeIdx, d.Size, d.Side)
	if err != nil {
		return domain.Trade{}, err
	}
	return s.router.Execute(ctx, market.ExecuteRequest{
		MarketID:       d.MarketID,
		OutcomeIdx:     d.OutcomeIdx,
		QuoteAmount:    d.Size,
		Side:           d.Side,
		OwnerRef:       a.ID,
		IdempotencyKey: uuid.New().String(),
		MaxImpactBps:   quote.PriceImpactBps.Abs().Mul(decimal.NewFromInt(2)),
	})
}

// deathCheck applies the termination rules: extended inactivity or a
// lifetime realized P&L at or below the floor. Zero sanity is not a
// termination rule; tickAgent treats it as dormancy.
func (s *Scheduler) deathCheck(ctx context.Context, a *domain.Agent, now time.Time) (bool, string) {
	if !a.LastActionTS.IsZero() && now.Sub(a.LastActionTS) >= s.cfg.InactivityLimit {
		return true, "inactivity"
	}
	history, err := s.positions.ListHistory(ctx, a.ID, domain.ListOpts{})
	if err != nil {
		return false, ""
	}
	var pnl float64
	for _, p := range history {
		pnl += p.RealizedPnL
	}
	if pnl <= s.cfg.PnLFloor {
		return true, fmt.Sprintf("pnl floor (%.2f)", pnl)
	}
	return false, ""
}

// retire marks the agent retired (the history record is preserved; lineage
// edges are never deleted) and, when configured, breeds a mutated
// successor.
func (s *Scheduler) retire(ctx context.Context, a domain.Agent, reason string) {
	a.Retired = true
	if err := s.agents.Update(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "retire persist failed", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
		return
	}
	s.publish(ctx, domain.EventAgentDormant, map[string]any{"agent_id": a.ID, "reason": "retired: " + reason})

	if !s.cfg.BreedOnRetirement || reason != "inactivity" {
		return
	}
	child := s.breed(a)
	if err := s.agents.Create(ctx, child); err != nil {
		s.logger.WarnContext(ctx, "breed create failed", slog.String("parent_id", a.ID), slog.String("error", err.Error()))
		return
	}
	if s.relations != nil {
		rel := domain.AgentRelation{ParentID: a.ID, ChildID: child.ID, Reason: "generational handoff", CreatedAt: s.clk.Now()}
		if err := s.relations.Create(ctx, rel); err != nil {
			s.logger.WarnContext(ctx, "lineage edge failed", slog.String("parent_id", a.ID), slog.String("error", err.Error()))
		}
	}
}

// breed derives a successor with jittered traits from the parent.
func (s *Scheduler) breed(parent domain.Agent) domain.Agent {
	mutate := func(v float64) float64 {
		if s.rng == nil {
			return v
		}
		return clamp01(v + (s.rng.Float64()*2-1)*0.1)
	}
	return domain.Agent{
		ID:         uuid.New().String(),
		TimelineID: parent.TimelineID,
		Archetype:  parent.Archetype,
		Traits: domain.Traits{
			RiskTolerance: mutate(parent.Traits.RiskTolerance),
			SignalTrust:   mutate(parent.Traits.SignalTrust),
			Aggression:    mutate(parent.Traits.Aggression),
			PatienceTicks: parent.Traits.PatienceTicks,
		},
		Sanity:          1,
		BudgetRemaining: parent.BudgetRemaining,
		Generation:      parent.Generation + 1,
		ParentIDs:       []string{parent.ID},
		LastActionTS:    s.clk.Now(),
		CreatedAt:       s.clk.Now(),
	}
}

// ---------------------------------------------------------------------------
// Fairness window and sabotage cap
// ---------------------------------------------------------------------------

func (s *Scheduler) rotateWindow(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= s.cfg.FairnessWindow {
		s.windowStart = now
		s.windowCounts = make(map[domain.Archetype]int)
	}
}

func (s *Scheduler) fairnessAdmit(a domain.Archetype) bool {
	share, ok := s.cfg.FairnessShares[a]
	if !ok {
		share = 0.25
	}
	limit := int(share * float64(s.cfg.WindowBudget))
	if limit < 1 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowCounts[a] < limit
}

func (s *Scheduler) consumeFairness(a domain.Archetype) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowCounts[a]++
}

// sabotageAdmit enforces the hourly per-agent cap, preferring the
// distributed limiter so the cap holds across process instances.
func (s *Scheduler) sabotageAdmit(ctx context.Context, agentID string, now time.Time) bool {
	if s.sabotage != nil {
		allowed, err := s.sabotage.Allow(ctx, "sabotage:"+agentID, s.cfg.SabotageCapPerHour, time.Hour)
		if err == nil {
			return allowed
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sabotageLog == nil {
		s.sabotageLog = make(map[string][]time.Time)
	}
	cutoff := now.Add(-time.Hour)
	kept := s.sabotageLog[agentID][:0]
	for _, t := range s.sabotageLog[agentID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.cfg.SabotageCapPerHour {
		s.sabotageLog[agentID] = kept
		return false
	}
	s.sabotageLog[agentID] = append(kept, now)
	return true
}

func (s *Scheduler) shuffled(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if s.rng == nil {
		return order
	}
	for i := n - 1; i > 0; i-- {
		j := s.rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func (s *Scheduler) publish(ctx context.Context, kind domain.EventKind, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, string(kind), payload)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
