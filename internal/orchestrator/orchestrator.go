package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/market"
	"github.com/echelon-core/echelon/internal/timeline"
)

// Config tunes the orchestrator's settlement and sizing policy.
type Config struct {
	// DisputeWindow delays settlement finality on real-capital markets while
	// the system runs at tier 1 or 2 (DISPUTE_WINDOW_S, default 24h).
	DisputeWindow time.Duration
	// MaxPositionSizeUSD / MinPositionSizeUSD bound every trade the core
	// accepts; tier 2 halves the max.
	MaxPositionSizeUSD float64
	MinPositionSizeUSD float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DisputeWindow:      24 * time.Hour,
		MaxPositionSizeUSD: 10_000,
		MinPositionSizeUSD: 1,
	}
}

// Runner is anything with a blocking Run loop the orchestrator supervises
// (agent scheduler, ingestion pipeline, platform streams).
type Runner interface {
	Run(ctx context.Context) error
}

// pendingSettlement is a resolution held open by the dispute window.
type pendingSettlement struct {
	marketID   string
	winningIdx int
	finalizeAt time.Time
}

// Orchestrator is the top-level state machine: it supervises the mode
// supervisor and every registered run loop, guards market/timeline
// operations with the active tier's restrictions, applies dispute-window
// settlement, and owns the emergency-halt channel that
// ErrConservationViolated trips.
type Orchestrator struct {
	cfg        Config
	bus        *Bus
	supervisor *Supervisor
	engine     *market.Engine
	timelines  *timeline.Registry
	markets    domain.MarketStore
	clk        clock.Clock
	logger     *slog.Logger

	runners []Runner

	mu      sync.Mutex
	pending []pendingSettlement

	haltOnce   sync.Once
	halt       chan struct{}
	haltReason string
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	bus *Bus,
	supervisor *Supervisor,
	engine *market.Engine,
	timelines *timeline.Registry,
	markets domain.MarketStore,
	clk clock.Clock,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		bus:        bus,
		supervisor: supervisor,
		engine:     engine,
		timelines:  timelines,
		markets:    markets,
		clk:        clk,
		logger:     logger.With(slog.String("component", "orchestrator")),
		halt:       make(chan struct{}),
	}
}

// Register adds a run loop to supervise. Must be called before Run.
func (o *Orchestrator) Register(r Runner) {
	o.runners = append(o.runners, r)
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *Bus { return o.bus }

// Mode returns the current mode state.
func (o *Orchestrator) Mode() domain.ModeState { return o.supervisor.Current() }

// Run starts the supervisor, every registered runner, and the settlement
// loop, blocking until ctx is cancelled, a runner fails, or an emergency
// halt trips.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.supervisor.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mode supervisor: %w", err)
	})

	for _, r := range o.runners {
		r := r
		g.Go(func() error {
			err := r.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return o.settlementLoop(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-o.halt:
			return fmt.Errorf("emergency halt: %s: %w", o.haltReason, domain.ErrConservationViolated)
		}
	})

	return g.Wait()
}

// EmergencyHalt trips the process-wide halt channel exactly once. Called
// when the ledger fails conservation: the core refuses to keep trading
// against inconsistent state.
func (o *Orchestrator) EmergencyHalt(reason string) {
	o.haltOnce.Do(func() {
		o.haltReason = reason
		o.logger.Error("EMERGENCY HALT", slog.String("reason", reason))
		close(o.halt)
	})
}

// Halted reports whether the emergency halt has tripped.
func (o *Orchestrator) Halted() bool {
	select {
	case <-o.halt:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Guarded operations. The edge and the agent scheduler route through these
// so tier restrictions are enforced in exactly one place.
// ---------------------------------------------------------------------------

// CreateMarket opens a market, rejected at tier 2 (fork-market creation is
// suspended there).
func (o *Orchestrator) CreateMarket(ctx context.Context, timelineID, question string, outcomes []string, seed decimal.Decimal) (domain.Market, error) {
	if o.Halted() {
		return domain.Market{}, domain.ErrShutdown
	}
	if o.supervisor.Restrictions().Has(domain.RestrictNoForkMarkets) {
		return domain.Market{}, fmt.Errorf("orchestrator: market creation suspended at tier %d: %w", o.Mode().Tier, domain.ErrInvalidTransition)
	}
	m, err := o.engine.CreateMarket(ctx, timelineID, question, outcomes, seed)
	if err != nil && errors.Is(err, domain.ErrConservationViolated) {
		o.EmergencyHalt(err.Error())
	}
	return m, err
}

// Quote passes an advisory price check through to the engine, emitting
// MarketQuoted for downstream consumers.
func (o *Orchestrator) Quote(ctx context.Context, marketID string, outcomeIdx int, quoteAmount decimal.Decimal, side domain.OrderSide) (domain.Quote, error) {
	q, err := o.engine.Quote(ctx, marketID, outcomeIdx, quoteAmount, side)
	if err != nil {
		return domain.Quote{}, err
	}
	if o.bus != nil {
		o.bus.Publish(ctx, string(domain.EventMarketQuoted), q)
	}
	return q, nil
}

// Execute routes a trade through the market engine with tier sizing applied:
// a quote amount below the min or above the effective max position size is
// rejected with ErrInvalidArg.
func (o *Orchestrator) Execute(ctx context.Context, req market.ExecuteRequest) (domain.Trade, error) {
	if o.Halted() {
		return domain.Trade{}, domain.ErrShutdown
	}
	amount, _ := req.QuoteAmount.Float64()
	if amount < o.cfg.MinPositionSizeUSD {
		return domain.Trade{}, fmt.Errorf("orchestrator: size %.2f below minimum %.2f: %w", amount, o.cfg.MinPositionSizeUSD, domain.ErrInvalidArg)
	}
	if maxSize := o.EffectiveMaxPositionUSD(); amount > maxSize {
		return domain.Trade{}, fmt.Errorf("orchestrator: size %.2f above maximum %.2f: %w", amount, maxSize, domain.ErrInvalidArg)
	}
	t, err := o.engine.Execute(ctx, req)
	if err != nil && errors.Is(err, domain.ErrConservationViolated) {
		o.EmergencyHalt(err.Error())
	}
	return t, err
}

// EffectiveMaxPositionUSD is the configured max, halved while tier 2's
// position restriction is active.
func (o *Orchestrator) EffectiveMaxPositionUSD() float64 {
	maxSize := o.cfg.MaxPositionSizeUSD
	if o.supervisor.Restrictions().Has(domain.RestrictHalvePositionSize) {
		maxSize /= 2
	}
	return maxSize
}

// CollateralScale is 2 while tier 2's doubled-collateral restriction is
// active, 1 otherwise.
func (o *Orchestrator) CollateralScale() float64 {
	if o.supervisor.Restrictions().Has(domain.RestrictDoubleCollateral) {
		return 2
	}
	return 1
}

// SabotageAllowed reports whether saboteur actions may run under the current
// tier. The scheduler converts a false into ErrInvalidTransition.
func (o *Orchestrator) SabotageAllowed() bool {
	return !o.supervisor.Restrictions().Has(domain.RestrictSabotage)
}

// ForkGlobal forks an on-chain timeline, rejected while new-timeline
// creation is suspended.
func (o *Orchestrator) ForkGlobal(ctx context.Context, parentID, sourceMarketRef, premise string, durationS int, rng clock.RandomnessBundle) (domain.Timeline, error) {
	if o.supervisor.Restrictions().Has(domain.RestrictNoNewTimelines) {
		return domain.Timeline{}, fmt.Errorf("orchestrator: timeline creation suspended at tier %d: %w", o.Mode().Tier, domain.ErrInvalidTransition)
	}
	return o.timelines.ForkGlobal(ctx, parentID, sourceMarketRef, premise, durationS, rng)
}

// ForkUser forks an off-chain timeline, rejected while new-timeline creation
// is suspended.
func (o *Orchestrator) ForkUser(ctx context.Context, parentID, ownerRef, sourceMarketRef, premise string, cfg timeline.ForkUserConfig) (domain.Timeline, error) {
	if o.supervisor.Restrictions().Has(domain.RestrictNoNewTimelines) {
		return domain.Timeline{}, fmt.Errorf("orchestrator: timeline creation suspended at tier %d: %w", o.Mode().Tier, domain.ErrInvalidTransition)
	}
	return o.timelines.ForkUser(ctx, parentID, ownerRef, sourceMarketRef, premise, cfg)
}

// ResolveMarket settles a market. At tier 0, or on simulated-capital
// timelines, resolution is final immediately. On a real-capital timeline
// while the dispute-window restriction is active, the market parks in
// resolving and finalizes after the window unless an operator voids it
// first.
func (o *Orchestrator) ResolveMarket(ctx context.Context, marketID string, winningIdx int) error {
	if o.Halted() {
		return domain.ErrShutdown
	}
	if !o.supervisor.Restrictions().Has(domain.RestrictDisputeWindow) {
		return o.engine.Resolve(ctx, marketID, winningIdx)
	}

	m, err := o.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve %s: %w", marketID, domain.ErrNotFound)
	}
	tl, err := o.timelines.Get(ctx, m.TimelineID)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve %s: timeline: %w", marketID, err)
	}
	if tl.CapitalMode != domain.CapitalModeReal {
		// Simulated timelines settle immediately even under the dispute
		// window; there is no external capital at risk to dispute.
		return o.engine.Resolve(ctx, marketID, winningIdx)
	}

	if err := o.engine.MarkResolving(ctx, marketID); err != nil {
		return err
	}
	o.mu.Lock()
	o.pending = append(o.pending, pendingSettlement{
		marketID:   marketID,
		winningIdx: winningIdx,
		finalizeAt: o.clk.Now().Add(o.cfg.DisputeWindow),
	})
	o.mu.Unlock()
	o.logger.InfoContext(ctx, "settlement parked in dispute window",
		slog.String("market_id", marketID), slog.Duration("window", o.cfg.DisputeWindow))
	return nil
}

// settlementLoop finalizes dispute-window settlements as they come due.
func (o *Orchestrator) settlementLoop(ctx context.Context) error {
	ticker := o.clk.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			o.finalizeDue(ctx)
		}
	}
}

func (o *Orchestrator) finalizeDue(ctx context.Context) {
	now := o.clk.Now()
	o.mu.Lock()
	var due, remaining []pendingSettlement
	for _, p := range o.pending {
		if now.Before(p.finalizeAt) {
			remaining = append(remaining, p)
		} else {
			due = append(due, p)
		}
	}
	o.pending = remaining
	o.mu.Unlock()

	for _, p := range due {
		if err := o.engine.Resolve(ctx, p.marketID, p.winningIdx); err != nil {
			o.logger.ErrorContext(ctx, "dispute-window settlement failed",
				slog.String("market_id", p.marketID), slog.String("error", err.Error()))
		}
	}
}
