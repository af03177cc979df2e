// Package market implements the Market State Engine: serialized,
// transactional mutation of each market's constant-product reserves,
// idempotent trade execution, and the open/closed/resolving/resolved/voided
// lifecycle.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
)

// EventSink is the narrow publish surface the Engine uses to announce state
// changes onto the Event Bus, satisfied by *orchestrator.Bus without this
// package importing it back.
type EventSink interface {
	Publish(ctx context.Context, kind string, payload any)
}

// Config tunes the engine's idempotency retention and feature gates.
type Config struct {
	// IdemTTL is how long an idempotency record is remembered; 15m is the
	// contractual floor.
	IdemTTL time.Duration
	// MultiOutcomeEnabled gates trading on markets with more than two
	// outcomes behind explicit opt-in; see DESIGN.md Open Question (ii).
	MultiOutcomeEnabled bool
}

// DefaultConfig returns the contractual floor values.
func DefaultConfig() Config {
	return Config{IdemTTL: 15 * time.Minute, MultiOutcomeEnabled: false}
}

// Engine is the Market State Engine. One Engine instance owns every market
// in the process; per-market serialization is an in-process mutex, with an
// optional distributed domain.LockManager acquired around the same critical
// section when more than one process instance is running.
type Engine struct {
	cfg Config

	markets   domain.MarketStore
	positions domain.PositionStore
	orders    domain.OrderStore
	trades    domain.TradeStore
	cache     domain.MarketCache
	idemCache domain.IdempotencyCache
	idemStore domain.IdempotencyStore
	dlock     domain.LockManager // optional; nil in single-process deployments

	logger *slog.Logger
	events EventSink

	mu          sync.Mutex
	marketLocks map[string]*sync.Mutex
}

// New constructs an Engine. dlock and events may be nil.
func New(
	markets domain.MarketStore,
	positions domain.PositionStore,
	orders domain.OrderStore,
	trades domain.TradeStore,
	cache domain.MarketCache,
	idemCache domain.IdempotencyCache,
	idemStore domain.IdempotencyStore,
	dlock domain.LockManager,
	events EventSink,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		markets:     markets,
		positions:   positions,
		orders:      orders,
		trades:      trades,
		cache:       cache,
		idemCache:   idemCache,
		idemStore:   idemStore,
		dlock:       dlock,
		events:      events,
		logger:      logger.With(slog.String("component", "market_engine")),
		marketLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(marketID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.marketLocks[marketID]
	if !ok {
		l = &sync.Mutex{}
		e.marketLocks[marketID] = l
	}
	return l
}

// CreateMarket opens a new market on timelineID with the given outcomes and
// seed liquidity split evenly across them. |outcomes| must be in [2, 16] and
// seedLiquidity must be positive.
func (e *Engine) CreateMarket(ctx context.Context, timelineID, question string, outcomes []string, seedLiquidity decimal.Decimal) (domain.Market, error) {
	n := len(outcomes)
	if n < 2 || n > 16 {
		return domain.Market{}, fmt.Errorf("market: create: %d outcomes: %w", n, domain.ErrInvalidArg)
	}
	if !e.cfg.MultiOutcomeEnabled && n > 2 {
		return domain.Market{}, fmt.Errorf("market: create: multi-outcome markets disabled: %w", domain.ErrInvalidArg)
	}
	if seedLiquidity.LessThanOrEqual(decimal.Zero) {
		return domain.Market{}, fmt.Errorf("market: create: seed_liquidity must be positive: %w", domain.ErrInvalidArg)
	}

	per := seedLiquidity.Div(decimal.NewFromInt(int64(n)))
	reserves := make([]decimal.Decimal, n)
	for i := range reserves {
		reserves[i] = per
	}

	m := domain.Market{
		ID:            uuid.New().String(),
		TimelineID:    timelineID,
		Question:      question,
		Outcomes:      append([]string(nil), outcomes...),
		Reserves:      reserves,
		SeedLiquidity: seedLiquidity,
		TotalVolume:   decimal.Zero,
		Status:        domain.MarketStatusOpen,
		CreatedTS:     time.Now(),
	}

	if err := e.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market: create %s: %w", m.ID, domain.ErrStorageFault)
	}
	if e.cache != nil {
		_ = e.cache.Set(ctx, m)
	}
	e.publish(ctx, "MarketCreated", m)
	return m, nil
}

// Quote computes a non-binding price check for buying or selling quoteAmount
// of outcomeIdx in marketID. It never mutates state and takes no lock: a
// quote is advisory.
func (e *Engine) Quote(ctx context.Context, marketID string, outcomeIdx int, quoteAmount decimal.Decimal, side domain.OrderSide) (domain.Quote, error) {
	m, err := e.loadMarket(ctx, marketID)
	if err != nil {
		return domain.Quote{}, err
	}
	if !m.IsOpen() {
		return domain.Quote{}, fmt.Errorf("market: quote %s: %w", marketID, domain.ErrMarketClosed)
	}
	if outcomeIdx < 0 || outcomeIdx >= len(m.Outcomes) {
		return domain.Quote{}, fmt.Errorf("market: quote %s: outcome %d: %w", marketID, outcomeIdx, domain.ErrInvalidArg)
	}

	preOdds := m.OutcomeOdds()
	post, counterAmount, err := simulateTrade(m.Reserves, outcomeIdx, quoteAmount, side)
	if err != nil {
		return domain.Quote{}, err
	}

	postOdds := oddsOf(post)
	impact := bpsImpact(preOdds[outcomeIdx], postOdds[outcomeIdx])
	sharesOut, expectedPrice := settleAmounts(side, quoteAmount, counterAmount)

	return domain.Quote{
		MarketID:       marketID,
		OutcomeIdx:     outcomeIdx,
		Side:           side,
		QuoteAmount:    quoteAmount,
		SharesOut:      sharesOut,
		ExpectedPrice:  expectedPrice,
		PriceImpactBps: impact,
		PostReserves:   post,
		IssuedAt:       time.Now(),
	}, nil
}

// ExecuteRequest bundles the parameters of execute() plus an optional
// slippage guard (expressed as the maximum acceptable price-impact bps).
type ExecuteRequest struct {
	MarketID       string
	OutcomeIdx     int
	QuoteAmount    decimal.Decimal
	Side           domain.OrderSide
	OwnerRef       string
	IdempotencyKey string
	MaxImpactBps   decimal.Decimal // zero means unbounded
}

// Execute performs a trade against marketID's CPMM curve, holding the
// market's lock across quote-recompute, reserve-update, position-update,
// and volume-increment. A repeated idempotency key within the retention
// window returns the original trade untouched.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (domain.Trade, error) {
	if req.IdempotencyKey == "" {
		return domain.Trade{}, fmt.Errorf("market: execute: %w", domain.ErrInvalidArg)
	}

	lock := e.lockFor(req.MarketID)
	lock.Lock()
	defer lock.Unlock()

	var unlockDistributed func()
	if e.dlock != nil {
		unlock, err := e.dlock.Acquire(ctx, "market:"+req.MarketID, 10*time.Second)
		if err != nil {
			return domain.Trade{}, fmt.Errorf("market: execute %s: %w", req.MarketID, domain.ErrBusy)
		}
		unlockDistributed = unlock
		defer unlockDistributed()
	}

	if existing, found, err := e.lookupIdempotent(ctx, req.MarketID, req.IdempotencyKey); err != nil {
		return domain.Trade{}, err
	} else if found {
		return existing, nil
	}

	m, err := e.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("market: execute %s: %w", req.MarketID, domain.ErrNotFound)
	}
	if !m.IsOpen() {
		return domain.Trade{}, fmt.Errorf("market: execute %s: %w", req.MarketID, domain.ErrMarketClosed)
	}
	if req.OutcomeIdx < 0 || req.OutcomeIdx >= len(m.Outcomes) {
		return domain.Trade{}, fmt.Errorf("market: execute %s: outcome %d: %w", req.MarketID, req.OutcomeIdx, domain.ErrInvalidArg)
	}

	preOdds := m.OutcomeOdds()
	postReserves, counterAmount, err := simulateTrade(m.Reserves, req.OutcomeIdx, req.QuoteAmount, req.Side)
	if err != nil {
		return domain.Trade{}, err
	}
	postOdds := oddsOf(postReserves)
	impactBps := bpsImpact(preOdds[req.OutcomeIdx], postOdds[req.OutcomeIdx])

	if !req.MaxImpactBps.IsZero() && impactBps.Abs().GreaterThan(req.MaxImpactBps) {
		return domain.Trade{}, fmt.Errorf("market: execute %s: %w", req.MarketID, domain.ErrSlippageExceeded)
	}

	sharesOut, realizedPrice := settleAmounts(req.Side, req.QuoteAmount, counterAmount)

	tradeID := uuid.New().String()
	now := time.Now()

	notional := req.QuoteAmount
	if req.Side == domain.OrderSideSell {
		notional = counterAmount
	}
	m.Reserves = postReserves
	m.TotalVolume = m.TotalVolume.Add(notional)
	if err := e.checkConservation(m, notional); err != nil {
		return domain.Trade{}, err
	}
	if err := e.markets.Update(ctx, m); err != nil {
		return domain.Trade{}, fmt.Errorf("market: execute %s: persist reserves: %w", req.MarketID, domain.ErrStorageFault)
	}
	if e.cache != nil {
		_ = e.cache.Set(ctx, m)
	}

	order := domain.Order{
		ID:             uuid.New().String(),
		MarketID:       req.MarketID,
		TimelineID:     m.TimelineID,
		OutcomeIdx:     req.OutcomeIdx,
		Side:           req.Side,
		QuoteAmount:    mustFloat(req.QuoteAmount),
		OwnerRef:       req.OwnerRef,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.OrderStatusFilled,
		FilledShares:   mustFloat(sharesOut),
		FilledQuote:    mustFloat(req.QuoteAmount),
		RealizedPrice:  mustFloat(realizedPrice),
		CreatedAt:      now,
		FilledAt:       &now,
	}
	if err := e.orders.Create(ctx, order); err != nil {
		e.logger.ErrorContext(ctx, "order persist failed after reserve update", slog.String("error", err.Error()))
	}

	trade := domain.Trade{
		ID:             tradeID,
		MarketID:       req.MarketID,
		TimelineID:     m.TimelineID,
		OutcomeIdx:     req.OutcomeIdx,
		Side:           req.Side,
		OwnerRef:       req.OwnerRef,
		QuoteAmount:    mustFloat(req.QuoteAmount),
		Shares:         mustFloat(sharesOut),
		RealizedPrice:  mustFloat(realizedPrice),
		PriceImpactBps: mustFloat(impactBps),
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      now,
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		e.logger.ErrorContext(ctx, "trade persist failed", slog.String("error", err.Error()))
	}

	if err := e.applyPosition(ctx, trade); err != nil {
		e.logger.ErrorContext(ctx, "position update failed", slog.String("error", err.Error()))
	}

	e.recordIdempotent(ctx, req.MarketID, req.IdempotencyKey, trade)
	e.publish(ctx, "TradeExecuted", trade)
	return trade, nil
}

// applyPosition merges the fill into the owner's existing position for this
// market/outcome (create on first fill, weighted-average cost basis after).
func (e *Engine) applyPosition(ctx context.Context, t domain.Trade) error {
	existing, err := e.positions.GetByMarketAndOwner(ctx, t.MarketID, t.OwnerRef, t.OutcomeIdx)
	if err != nil && err != domain.ErrNotFound {
		return err
	}

	pos := existing
	if pos.ID == "" {
		pos = domain.Position{
			ID:         uuid.New().String(),
			MarketID:   t.MarketID,
			TimelineID: t.TimelineID,
			OutcomeIdx: t.OutcomeIdx,
			OwnerRef:   t.OwnerRef,
			Status:     domain.PositionStatusOpen,
			OpenedAt:   t.Timestamp,
		}
	}

	switch t.Side {
	case domain.OrderSideBuy:
		newShares := pos.Shares + t.Shares
		if newShares > 0 {
			pos.AvgCost = (pos.AvgCost*pos.Shares + t.RealizedPrice*t.Shares) / newShares
		}
		pos.Shares = newShares
	case domain.OrderSideSell:
		pos.Shares -= t.Shares
		pos.RealizedPnL += (t.RealizedPrice - pos.AvgCost) * t.Shares
	}

	return e.positions.Upsert(ctx, pos)
}

// Close transitions an open market to closed, the first step toward
// resolution.
func (e *Engine) Close(ctx context.Context, marketID string) error {
	lock := e.lockFor(marketID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("market: close %s: %w", marketID, domain.ErrNotFound)
	}
	if m.Status != domain.MarketStatusOpen {
		return fmt.Errorf("market: close %s from %s: %w", marketID, m.Status, domain.ErrInvalidTransition)
	}
	m.Status = domain.MarketStatusClosed
	if err := e.markets.Update(ctx, m); err != nil {
		return fmt.Errorf("market: close %s: %w", marketID, domain.ErrStorageFault)
	}
	if e.cache != nil {
		_ = e.cache.Invalidate(ctx, marketID)
	}
	return nil
}

// MarkResolving parks a closed market in resolving, the state a settlement
// holds while a dispute window is open.
func (e *Engine) MarkResolving(ctx context.Context, marketID string) error {
	lock := e.lockFor(marketID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("market: mark resolving %s: %w", marketID, domain.ErrNotFound)
	}
	if m.Status == domain.MarketStatusResolving {
		return nil
	}
	if m.Status != domain.MarketStatusClosed {
		return fmt.Errorf("market: mark resolving %s from %s: %w", marketID, m.Status, domain.ErrInvalidTransition)
	}
	m.Status = domain.MarketStatusResolving
	if err := e.markets.Update(ctx, m); err != nil {
		return fmt.Errorf("market: mark resolving %s: %w", marketID, domain.ErrStorageFault)
	}
	if e.cache != nil {
		_ = e.cache.Invalidate(ctx, marketID)
	}
	return nil
}

// Resolve transitions a closed (or already-resolving) market to resolved,
// recording winningIdx and the resolution timestamp. resolved is terminal.
func (e *Engine) Resolve(ctx context.Context, marketID string, winningIdx int) error {
	lock := e.lockFor(marketID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("market: resolve %s: %w", marketID, domain.ErrNotFound)
	}
	if m.Status != domain.MarketStatusClosed && m.Status != domain.MarketStatusResolving {
		return fmt.Errorf("market: resolve %s from %s: %w", marketID, m.Status, domain.ErrInvalidTransition)
	}
	if winningIdx < 0 || winningIdx >= len(m.Outcomes) {
		return fmt.Errorf("market: resolve %s: outcome %d: %w", marketID, winningIdx, domain.ErrInvalidArg)
	}
	now := time.Now()
	m.Status = domain.MarketStatusResolved
	m.WinningIdx = &winningIdx
	m.ResolutionTS = &now
	if err := e.markets.Update(ctx, m); err != nil {
		return fmt.Errorf("market: resolve %s: %w", marketID, domain.ErrStorageFault)
	}
	if e.cache != nil {
		_ = e.cache.Invalidate(ctx, marketID)
	}
	e.publish(ctx, "MarketResolved", m)
	return nil
}

// VoidMarketsForTimeline marks every market on timelineID that is not
// already resolved or voided (open, closed or resolving) voided, called by
// the Timeline Registry when reaping a timeline.
// Position refund/settlement is the registry's responsibility since
// it depends on capital_mode.
func (e *Engine) VoidMarketsForTimeline(ctx context.Context, timelineID, reason string) ([]domain.Market, error) {
	markets, err := e.markets.ListByTimeline(ctx, timelineID, domain.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("market: void timeline %s: %w", timelineID, domain.ErrStorageFault)
	}

	var voided []domain.Market
	for _, m := range markets {
		if m.Status == domain.MarketStatusResolved || m.Status == domain.MarketStatusVoided {
			continue
		}
		lock := e.lockFor(m.ID)
		lock.Lock()
		m.Status = domain.MarketStatusVoided
		err := e.markets.Update(ctx, m)
		lock.Unlock()
		if err != nil {
			e.logger.ErrorContext(ctx, "void market failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
			continue
		}
		if e.cache != nil {
			_ = e.cache.Invalidate(ctx, m.ID)
		}
		voided = append(voided, m)
	}
	return voided, nil
}

func (e *Engine) loadMarket(ctx context.Context, marketID string) (domain.Market, error) {
	if e.cache != nil {
		if m, err := e.cache.Get(ctx, marketID); err == nil {
			return m, nil
		}
	}
	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market: load %s: %w", marketID, domain.ErrNotFound)
	}
	return m, nil
}

func (e *Engine) lookupIdempotent(ctx context.Context, marketID, key string) (domain.Trade, bool, error) {
	fullKey := marketID + ":" + key
	if e.idemCache != nil {
		if ref, found, err := e.idemCache.Get(ctx, fullKey); err == nil && found {
			return e.resolveIdempotentRef(ctx, marketID, ref)
		}
	}
	if e.idemStore != nil {
		if ref, found, err := e.idemStore.Lookup(ctx, fullKey); err == nil && found {
			return e.resolveIdempotentRef(ctx, marketID, ref)
		}
	}
	// Durable fallback: the trades table carries a unique idempotency key,
	// so a replay is detectable even when both idempotency layers are cold
	// (or absent in minimal deployments).
	if trades, err := e.trades.ListByMarket(ctx, marketID, domain.ListOpts{}); err == nil {
		for _, t := range trades {
			if t.IdempotencyKey == key {
				return t, true, nil
			}
		}
	}
	return domain.Trade{}, false, nil
}

func (e *Engine) resolveIdempotentRef(ctx context.Context, marketID, tradeID string) (domain.Trade, bool, error) {
	trades, err := e.trades.ListByMarket(ctx, marketID, domain.ListOpts{})
	if err != nil {
		return domain.Trade{}, false, fmt.Errorf("market: idempotent replay lookup: %w", domain.ErrStorageFault)
	}
	for _, t := range trades {
		if t.ID == tradeID {
			return t, true, nil
		}
	}
	return domain.Trade{}, false, nil
}

func (e *Engine) recordIdempotent(ctx context.Context, marketID, key string, t domain.Trade) {
	fullKey := marketID + ":" + key
	if e.idemCache != nil {
		if _, err := e.idemCache.SetIfAbsent(ctx, fullKey, t.ID, e.cfg.IdemTTL); err != nil {
			e.logger.WarnContext(ctx, "idempotency cache write failed", slog.String("error", err.Error()))
		}
	}
	if e.idemStore != nil {
		if err := e.idemStore.Record(ctx, fullKey, t.ID, e.cfg.IdemTTL); err != nil {
			e.logger.WarnContext(ctx, "idempotency store write failed", slog.String("error", err.Error()))
		}
	}
}

// checkConservation verifies the post-trade reserve vector is still valid;
// ErrConservationViolated is fatal to the process, never retried.
func (e *Engine) checkConservation(m domain.Market, _ decimal.Decimal) error {
	for _, r := range m.Reserves {
		if r.IsNegative() {
			return fmt.Errorf("market: conservation check %s: %w", m.ID, domain.ErrConservationViolated)
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, kind string, payload any) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, kind, payload)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
