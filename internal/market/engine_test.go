package market

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeMarketStore struct {
	byID map[string]domain.Market
}

func newFakeMarketStore() *fakeMarketStore {
	return &fakeMarketStore{byID: map[string]domain.Market{}}
}

func (f *fakeMarketStore) Create(ctx context.Context, m domain.Market) error {
	f.byID[m.ID] = m
	return nil
}

func (f *fakeMarketStore) Update(ctx context.Context, m domain.Market) error {
	if _, ok := f.byID[m.ID]; !ok {
		return domain.ErrNotFound
	}
	f.byID[m.ID] = m
	return nil
}

func (f *fakeMarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, ok := f.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeMarketStore) ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range f.byID {
		if m.TimelineID == timelineID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMarketStore) ListOpen(ctx context.Context, timelineID string) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range f.byID {
		if m.TimelineID == timelineID && m.IsOpen() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMarketStore) Count(ctx context.Context) (int64, error) {
	return int64(len(f.byID)), nil
}

type fakeOrderStore struct {
	rows []domain.Order
}

func (f *fakeOrderStore) Create(ctx context.Context, o domain.Order) error {
	f.rows = append(f.rows, o)
	return nil
}
func (f *fakeOrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	return nil
}
func (f *fakeOrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	for _, o := range f.rows {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}
func (f *fakeOrderStore) GetByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	for _, o := range f.rows {
		if o.IdempotencyKey == key {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}
func (f *fakeOrderStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range f.rows {
		if o.MarketID == marketID {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeTradeStore struct {
	rows []domain.Trade
}

func (f *fakeTradeStore) Insert(ctx context.Context, t domain.Trade) error {
	f.rows = append(f.rows, t)
	return nil
}
func (f *fakeTradeStore) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	f.rows = append(f.rows, trades...)
	return nil
}
func (f *fakeTradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range f.rows {
		if t.MarketID == marketID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTradeStore) ListByOwner(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range f.rows {
		if t.OwnerRef == ownerRef {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakePositionStore struct {
	rows map[string]domain.Position
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{rows: map[string]domain.Position{}}
}

func posKey(marketID, ownerRef string, outcomeIdx int) string {
	return marketID + "|" + ownerRef + "|" + string(rune('0'+outcomeIdx))
}

func (f *fakePositionStore) Upsert(ctx context.Context, p domain.Position) error {
	f.rows[posKey(p.MarketID, p.OwnerRef, p.OutcomeIdx)] = p
	return nil
}
func (f *fakePositionStore) Close(ctx context.Context, id string, settledPrice float64) error {
	return nil
}
func (f *fakePositionStore) GetOpen(ctx context.Context, ownerRef string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositionStore) GetByMarketAndOwner(ctx context.Context, marketID, ownerRef string, outcomeIdx int) (domain.Position, error) {
	p, ok := f.rows[posKey(marketID, ownerRef, outcomeIdx)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}
func (f *fakePositionStore) ListHistory(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositionStore) ListOpenByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.rows {
		if p.MarketID == marketID && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func newTestEngine() (*Engine, *fakeMarketStore, *fakeTradeStore) {
	markets := newFakeMarketStore()
	trades := &fakeTradeStore{}
	orders := &fakeOrderStore{}
	positions := newFakePositionStore()
	eng := New(markets, positions, orders, trades, nil, nil, nil, nil, nil, DefaultConfig(), discardLogger())
	return eng, markets, trades
}

// Scenario A: creating a market splits seed liquidity evenly and opens it.
func TestCreateMarketSplitsSeedLiquidity(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	m, err := eng.CreateMarket(ctx, "tl-1", "will it rain", []string{"yes", "no"}, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	if m.Status != domain.MarketStatusOpen {
		t.Fatalf("expected open, got %s", m.Status)
	}
	if len(m.Reserves) != 2 {
		t.Fatalf("expected 2 reserves, got %d", len(m.Reserves))
	}
	for _, r := range m.Reserves {
		if !r.Equal(decimal.NewFromInt(500)) {
			t.Fatalf("expected 500 per side, got %s", r)
		}
	}
}

// Scenario B: a deterministic buy produces the exact CPMM shares-out.
func TestExecuteBuyMatchesCPMMFormula(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	m, err := eng.CreateMarket(ctx, "tl-1", "q", []string{"yes", "no"}, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("create market: %v", err)
	}

	trade, err := eng.Execute(ctx, ExecuteRequest{
		MarketID:       m.ID,
		OutcomeIdx:     0,
		QuoteAmount:    decimal.NewFromInt(100),
		Side:           domain.OrderSideBuy,
		OwnerRef:       "agent-1",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// k = 500*500 = 250000; n' = 500+100 = 600; y' = 250000/600 = 416.666...;
	// shares = 500 - 416.666... = 83.333...
	wantShares := 500.0 - 250000.0/600.0
	if diff := trade.Shares - wantShares; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("expected shares ~%.6f, got %.6f", wantShares, trade.Shares)
	}
	if trade.Shares <= 0 {
		t.Fatalf("expected positive shares out, got %.6f", trade.Shares)
	}
}

// Scenario C: replaying the same idempotency key returns the original trade
// untouched and leaves reserves where the first execution left them.
func TestExecuteIdempotentReplay(t *testing.T) {
	eng, markets, trades := newTestEngine()
	ctx := context.Background()

	m, _ := eng.CreateMarket(ctx, "tl-1", "q", []string{"yes", "no"}, decimal.NewFromInt(1000))
	req := ExecuteRequest{
		MarketID:       m.ID,
		OutcomeIdx:     0,
		QuoteAmount:    decimal.NewFromInt(50),
		Side:           domain.OrderSideBuy,
		OwnerRef:       "agent-1",
		IdempotencyKey: "same-key",
	}

	first, err := eng.Execute(ctx, req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := eng.Execute(ctx, req)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical trade id, got %s vs %s", first.ID, second.ID)
	}
	if len(trades.rows) != 1 {
		t.Fatalf("expected exactly one persisted trade, got %d", len(trades.rows))
	}

	afterFirst, _ := markets.GetByID(ctx, m.ID)
	wantReserve := m.Reserves[0].Sub(decimal.NewFromFloat(first.Shares))
	if diff, _ := afterFirst.Reserves[0].Sub(wantReserve).Float64(); diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("expected outcome-0 reserve ~%s after one fill, got %s", wantReserve, afterFirst.Reserves[0])
	}
}

// Scenario D: two successive buys in the same direction each have worse
// (higher) realized price than the one before (monotonic price impact).
func TestSuccessiveBuysWorsenPrice(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	m, _ := eng.CreateMarket(ctx, "tl-1", "q", []string{"yes", "no"}, decimal.NewFromInt(1000))

	t1, err := eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, QuoteAmount: decimal.NewFromInt(50),
		Side: domain.OrderSideBuy, OwnerRef: "a1", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("trade 1: %v", err)
	}
	t2, err := eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, QuoteAmount: decimal.NewFromInt(50),
		Side: domain.OrderSideBuy, OwnerRef: "a1", IdempotencyKey: "k2",
	})
	if err != nil {
		t.Fatalf("trade 2: %v", err)
	}

	if t2.RealizedPrice <= t1.RealizedPrice {
		t.Fatalf("expected trade 2 price %.6f > trade 1 price %.6f", t2.RealizedPrice, t1.RealizedPrice)
	}
	if t2.Shares >= t1.Shares {
		t.Fatalf("expected trade 2 shares %.6f < trade 1 shares %.6f (same quote, worse price)", t2.Shares, t1.Shares)
	}
}

// Reserves never go negative across a sequence of trades on both sides.
func TestReservesNeverNegative(t *testing.T) {
	eng, markets, _ := newTestEngine()
	ctx := context.Background()

	m, _ := eng.CreateMarket(ctx, "tl-1", "q", []string{"yes", "no"}, decimal.NewFromInt(1000))

	for i := 0; i < 5; i++ {
		_, err := eng.Execute(ctx, ExecuteRequest{
			MarketID: m.ID, OutcomeIdx: 0, QuoteAmount: decimal.NewFromInt(10),
			Side: domain.OrderSideBuy, OwnerRef: "a1", IdempotencyKey: uniqueKey(i),
		})
		if err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
	}

	after, _ := markets.GetByID(ctx, m.ID)
	for i, r := range after.Reserves {
		if r.IsNegative() {
			t.Fatalf("reserve %d went negative: %s", i, r)
		}
	}
}

func uniqueKey(i int) string {
	return time.Now().Add(time.Duration(i) * time.Nanosecond).String() + "-seq"
}

func TestQuoteRejectsClosedMarket(t *testing.T) {
	eng, markets, _ := newTestEngine()
	ctx := context.Background()

	m, _ := eng.CreateMarket(ctx, "tl-1", "q", []string{"yes", "no"}, decimal.NewFromInt(1000))
	if err := eng.Close(ctx, m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	closed, _ := markets.GetByID(ctx, m.ID)
	if closed.Status != domain.MarketStatusClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}

	_, err := eng.Quote(ctx, m.ID, 0, decimal.NewFromInt(10), domain.OrderSideBuy)
	if !errors.Is(err, domain.ErrMarketClosed) {
		t.Fatalf("expected ErrMarketClosed, got %v", err)
	}
}

func TestResolveRequiresClosedFirst(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	m, _ := eng.CreateMarket(ctx, "tl-1", "q", []string{"yes", "no"}, decimal.NewFromInt(1000))
	if err := eng.Resolve(ctx, m.ID, 0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition resolving an open market, got %v", err)
	}

	if err := eng.Close(ctx, m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eng.Resolve(ctx, m.ID, 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
}

func TestVoidMarketsForTimelineSkipsResolved(t *testing.T) {
	eng, markets, _ := newTestEngine()
	ctx := context.Background()

	open, _ := eng.CreateMarket(ctx, "tl-reap", "q1", []string{"yes", "no"}, decimal.NewFromInt(100))
	resolved, _ := eng.CreateMarket(ctx, "tl-reap", "q2", []string{"yes", "no"}, decimal.NewFromInt(100))
	_ = eng.Close(ctx, resolved.ID)
	_ = eng.Resolve(ctx, resolved.ID, 0)

	voided, err := eng.VoidMarketsForTimeline(ctx, "tl-reap", "timeline reaped")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if len(voided) != 1 || voided[0].ID != open.ID {
		t.Fatalf("expected only %s voided, got %+v", open.ID, voided)
	}

	afterResolved, _ := markets.GetByID(ctx, resolved.ID)
	if afterResolved.Status != domain.MarketStatusResolved {
		t.Fatalf("resolved market should stay resolved, got %s", afterResolved.Status)
	}
}
