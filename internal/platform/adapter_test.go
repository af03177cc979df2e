package platform

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeVenue scripts per-call failures for retry tests and counts requests.
type fakeVenue struct {
	name       VenueName
	calls      int
	failFirst  int   // fail this many calls before succeeding
	failWith   error // error used for scripted failures
	lastOrder  OrderRequest
	ackOrderID string
}

func (f *fakeVenue) Name() VenueName { return f.name }

func (f *fakeVenue) scripted() error {
	f.calls++
	if f.calls <= f.failFirst {
		return f.failWith
	}
	return nil
}

func (f *fakeVenue) SearchMarkets(ctx context.Context, query string, limit int) ([]ExtMarket, error) {
	if err := f.scripted(); err != nil {
		return nil, err
	}
	return []ExtMarket{{Venue: f.name, ID: "m-1", Question: query}}, nil
}

func (f *fakeVenue) GetOrderBook(ctx context.Context, marketID string) (OrderBook, error) {
	if err := f.scripted(); err != nil {
		return OrderBook{}, err
	}
	return OrderBook{Venue: f.name, MarketID: marketID, FetchedAt: time.Now()}, nil
}

func (f *fakeVenue) CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := f.scripted(); err != nil {
		return OrderAck{}, err
	}
	f.lastOrder = req
	return OrderAck{
		Venue:      f.name,
		OrderID:    f.ackOrderID,
		MarketID:   req.MarketID,
		Side:       req.Side,
		Size:       req.Size,
		Status:     "accepted",
		ReceivedAt: time.Now(),
	}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, orderID string) error { return f.scripted() }

func (f *fakeVenue) GetPositions(ctx context.Context) ([]ExtPosition, error) {
	if err := f.scripted(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeVenue) Stream(ctx context.Context, handlers map[string]StreamHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeAttributionStore struct {
	rows []domain.BuilderAttributionRecord
}

func (f *fakeAttributionStore) Create(ctx context.Context, r domain.BuilderAttributionRecord) error {
	f.rows = append(f.rows, r)
	return nil
}

func (f *fakeAttributionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.BuilderAttributionRecord, error) {
	return f.rows, nil
}

func (f *fakeAttributionStore) SumFeesByBuilder(ctx context.Context, builderRef string, since time.Time) (float64, error) {
	return 0, nil
}

func newTestAdapter(v *fakeVenue, attrib *fakeAttributionStore) *Adapter {
	cfg := DefaultConfig()
	cfg.BuilderCode = "bld-echelon"
	return New(cfg, []Venue{v}, nil, attrib, nil, discardLogger())
}

// Every acknowledged order produces exactly one attribution record with
// the configured builder code and matching trade id.
func TestCreateOrderRecordsAttribution(t *testing.T) {
	venue := &fakeVenue{name: VenuePolymarket, ackOrderID: "ord-42"}
	attrib := &fakeAttributionStore{}
	adapter := newTestAdapter(venue, attrib)

	ack, err := adapter.CreateOrder(context.Background(), OrderRequest{
		Venue:    VenuePolymarket,
		MarketID: "m-1",
		Side:     SideBuy,
		Size:     10,
		AgentID:  "agent-7",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if ack.OrderID != "ord-42" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if venue.lastOrder.BuilderCode != "bld-echelon" {
		t.Fatalf("builder code not stamped, got %q", venue.lastOrder.BuilderCode)
	}
	if len(attrib.rows) != 1 {
		t.Fatalf("expected exactly 1 attribution record, got %d", len(attrib.rows))
	}
	rec := attrib.rows[0]
	if rec.TradeID != "ord-42" {
		t.Fatalf("attribution trade id %q != ack order id", rec.TradeID)
	}
	if rec.BuilderRef != "bld-echelon/agent-7" {
		t.Fatalf("unexpected builder ref %q", rec.BuilderRef)
	}
}

func TestRejectedOrderRecordsNoAttribution(t *testing.T) {
	venue := &fakeVenue{
		name:      VenuePolymarket,
		failFirst: 99,
		failWith:  &HTTPStatusError{StatusCode: http.StatusBadRequest, Body: "bad order"},
	}
	attrib := &fakeAttributionStore{}
	adapter := newTestAdapter(venue, attrib)

	_, err := adapter.CreateOrder(context.Background(), OrderRequest{Venue: VenuePolymarket, MarketID: "m-1"})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if len(attrib.rows) != 0 {
		t.Fatalf("no attribution expected for rejected order, got %d", len(attrib.rows))
	}
	if venue.calls != 1 {
		t.Fatalf("4xx must not be retried, venue saw %d calls", venue.calls)
	}
}

func TestTransientErrorsRetryUpToThreeAttempts(t *testing.T) {
	venue := &fakeVenue{
		name:      VenuePolymarket,
		failFirst: 2,
		failWith:  &HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Body: "maintenance"},
	}
	adapter := newTestAdapter(venue, &fakeAttributionStore{})

	book, err := adapter.GetOrderBook(context.Background(), VenuePolymarket, "m-9")
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if book.MarketID != "m-9" {
		t.Fatalf("unexpected book %+v", book)
	}
	if venue.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", venue.calls)
	}
}

func TestTransientErrorsExhaustAfterThreeAttempts(t *testing.T) {
	venue := &fakeVenue{
		name:      VenuePolymarket,
		failFirst: 99,
		failWith:  &HTTPStatusError{StatusCode: http.StatusGatewayTimeout, Body: "upstream"},
	}
	adapter := newTestAdapter(venue, &fakeAttributionStore{})

	_, err := adapter.GetOrderBook(context.Background(), VenuePolymarket, "m-9")
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if venue.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", venue.calls)
	}
}

// Non-blocking path: once the Kalshi window budget is spent, the
// non-blocking view fails fast with ErrRateLimited instead of queueing.
func TestNonBlockingAdapterFailsFastWhenSaturated(t *testing.T) {
	venue := &fakeVenue{name: VenueKalshi}
	cfg := DefaultConfig()
	cfg.KalshiLimit = 3
	cfg.KalshiWindow = time.Hour
	adapter := New(cfg, []Venue{venue}, nil, nil, nil, discardLogger())

	nb := adapter.NonBlocking()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := nb.GetOrderBook(ctx, VenueKalshi, "k-1"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := nb.GetOrderBook(ctx, VenueKalshi, "k-1")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
