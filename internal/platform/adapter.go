package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/echelon-core/echelon/internal/domain"
)

// EventSink is the narrow publish surface onto the Event Bus.
type EventSink interface {
	Publish(ctx context.Context, kind string, payload any)
}

// Config holds the adapter's venue budgets and attribution tag.
type Config struct {
	BuilderCode string

	// Venue request budgets: Polymarket 100/60s, Kalshi 10/1s.
	PolymarketLimit  int
	PolymarketWindow time.Duration
	KalshiLimit      int
	KalshiWindow     time.Duration
}

// DefaultConfig returns the published venue budgets.
func DefaultConfig() Config {
	return Config{
		PolymarketLimit:  100,
		PolymarketWindow: 60 * time.Second,
		KalshiLimit:      10,
		KalshiWindow:     time.Second,
	}
}

// Adapter fronts every venue with shared rate limiting, retry, and builder
// attribution. All outbound traffic flows through here; venue clients are
// never called directly by the rest of the core.
type Adapter struct {
	cfg      Config
	venues   map[VenueName]Venue
	limiters map[VenueName]*Limiter

	attribution domain.AttributionStore // nil in simulation-only deployments
	events      EventSink
	logger      *slog.Logger

	blocking bool
}

// New constructs an Adapter over the given venues. distributed may be nil
// (single-process: the local token buckets alone bound the budget).
func New(cfg Config, venues []Venue, distributed domain.RateLimiter, attribution domain.AttributionStore, events EventSink, logger *slog.Logger) *Adapter {
	a := &Adapter{
		cfg:         cfg,
		venues:      make(map[VenueName]Venue, len(venues)),
		limiters:    make(map[VenueName]*Limiter, len(venues)),
		attribution: attribution,
		events:      events,
		logger:      logger.With(slog.String("component", "platform_adapter")),
		blocking:    true,
	}
	for _, v := range venues {
		a.venues[v.Name()] = v
		switch v.Name() {
		case VenueKalshi:
			a.limiters[v.Name()] = NewLimiter("ratelimit:kalshi", cfg.KalshiLimit, cfg.KalshiWindow, distributed)
		default:
			a.limiters[v.Name()] = NewLimiter("ratelimit:"+string(v.Name()), cfg.PolymarketLimit, cfg.PolymarketWindow, distributed)
		}
	}
	return a
}

// NonBlocking returns a view of the adapter whose calls fail with
// ErrRateLimited instead of waiting when the venue budget is exhausted.
func (a *Adapter) NonBlocking() *Adapter {
	cp := *a
	cp.blocking = false
	return &cp
}

func (a *Adapter) venue(name VenueName) (Venue, *Limiter, error) {
	v, ok := a.venues[name]
	if !ok {
		return nil, nil, fmt.Errorf("platform: unknown venue %q: %w", name, domain.ErrInvalidArg)
	}
	return v, a.limiters[name], nil
}

// call takes one rate-limit slot for the venue, then runs fn with
// retry/backoff. Each retry attempt consumes its own slot so retries cannot
// sneak past the window budget.
func (a *Adapter) call(ctx context.Context, name VenueName, fn func(Venue) error) error {
	v, lim, err := a.venue(name)
	if err != nil {
		return err
	}
	return doWithRetry(ctx, func() error {
		if err := lim.Acquire(ctx, a.blocking); err != nil {
			return err
		}
		return fn(v)
	})
}

// SearchMarkets queries a venue's market listings.
func (a *Adapter) SearchMarkets(ctx context.Context, name VenueName, query string, limit int) ([]ExtMarket, error) {
	var out []ExtMarket
	err := a.call(ctx, name, func(v Venue) error {
		var err error
		out, err = v.SearchMarkets(ctx, query, limit)
		return err
	})
	return out, err
}

// GetOrderBook fetches one market's book snapshot.
func (a *Adapter) GetOrderBook(ctx context.Context, name VenueName, marketID string) (OrderBook, error) {
	var out OrderBook
	err := a.call(ctx, name, func(v Venue) error {
		var err error
		out, err = v.GetOrderBook(ctx, marketID)
		return err
	})
	return out, err
}

// CreateOrder stamps the configured builder code onto req, submits it, and
// on ACK writes exactly one BuilderAttributionRecord before returning.
func (a *Adapter) CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	req.BuilderCode = a.cfg.BuilderCode

	var ack OrderAck
	err := a.call(ctx, req.Venue, func(v Venue) error {
		var err error
		ack, err = v.CreateOrder(ctx, req)
		return err
	})
	if err != nil {
		return OrderAck{}, err
	}

	a.recordAttribution(ctx, req, ack)
	return ack, nil
}

// CancelOrder cancels an external order.
func (a *Adapter) CancelOrder(ctx context.Context, name VenueName, orderID string) error {
	return a.call(ctx, name, func(v Venue) error {
		return v.CancelOrder(ctx, orderID)
	})
}

// GetPositions lists live positions at a venue.
func (a *Adapter) GetPositions(ctx context.Context, name VenueName) ([]ExtPosition, error) {
	var out []ExtPosition
	err := a.call(ctx, name, func(v Venue) error {
		var err error
		out, err = v.GetPositions(ctx)
		return err
	})
	return out, err
}

// Stream runs a venue's multiplexed stream with per-symbol handlers,
// blocking until ctx is cancelled. Reconnection is the venue client's
// responsibility; stream reads are not rate-limited (the budget applies to
// request/response traffic only).
func (a *Adapter) Stream(ctx context.Context, name VenueName, handlers map[string]StreamHandler) error {
	v, _, err := a.venue(name)
	if err != nil {
		return err
	}
	return v.Stream(ctx, handlers)
}

// recordAttribution persists the BuilderAttributionRecord for one ACK and
// announces it. The write failing is logged loudly but does not fail the
// order: the venue has already accepted it.
func (a *Adapter) recordAttribution(ctx context.Context, req OrderRequest, ack OrderAck) {
	builderRef := req.BuilderCode
	if req.AgentID != "" {
		builderRef = req.BuilderCode + "/" + req.AgentID
	}
	rec := domain.BuilderAttributionRecord{
		ID:         uuid.New().String(),
		TradeID:    ack.OrderID,
		MarketID:   ack.MarketID,
		BuilderRef: builderRef,
		CreatedAt:  ack.ReceivedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if a.attribution != nil {
		if err := a.attribution.Create(ctx, rec); err != nil {
			a.logger.ErrorContext(ctx, "attribution record write failed",
				slog.String("trade_id", rec.TradeID), slog.String("error", err.Error()))
		}
	}
	if a.events != nil {
		a.events.Publish(ctx, string(domain.EventTradeExecuted), rec)
	}
}
