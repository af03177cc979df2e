// Package platform is the External Platform Adapter: rate-limited,
// retrying clients for Polymarket and Kalshi behind one venue interface,
// with builder attribution recorded on every acknowledged order and a
// multiplexed streaming channel per venue. The adapter never calls the
// Market Engine; it only persists attribution records and emits events.
package platform

import (
	"context"
	"time"
)

// VenueName identifies an external trading venue.
type VenueName string

const (
	VenuePolymarket VenueName = "polymarket"
	VenueKalshi     VenueName = "kalshi"
)

// ExtMarket is one externally-listed market, normalized across venues.
type ExtMarket struct {
	Venue      VenueName
	ID         string // venue-native market/condition id
	Ticker     string
	Question   string
	OutcomeIDs []string // venue-native outcome/token ids
	Outcomes   []string
	Active     bool
	Volume     float64
	EndDate    time.Time
}

// BookLevel is one price level of an external order book.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a snapshot of an external market's resting liquidity.
type OrderBook struct {
	Venue     VenueName
	MarketID  string
	Bids      []BookLevel // best first
	Asks      []BookLevel // best first
	FetchedAt time.Time
}

// OrderSide is the direction of an external order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderRequest is one outbound order. AgentID ties the order back to the
// internal agent that decided it (empty for operator-originated flow);
// BuilderCode is stamped by the adapter from configuration.
type OrderRequest struct {
	Venue       VenueName
	MarketID    string
	OutcomeID   string
	Side        OrderSide
	Size        float64
	LimitPrice  float64
	AgentID     string
	BuilderCode string
}

// OrderAck is a venue acknowledgement of an accepted order.
type OrderAck struct {
	Venue      VenueName
	OrderID    string
	MarketID   string
	Side       OrderSide
	Size       float64
	FillPrice  float64
	Status     string
	ReceivedAt time.Time
}

// ExtPosition is a live position held at a venue.
type ExtPosition struct {
	Venue     VenueName
	MarketID  string
	OutcomeID string
	Size      float64
	AvgPrice  float64
}

// StreamUpdate is one message off a venue's multiplexed stream.
type StreamUpdate struct {
	Venue      VenueName
	Symbol     string
	Kind       string // venue-native message type
	Payload    []byte // venue-native JSON
	ReceivedAt time.Time
}

// StreamHandler receives stream updates for one subscribed symbol.
type StreamHandler func(StreamUpdate)

// Venue is the per-platform client surface the adapter wraps. Stream blocks
// until ctx is cancelled, reconnecting internally with bounded backoff and
// dispatching updates to the handlers registered per symbol.
type Venue interface {
	Name() VenueName
	SearchMarkets(ctx context.Context, query string, limit int) ([]ExtMarket, error)
	GetOrderBook(ctx context.Context, marketID string) (OrderBook, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) ([]ExtPosition, error)
	Stream(ctx context.Context, handlers map[string]StreamHandler) error
}
