package domain

import "time"

// OrderSide is the direction of a trade against a market's CPMM curve.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the lifecycle of an order placed against the engine.
// There is no resting order book: every order is matched immediately
// against the CPMM curve or rejected outright.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is a request to trade against a market's CPMM curve.
type Order struct {
	ID             string
	MarketID       string
	TimelineID     string
	OutcomeIdx     int
	Side           OrderSide
	QuoteAmount    float64 // notional offered on a buy, shares offered on a sell
	MinSharesOut   float64 // slippage floor for buys
	MinQuoteOut    float64 // slippage floor for sells
	OwnerRef       string  // participant or agent id
	IdempotencyKey string
	Status         OrderStatus
	FilledShares   float64
	FilledQuote    float64
	RealizedPrice  float64
	Reason         string
	CreatedAt      time.Time
	FilledAt       *time.Time
}

// OrderResult wraps the outcome of an execute call.
type OrderResult struct {
	Order          Order
	Success        bool
	ShouldRetry    bool
	Message        string
	PriceImpactBps float64
}
