package domain

import "time"

// Trade is a single executed fill against a market's CPMM curve.
type Trade struct {
	ID             string
	MarketID       string
	TimelineID     string
	OutcomeIdx     int
	Side           OrderSide
	OwnerRef       string
	QuoteAmount    float64
	Shares         float64
	RealizedPrice  float64
	PriceImpactBps float64
	IdempotencyKey string
	Timestamp      time.Time
}
