package domain

import "time"

// BuilderAttributionRecord credits the external platform order flow (or
// internal agent action) that caused a fill, for downstream fee-sharing and
// audit. Append-only: one record per acknowledged outbound order.
type BuilderAttributionRecord struct {
	ID           string
	TradeID      string
	MarketID     string
	BuilderRef   string // platform adapter name, agent id, or "direct"
	FeeBps       float64
	FeeAmount    float64
	CreatedAt    time.Time
}
