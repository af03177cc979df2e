package domain

import "time"

// PositionStatus tracks whether a position is open or has been settled.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is a participant or agent's holding of one outcome's shares in a
// market, aggregated across all of its fills.
type Position struct {
	ID           string
	MarketID     string
	TimelineID   string
	OutcomeIdx   int
	OwnerRef     string // participant or agent id
	Shares       float64
	AvgCost      float64
	RealizedPnL  float64
	Status       PositionStatus
	OpenedAt     time.Time
	ClosedAt     *time.Time
	SettledPrice *float64
}
