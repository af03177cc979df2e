package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
//
// The state machine is: open -> closed -> resolving -> resolved ; open ->
// voided ; resolved and voided are terminal.
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolving MarketStatus = "resolving"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusVoided    MarketStatus = "voided"
)

// Market is a tradable question with finitely many outcomes, priced by a
// constant-product market maker. Reserves are kept as decimal.Decimal rather
// than float64 so that long trade sequences cannot drift away from the
// conservation invariant through floating point error.
type Market struct {
	ID           string
	TimelineID   string
	Question     string
	Outcomes     []string          // ordered, 2..16
	Reserves     []decimal.Decimal // per-outcome reserves, len(Reserves) == len(Outcomes)
	SeedLiquidity decimal.Decimal
	TotalVolume  decimal.Decimal
	Status       MarketStatus
	CreatedTS    time.Time
	ResolutionTS *time.Time
	WinningIdx   *int
}

// OutcomeOdds returns the implied probability of each outcome under the
// constant-product rule: for a binary market this is n/(y+n) for YES and
// y/(y+n) for NO; the N-outcome generalization normalizes each outcome's
// "complement reserve" (the product of all other reserves) against the sum
// across outcomes, which reduces to the binary rule when there are exactly
// two outcomes.
func (m Market) OutcomeOdds() []decimal.Decimal {
	n := len(m.Reserves)
	if n == 0 {
		return nil
	}
	if n == 2 {
		sum := m.Reserves[0].Add(m.Reserves[1])
		if sum.IsZero() {
			return []decimal.Decimal{decimal.Zero, decimal.Zero}
		}
		return []decimal.Decimal{
			m.Reserves[1].Div(sum),
			m.Reserves[0].Div(sum),
		}
	}

	complements := make([]decimal.Decimal, n)
	total := decimal.Zero
	for i := range m.Reserves {
		c := decimal.NewFromInt(1)
		for j := range m.Reserves {
			if i == j {
				continue
			}
			c = c.Mul(m.Reserves[j])
		}
		complements[i] = c
		total = total.Add(c)
	}
	odds := make([]decimal.Decimal, n)
	if total.IsZero() {
		return odds
	}
	for i := range complements {
		odds[i] = complements[i].Div(total)
	}
	return odds
}

// IsOpen reports whether the market currently accepts quotes/trades.
func (m Market) IsOpen() bool {
	return m.Status == MarketStatusOpen
}

// TradeRecord is an executed fill against a market with its signed share
// delta. Reserves are not a plain sum of these deltas: under the CPMM a buy
// lowers the traded outcome's reserve by the shares received and raises the
// other outcomes' reserves by the quote amount.
type TradeRecord struct {
	TradeID      string
	MarketID     string
	OutcomeIdx   int
	Side         OrderSide
	QuoteAmount  decimal.Decimal
	SharesDelta  decimal.Decimal // signed: positive for buys, negative for sells
	RealizedPx   decimal.Decimal
	OwnerRef     string
	IdempotencyKey string
	CreatedAt    time.Time
}

// Quote is the result of a non-binding price check; it never mutates state.
type Quote struct {
	MarketID      string
	OutcomeIdx    int
	Side          OrderSide
	QuoteAmount   decimal.Decimal
	SharesOut     decimal.Decimal
	ExpectedPrice decimal.Decimal
	PriceImpactBps decimal.Decimal
	PostReserves  []decimal.Decimal
	IssuedAt      time.Time
}
