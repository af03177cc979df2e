package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
)

// bps is the fixed-point scale for basis-point arithmetic.
var bps = decimal.NewFromInt(10000)

// simulateTrade applies the pinned constant-product rule to outcomeIdx's
// reserve against the pooled reserve of every other outcome, returning the
// resulting full reserve vector and the raw counterAmount of the trade (see
// settleAmounts for how this maps to shares/price by side). It does not
// mutate reserves; callers decide whether to commit the result.
//
// Binary markets (len(reserves) == 2) use the exact constant-product swap:
// k = y*n pre-trade, n' = n + delta, y' = k / n', shares = y - y'.
// N-outcome markets generalize by treating every non-traded outcome as one
// pooled reserve, trading against it with the same two-asset rule, then
// redistributing the pool back across its members in proportion to their
// pre-trade share — this preserves each untraded outcome's relative odds
// and collapses to the binary case exactly when there are two outcomes.
func simulateTrade(reserves []decimal.Decimal, outcomeIdx int, quoteAmount decimal.Decimal, side domain.OrderSide) ([]decimal.Decimal, decimal.Decimal, error) {
	if outcomeIdx < 0 || outcomeIdx >= len(reserves) {
		return nil, decimal.Zero, fmt.Errorf("market: simulate trade: outcome %d: %w", outcomeIdx, domain.ErrInvalidArg)
	}
	if quoteAmount.LessThanOrEqual(decimal.Zero) {
		return nil, decimal.Zero, fmt.Errorf("market: simulate trade: quote_amount must be positive: %w", domain.ErrInvalidArg)
	}

	y := reserves[outcomeIdx]
	pool := decimal.Zero
	poolShares := make([]decimal.Decimal, len(reserves))
	for i, r := range reserves {
		if i == outcomeIdx {
			continue
		}
		pool = pool.Add(r)
	}
	if pool.IsZero() {
		return nil, decimal.Zero, fmt.Errorf("market: simulate trade: empty complement pool: %w", domain.ErrInvalidArg)
	}
	for i, r := range reserves {
		if i == outcomeIdx {
			continue
		}
		poolShares[i] = r.Div(pool)
	}

	k := y.Mul(pool)

	var newY, newPool, delta decimal.Decimal
	switch side {
	case domain.OrderSideBuy:
		newPool = pool.Add(quoteAmount)
		newY = k.Div(newPool)
		delta = y.Sub(newY) // shares received
		if delta.LessThanOrEqual(decimal.Zero) {
			return nil, decimal.Zero, fmt.Errorf("market: simulate trade: non-positive shares out: %w", domain.ErrInvalidArg)
		}
	case domain.OrderSideSell:
		if quoteAmount.GreaterThan(y) {
			return nil, decimal.Zero, fmt.Errorf("market: simulate trade: sell exceeds outcome reserve: %w", domain.ErrInvalidArg)
		}
		newY = y.Add(quoteAmount)
		newPool = k.Div(newY)
		delta = pool.Sub(newPool) // quote returned
		if delta.LessThanOrEqual(decimal.Zero) {
			return nil, decimal.Zero, fmt.Errorf("market: simulate trade: non-positive proceeds: %w", domain.ErrInvalidArg)
		}
	default:
		return nil, decimal.Zero, fmt.Errorf("market: simulate trade: side %q: %w", side, domain.ErrInvalidArg)
	}

	out := make([]decimal.Decimal, len(reserves))
	out[outcomeIdx] = newY
	for i := range reserves {
		if i == outcomeIdx {
			continue
		}
		out[i] = poolShares[i].Mul(newPool)
	}

	return out, delta, nil
}

// settleAmounts derives the share count and realized price for a trade from
// simulateTrade's counterAmount, given the side. On a buy, quoteAmount is the
// notional spent and counterAmount is shares received. On a sell, quoteAmount
// is shares offered and counterAmount is proceeds received.
func settleAmounts(side domain.OrderSide, quoteAmount, counterAmount decimal.Decimal) (shares, price decimal.Decimal) {
	switch side {
	case domain.OrderSideSell:
		shares = quoteAmount
		if !shares.IsZero() {
			price = counterAmount.Div(shares)
		}
		return shares, price
	default: // OrderSideBuy
		shares = counterAmount
		if !shares.IsZero() {
			price = quoteAmount.Div(shares)
		}
		return shares, price
	}
}

// oddsOf computes implied per-outcome probability from a raw reserve vector
// using the same complement-product rule as domain.Market.OutcomeOdds, for
// use on a hypothetical post-trade reserve set that hasn't been committed to
// a Market yet.
func oddsOf(reserves []decimal.Decimal) []decimal.Decimal {
	n := len(reserves)
	if n == 0 {
		return nil
	}
	if n == 2 {
		sum := reserves[0].Add(reserves[1])
		if sum.IsZero() {
			return []decimal.Decimal{decimal.Zero, decimal.Zero}
		}
		return []decimal.Decimal{reserves[1].Div(sum), reserves[0].Div(sum)}
	}
	complements := make([]decimal.Decimal, n)
	total := decimal.Zero
	for i := range reserves {
		c := decimal.NewFromInt(1)
		for j := range reserves {
			if i == j {
				continue
			}
			c = c.Mul(reserves[j])
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

// bpsImpact returns (post-pre)/pre expressed in basis points, the price
// impact of a trade on the outcome it traded against.
func bpsImpact(pre, post decimal.Decimal) decimal.Decimal {
	if pre.IsZero() {
		return decimal.Zero
	}
	return post.Sub(pre).Div(pre).Mul(bps)
}
