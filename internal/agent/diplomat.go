package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
)

// DiplomatParams tunes the stabilizer policy.
type DiplomatParams struct {
	// StabilityDelta is the minimum divergence between a market's implied
	// probability and the aggregate signal prior before the diplomat leans
	// against it.
	StabilityDelta float64
	// PriorWindow is the signal lookback the prior is computed over.
	PriorWindow time.Duration
	BaseSize    float64
	MaxSize     float64
}

// DefaultDiplomatParams returns the tuned defaults.
func DefaultDiplomatParams() DiplomatParams {
	return DiplomatParams{
		StabilityDelta: 0.1,
		PriorWindow:    time.Hour,
		BaseSize:       40,
		MaxSize:        200,
	}
}

// Diplomat is the stabilizer archetype: it trades against any outcome whose
// implied probability has drifted from the timeline's aggregate-signal
// prior by more than the stability delta, pulling prices back toward
// evidence.
type Diplomat struct {
	params DiplomatParams
}

// NewDiplomat creates the diplomat policy.
func NewDiplomat(params DiplomatParams) *Diplomat {
	return &Diplomat{params: params}
}

func (d *Diplomat) Archetype() domain.Archetype { return domain.ArchetypeDiplomat }

// Decide finds the market whose YES odds deviate most from the signal prior
// and buys the undervalued side.
func (d *Diplomat) Decide(ctx context.Context, tc TickContext) (Decision, error) {
	bestDeviation := 0.0
	var best *domain.Market
	bestPrior := 0.0

	for i := range tc.Markets {
		m := tc.Markets[i]
		if len(m.Reserves) != 2 {
			continue
		}
		topic := topicForMarket(m)

		window, err := tc.Signals.Window(ctx, topic, d.params.PriorWindow)
		if err != nil {
			return Decision{}, fmt.Errorf("diplomat: window %s: %w", topic, err)
		}
		if window.Count == 0 {
			continue
		}
		prior := window.MeanConfidence

		odds := m.OutcomeOdds()
		implied, _ := odds[0].Float64()
		deviation := implied - prior
		if abs(deviation) > abs(bestDeviation) {
			bestDeviation = deviation
			best = &tc.Markets[i]
			bestPrior = prior
		}
	}

	if best == nil || abs(bestDeviation) < d.params.StabilityDelta {
		return NoOp("all markets within stability delta of prior"), nil
	}

	// Overpriced YES: buy NO; underpriced YES: buy YES.
	outcome := 0
	if bestDeviation > 0 {
		outcome = 1
	}

	size := d.params.BaseSize * abs(bestDeviation) / d.params.StabilityDelta
	if size > d.params.MaxSize {
		size = d.params.MaxSize
	}
	if size > tc.Agent.BudgetRemaining {
		size = tc.Agent.BudgetRemaining
	}
	if size <= 0 {
		return NoOp("budget exhausted"), nil
	}

	return Decision{
		MarketID:   best.ID,
		OutcomeIdx: outcome,
		Side:       domain.OrderSideBuy,
		Size:       decimal.NewFromFloat(size),
		Reason:     fmt.Sprintf("implied deviates %+.3f from prior %.3f", bestDeviation, bestPrior),
	}, nil
}
