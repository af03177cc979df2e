package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
)

// SaboteurParams tunes the adversary policy.
type SaboteurParams struct {
	// PriorWindow mirrors the diplomat's lookback; the saboteur pushes the
	// opposite direction.
	PriorWindow time.Duration
	BaseSize    float64
	MaxSize     float64
	// JitterFraction randomizes size so sabotage flow is harder to
	// fingerprint; drawn from the tick's RNG, which is the scheduler's
	// shared generator (the provider's local fallback in the app wiring).
	JitterFraction float64
}

// DefaultSaboteurParams returns the tuned defaults.
func DefaultSaboteurParams() SaboteurParams {
	return SaboteurParams{
		PriorWindow:    time.Hour,
		BaseSize:       60,
		MaxSize:        300,
		JitterFraction: 0.3,
	}
}

// Saboteur is the adversary archetype: it trades to widen its timeline's
// logic gap, pushing prices away from the signal prior. The scheduler
// enforces the hourly per-agent cap and the tier-2 sabotage ban before this
// policy's decision is executed.
type Saboteur struct {
	params SaboteurParams
}

// NewSaboteur creates the saboteur policy.
func NewSaboteur(params SaboteurParams) *Saboteur {
	return &Saboteur{params: params}
}

func (s *Saboteur) Archetype() domain.Archetype { return domain.ArchetypeSaboteur }

// Decide finds the market already furthest from its signal prior and pushes
// it further.
func (s *Saboteur) Decide(ctx context.Context, tc TickContext) (Decision, error) {
	bestDeviation := 0.0
	var best *domain.Market

	for i := range tc.Markets {
		m := tc.Markets[i]
		if len(m.Reserves) != 2 {
			continue
		}
		topic := topicForMarket(m)

		window, err := tc.Signals.Window(ctx, topic, s.params.PriorWindow)
		if err != nil {
			return Decision{}, fmt.Errorf("saboteur: window %s: %w", topic, err)
		}
		if window.Count == 0 {
			continue
		}

		odds := m.OutcomeOdds()
		implied, _ := odds[0].Float64()
		deviation := implied - window.MeanConfidence
		if abs(deviation) >= abs(bestDeviation) {
			bestDeviation = deviation
			best = &tc.Markets[i]
		}
	}

	if best == nil {
		return NoOp("no market with a signal prior to push against"), nil
	}

	// Push in the direction of the existing deviation; when flat, pick a
	// side from the jitter source.
	outcome := 0
	switch {
	case bestDeviation > 0:
		outcome = 0 // YES already rich: make it richer
	case bestDeviation < 0:
		outcome = 1
	default:
		if tc.Rng != nil && tc.Rng.Float64() < 0.5 {
			outcome = 1
		}
	}

	size := s.params.BaseSize * (0.5 + tc.Agent.Traits.Aggression)
	if tc.Rng != nil {
		size *= 1 + s.params.JitterFraction*(tc.Rng.Float64()*2-1)
	}
	if size > s.params.MaxSize {
		size = s.params.MaxSize
	}
	if size > tc.Agent.BudgetRemaining {
		size = tc.Agent.BudgetRemaining
	}
	if size <= 0 {
		return NoOp("budget exhausted"), nil
	}

	return Decision{
		MarketID:    best.ID,
		OutcomeIdx:  outcome,
		Side:        domain.OrderSideBuy,
		Size:        decimal.NewFromFloat(size),
		Reason:      fmt.Sprintf("widening gap %+.3f on %s", bestDeviation, best.ID),
		SabotageHit: true,
	}, nil
}
