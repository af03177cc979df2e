package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
)

// SharkParams tunes the momentum policy.
type SharkParams struct {
	// GradientThreshold is the minimum confidence gradient (recent window
	// mean minus trailing window mean) before the shark acts.
	GradientThreshold float64
	// RecentWindow and TrailingWindow bound the two lookbacks compared.
	RecentWindow   time.Duration
	TrailingWindow time.Duration
	// BaseSize is the quote size at exactly the threshold; size scales
	// linearly with the gradient above it, weighted by the agent's
	// aggression trait.
	BaseSize float64
	MaxSize  float64
}

// DefaultSharkParams returns the tuned defaults.
func DefaultSharkParams() SharkParams {
	return SharkParams{
		GradientThreshold: 0.05,
		RecentWindow:      5 * time.Minute,
		TrailingWindow:    30 * time.Minute,
		BaseSize:          25,
		MaxSize:           250,
	}
}

// Shark is the momentum archetype: it buys the outcome whose signal
// confidence is accelerating, sized by how steep the gradient is.
type Shark struct {
	params SharkParams
}

// NewShark creates the shark policy.
func NewShark(params SharkParams) *Shark {
	return &Shark{params: params}
}

func (s *Shark) Archetype() domain.Archetype { return domain.ArchetypeShark }

// Decide scans the agent's open markets for the steepest positive
// confidence gradient and buys YES on it (or NO when the gradient is
// negative past the threshold).
func (s *Shark) Decide(ctx context.Context, tc TickContext) (Decision, error) {
	bestGradient := 0.0
	var best *domain.Market

	for i := range tc.Markets {
		m := tc.Markets[i]
		topic := topicForMarket(m)

		recent, err := tc.Signals.Window(ctx, topic, s.params.RecentWindow)
		if err != nil {
			return Decision{}, fmt.Errorf("shark: recent window %s: %w", topic, err)
		}
		trailing, err := tc.Signals.Window(ctx, topic, s.params.TrailingWindow)
		if err != nil {
			return Decision{}, fmt.Errorf("shark: trailing window %s: %w", topic, err)
		}
		if recent.Count == 0 || trailing.Count == 0 {
			continue
		}

		gradient := recent.MeanConfidence - trailing.MeanConfidence
		if abs(gradient) > abs(bestGradient) {
			bestGradient = gradient
			best = &tc.Markets[i]
		}
	}

	if best == nil || abs(bestGradient) < s.params.GradientThreshold {
		return NoOp("no confidence gradient above threshold"), nil
	}

	side := domain.OrderSideBuy
	outcome := 0 // YES
	if bestGradient < 0 {
		outcome = 1 // NO strengthens as confidence collapses
	}

	scale := abs(bestGradient) / s.params.GradientThreshold
	size := s.params.BaseSize * scale * (0.5 + tc.Agent.Traits.Aggression)
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
		MarketID:   best.ID,
		OutcomeIdx: outcome,
		Side:       side,
		Size:       decimal.NewFromFloat(size),
		Reason:     fmt.Sprintf("confidence gradient %+.3f on %s", bestGradient, topicForMarket(*best)),
	}, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
