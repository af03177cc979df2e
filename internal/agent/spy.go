package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
)

// SpyParams tunes the information policy.
type SpyParams struct {
	// ExclusiveWindow is how fresh a signal must be for the spy to treat it
	// as exclusive information worth trading on.
	ExclusiveWindow time.Duration
	// MinConfidence filters out weak signals even when fresh.
	MinConfidence float64
	BaseSize      float64
}

// DefaultSpyParams returns the tuned defaults.
func DefaultSpyParams() SpyParams {
	return SpyParams{
		ExclusiveWindow: 30 * time.Second,
		MinConfidence:   0.6,
		BaseSize:        50,
	}
}

// Spy is the information archetype: it trades only while holding a signal
// young enough that slower agents have not observed it yet, and otherwise
// stays flat.
type Spy struct {
	params SpyParams
}

// NewSpy creates the spy policy.
func NewSpy(params SpyParams) *Spy {
	return &Spy{params: params}
}

func (s *Spy) Archetype() domain.Archetype { return domain.ArchetypeSpy }

// Decide looks for the freshest unobserved signal across the agent's
// markets; anything older than the exclusive window is public knowledge and
// yields a no-op.
func (s *Spy) Decide(ctx context.Context, tc TickContext) (Decision, error) {
	for i := range tc.Markets {
		m := tc.Markets[i]
		topic := topicForMarket(m)

		sigs, err := tc.Signals.Query(ctx, topic, tc.LastObserve, 1)
		if err != nil {
			return Decision{}, fmt.Errorf("spy: query %s: %w", topic, err)
		}
		if len(sigs) == 0 {
			continue
		}
		sig := sigs[0]

		age := tc.Now.Sub(sig.Timestamp)
		if age > s.params.ExclusiveWindow {
			continue // stale: the edge is gone
		}
		if sig.Confidence < s.params.MinConfidence {
			continue
		}

		// High-confidence fresh signal: buy YES; a strongly disconfirming
		// one (low confidence on an affirmative topic) buys NO.
		outcome := 0
		if sig.Confidence < 0.5 {
			outcome = 1
		}

		size := s.params.BaseSize * (0.5 + tc.Agent.Traits.SignalTrust)
		if size > tc.Agent.BudgetRemaining {
			size = tc.Agent.BudgetRemaining
		}
		if size <= 0 {
			return NoOp("budget exhausted"), nil
		}

		return Decision{
			MarketID:   m.ID,
			OutcomeIdx: outcome,
			Side:       domain.OrderSideBuy,
			Size:       decimal.NewFromFloat(size),
			Reason:     fmt.Sprintf("exclusive signal %s age %s conf %.2f", sig.ID, age.Round(time.Second), sig.Confidence),
		}, nil
	}

	return NoOp("no exclusive signal in window"), nil
}
