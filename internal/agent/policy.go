// Package agent implements the Agent Scheduler: one logical worker per live
// agent, each driven by an archetype policy (shark, spy, diplomat,
// saboteur) against the market engine, signal store, and — for real-capital
// timelines — the external platform adapter.
package agent

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
)

// SignalView is the slice of the signal store a policy may read.
type SignalView interface {
	Query(ctx context.Context, topic string, sinceTS time.Time, limit int) ([]domain.Signal, error)
	Window(ctx context.Context, topic string, lookback time.Duration) (domain.RecencyWindow, error)
}

// Decision is a policy's output for one tick: either an intent to trade one
// outcome of one market, or a no-op with a reason for the audit trail.
type Decision struct {
	MarketID    string
	OutcomeIdx  int
	Side        domain.OrderSide
	Size        decimal.Decimal
	Reason      string
	NoOp        bool
	NoOpReason  string
	SabotageHit bool // true when the decision is a saboteur action, for cap accounting
}

// NoOp returns a skip decision.
func NoOp(reason string) Decision {
	return Decision{NoOp: true, NoOpReason: reason}
}

// TickContext is everything a policy sees for one scheduling tick.
type TickContext struct {
	Agent       domain.Agent
	Markets     []domain.Market // open markets on the agent's timeline
	Signals     SignalView
	Rng         *clock.Randomness
	Now         time.Time
	LastObserve time.Time
}

// Policy is one archetype's decision function. Implementations must be
// stateless across agents (any per-agent memory lives on domain.Agent
// traits) so one policy instance can serve every agent of its archetype.
type Policy interface {
	Archetype() domain.Archetype
	Decide(ctx context.Context, tc TickContext) (Decision, error)
}

// topicForMarket derives the signal topic a market's question is keyed
// under. Markets are created with their topic as the question prefix up to
// the first colon, falling back to the whole question.
func topicForMarket(m domain.Market) string {
	for i := 0; i < len(m.Question); i++ {
		if m.Question[i] == ':' {
			return m.Question[:i]
		}
	}
	return m.Question
}
