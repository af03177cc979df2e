package domain

import "time"

// Archetype names a pluggable agent policy. Each archetype implements a
// distinct trading posture; see the policies in internal/agent.
type Archetype string

const (
	ArchetypeShark     Archetype = "shark"      // momentum-chasing, aggressive sizing
	ArchetypeSpy       Archetype = "spy"        // signal-weighted, information-driven
	ArchetypeDiplomat  Archetype = "diplomat"   // liquidity-providing, stabilizing
	ArchetypeSaboteur  Archetype = "saboteur"   // exploits imbalance, destabilizing
)

// Traits are per-agent tunable weights layered on top of an archetype's
// base policy; values are expected in [0, 1] unless noted.
type Traits struct {
	RiskTolerance   float64
	SignalTrust     float64
	Aggression      float64
	PatienceTicks   int
}

// Agent is an autonomous actor scheduled by the engine to place trades.
// Sanity drifts down every decided tick and moves with trade outcomes; an
// agent whose sanity reaches zero goes dormant. A retired agent is kept
// rather than deleted, preserving its lineage for descendants spawned in
// its name.
type Agent struct {
	ID              string
	TimelineID      string
	Archetype       Archetype
	Traits          Traits
	Sanity          float64 // 0.0-1.0
	BudgetRemaining float64
	Generation      int
	ParentIDs       []string
	LastActionTS    time.Time
	Retired         bool
	CreatedAt       time.Time
}

// IsActive reports whether the agent can still be scheduled.
func (a Agent) IsActive() bool {
	return !a.Retired && a.Sanity > 0 && a.BudgetRemaining > 0
}

// AgentRelation records a parent/descendant lineage edge created when an
// agent spawns a successor (generational handoff on retirement or split).
type AgentRelation struct {
	ParentID string
	ChildID  string
	Reason   string
	CreatedAt time.Time
}

// ActionDecision is what an archetype policy returns for one scheduling
// tick: either an order to place, or a no-op with a reason for logging.
type ActionDecision struct {
	AgentID  string
	Order    *Order
	Skip     bool
	SkipReason string
}
