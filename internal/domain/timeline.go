package domain

import "time"

// TimelineVisibility controls who can see and participate in a timeline.
// GlobalOnChain is the root Global timeline and any VRF-seeded fork of it;
// UserPrivate/UserPublic are off-chain user forks; AgentSandbox is a fork an
// agent spawned for its own exploration, invisible to participant listings.
type TimelineVisibility string

const (
	TimelineVisibilityGlobalOnChain TimelineVisibility = "global_on_chain"
	TimelineVisibilityUserPrivate   TimelineVisibility = "user_private"
	TimelineVisibilityUserPublic    TimelineVisibility = "user_public"
	TimelineVisibilityAgentSandbox  TimelineVisibility = "agent_sandbox"
)

// TimelineStatus is the lifecycle state of a fork.
type TimelineStatus string

const (
	TimelineStatusActive TimelineStatus = "active"
	TimelineStatusDormant TimelineStatus = "dormant"
	// TimelineStatusReaped marks a timeline the Mode Supervisor or reality
	// oracle has declared impossible: its markets are voided and its
	// positions settled or refunded.
	TimelineStatusReaped TimelineStatus = "reaped"
)

// CapitalMode distinguishes the single canonical real-money-equivalent
// timeline from sandbox forks; dispute windows and settlement finality only
// apply to the Global timeline (see Timeline.IsGlobal).
type CapitalMode string

const (
	CapitalModeReal       CapitalMode = "real"
	CapitalModeSimulated  CapitalMode = "simulated"
)

// Timeline is a forkable branch of world state: a set of markets, agents,
// and signals that evolved from a fork point. The root timeline (ParentID
// == "") is the Global timeline and is the only one with CapitalMode real.
type Timeline struct {
	ID               string
	ParentID         string
	ForkPointStateHash string
	Visibility       TimelineVisibility
	Status           TimelineStatus
	CapitalMode      CapitalMode
	CreatorRef       string
	Stability        float64 // 0.0-1.0, decays with logic gaps and paradoxes
	LogicGap         float64 // accumulated divergence from parent's causal chain
	CreatedAt        time.Time
	LastActivityAt   time.Time
}

// IsGlobal reports whether this is the root, real-capital timeline.
func (t Timeline) IsGlobal() bool {
	return t.ParentID == "" && t.CapitalMode == CapitalModeReal
}

// LeaderboardEntry ranks a participant or agent within a timeline by
// realized performance.
type LeaderboardEntry struct {
	TimelineID string
	OwnerRef   string
	Rank       int
	NetWorth   float64
	PnL        float64
}

// ForkRequest captures the inputs needed to branch a new timeline off an
// existing one.
type ForkRequest struct {
	ParentID    string
	CreatorRef  string
	Visibility  TimelineVisibility
	CapitalMode CapitalMode
}
