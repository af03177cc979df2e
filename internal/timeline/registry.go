// Package timeline implements the Timeline Registry: forking, participant
// gating, leaderboards, and reaping for the four flavors of timeline
// (Global/on-chain, user-private, user-public, agent-sandbox).
package timeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
)

// MarketVoider is the narrow slice of *market.Engine the registry needs to
// cascade a reap into voided markets, kept as an interface so this package
// does not import internal/market back.
type MarketVoider interface {
	VoidMarketsForTimeline(ctx context.Context, timelineID, reason string) ([]domain.Market, error)
}

// EventSink is the narrow publish surface used to announce
// TimelineForked/TimelineReaped onto the Event Bus.
type EventSink interface {
	Publish(ctx context.Context, kind string, payload any)
}

// ForkUserConfig enumerates the recognized knobs for a user fork; unknown
// options are rejected at the edge, not silently ignored.
type ForkUserConfig struct {
	Visibility         domain.TimelineVisibility // must be UserPrivate or UserPublic
	SimulatedCapital   float64
	InviteList         []string // nil means no invite restriction beyond the creator
	LeaderboardEnabled bool
}

// Registry is the Timeline Registry.
type Registry struct {
	timelines    domain.TimelineStore
	participants domain.ParticipantStore
	positions    domain.PositionStore

	markets MarketVoider
	events  EventSink

	logger *slog.Logger
}

// New constructs a Registry. markets and events may be nil (reap degrades to
// marking the timeline reaped without a market-voiding cascade, used in
// tests that only exercise fork/participation logic).
func New(
	timelines domain.TimelineStore,
	participants domain.ParticipantStore,
	positions domain.PositionStore,
	markets MarketVoider,
	events EventSink,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		timelines:    timelines,
		participants: participants,
		positions:    positions,
		markets:      markets,
		events:       events,
		logger:       logger.With(slog.String("component", "timeline_registry")),
	}
}

// ForkGlobal branches a new on-chain-visibility timeline off parentID,
// requiring a VRF-derived RandomnessBundle so the fork point is externally
// verifiable. The fork-point hash commits to the parent's own hash, the
// triggering market reference, the premise text, and the VRF seed, so the
// same inputs always reproduce the same commitment.
func (r *Registry) ForkGlobal(ctx context.Context, parentID, sourceMarketRef, premise string, durationS int, rng clock.RandomnessBundle) (domain.Timeline, error) {
	parent, err := r.timelines.GetByID(ctx, parentID)
	if err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: fork_global: parent %s: %w", parentID, domain.ErrNotFound)
	}

	hash := forkPointHash(parent.ForkPointStateHash, sourceMarketRef, premise, rng.Seed[:])
	now := time.Now()
	t := domain.Timeline{
		ID:                 uuid.New().String(),
		ParentID:           parent.ID,
		ForkPointStateHash: hash,
		Visibility:         domain.TimelineVisibilityGlobalOnChain,
		Status:             domain.TimelineStatusActive,
		CapitalMode:        domain.CapitalModeSimulated,
		CreatorRef:         "system:fork_global",
		Stability:          1.0,
		LogicGap:           0,
		CreatedAt:          now,
		LastActivityAt:     now,
	}
	if err := r.timelines.Create(ctx, t); err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: fork_global: %w", domain.ErrStorageFault)
	}
	r.publish(ctx, "TimelineForked", t)
	return t, nil
}

// ForkUser branches a new off-chain timeline under ownerRef's control. No
// VRF is required — the fork point is simply "now", since off-chain forks
// carry no on-chain verifiability claim.
func (r *Registry) ForkUser(ctx context.Context, parentID, ownerRef, sourceMarketRef, premise string, cfg ForkUserConfig) (domain.Timeline, error) {
	parent, err := r.timelines.GetByID(ctx, parentID)
	if err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: fork_user: parent %s: %w", parentID, domain.ErrNotFound)
	}
	if cfg.Visibility != domain.TimelineVisibilityUserPrivate && cfg.Visibility != domain.TimelineVisibilityUserPublic {
		return domain.Timeline{}, fmt.Errorf("timeline: fork_user: visibility %q: %w", cfg.Visibility, domain.ErrInvalidArg)
	}

	hash := forkPointHash(parent.ForkPointStateHash, sourceMarketRef, premise, []byte(ownerRef))
	now := time.Now()
	t := domain.Timeline{
		ID:                 uuid.New().String(),
		ParentID:           parent.ID,
		ForkPointStateHash: hash,
		Visibility:         cfg.Visibility,
		Status:             domain.TimelineStatusActive,
		CapitalMode:        domain.CapitalModeSimulated,
		CreatorRef:         ownerRef,
		Stability:          1.0,
		LogicGap:           0,
		CreatedAt:          now,
		LastActivityAt:     now,
	}
	if err := r.timelines.Create(ctx, t); err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: fork_user: %w", domain.ErrStorageFault)
	}

	if r.participants != nil {
		if err := r.participants.Invite(ctx, t.ID, ownerRef); err != nil {
			r.logger.WarnContext(ctx, "creator self-invite failed", slog.String("timeline_id", t.ID), slog.String("error", err.Error()))
		}
		for _, invitee := range cfg.InviteList {
			if err := r.participants.Invite(ctx, t.ID, invitee); err != nil {
				r.logger.WarnContext(ctx, "invite failed", slog.String("timeline_id", t.ID), slog.String("owner_ref", invitee), slog.String("error", err.Error()))
			}
		}
	}

	r.publish(ctx, "TimelineForked", t)
	return t, nil
}

// ForkAgentSandbox branches a private, VRF-less timeline an agent uses for
// its own what-if exploration. It is never listed to participants and
// carries no invite list.
func (r *Registry) ForkAgentSandbox(ctx context.Context, parentID, agentRef, premise string) (domain.Timeline, error) {
	parent, err := r.timelines.GetByID(ctx, parentID)
	if err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: fork_agent_sandbox: parent %s: %w", parentID, domain.ErrNotFound)
	}
	hash := forkPointHash(parent.ForkPointStateHash, agentRef, premise, nil)
	now := time.Now()
	t := domain.Timeline{
		ID:                 uuid.New().String(),
		ParentID:           parent.ID,
		ForkPointStateHash: hash,
		Visibility:         domain.TimelineVisibilityAgentSandbox,
		Status:             domain.TimelineStatusActive,
		CapitalMode:        domain.CapitalModeSimulated,
		CreatorRef:         agentRef,
		Stability:          1.0,
		CreatedAt:          now,
		LastActivityAt:     now,
	}
	if err := r.timelines.Create(ctx, t); err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: fork_agent_sandbox: %w", domain.ErrStorageFault)
	}
	r.publish(ctx, "TimelineForked", t)
	return t, nil
}

// Get returns one timeline by ID.
func (r *Registry) Get(ctx context.Context, timelineID string) (domain.Timeline, error) {
	t, err := r.timelines.GetByID(ctx, timelineID)
	if err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: get %s: %w", timelineID, domain.ErrNotFound)
	}
	return t, nil
}

// CanParticipate enforces visibility plus invite list: global_on_chain
// and user_public timelines admit anyone, user_private requires ownerRef be
// the creator or on the invite list, and agent_sandbox admits only its own
// creator.
func (r *Registry) CanParticipate(ctx context.Context, ownerRef, timelineID string) (bool, error) {
	t, err := r.timelines.GetByID(ctx, timelineID)
	if err != nil {
		return false, fmt.Errorf("timeline: can_participate: %s: %w", timelineID, domain.ErrNotFound)
	}

	switch t.Visibility {
	case domain.TimelineVisibilityGlobalOnChain, domain.TimelineVisibilityUserPublic:
		return true, nil
	case domain.TimelineVisibilityAgentSandbox:
		return ownerRef == t.CreatorRef, nil
	case domain.TimelineVisibilityUserPrivate:
		if ownerRef == t.CreatorRef {
			return true, nil
		}
		if r.participants == nil {
			return false, nil
		}
		invited, err := r.participants.IsInvited(ctx, timelineID, ownerRef)
		if err != nil {
			return false, fmt.Errorf("timeline: can_participate: %w", domain.ErrStorageFault)
		}
		return invited, nil
	default:
		return false, nil
	}
}

// Leaderboard ranks owners within timelineID by realized P&L.
func (r *Registry) Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error) {
	entries, err := r.timelines.Leaderboard(ctx, timelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("timeline: leaderboard %s: %w", timelineID, domain.ErrStorageFault)
	}
	return entries, nil
}

// Reap marks timelineID reaped, voids via MarketVoider every market it still
// holds that is not already resolved or voided, and settles open positions:
// refunded at cost basis in simulated mode, settled at the outcome's spot
// odds from the market's reserves in real mode. Global timelines with capital_mode real are never reaped
// by this path — the caller is expected to route Global retirement through
// a dedicated, operator-gated operation instead.
func (r *Registry) Reap(ctx context.Context, timelineID, reason string) error {
	t, err := r.timelines.GetByID(ctx, timelineID)
	if err != nil {
		return fmt.Errorf("timeline: reap %s: %w", timelineID, domain.ErrNotFound)
	}
	if t.IsGlobal() {
		return fmt.Errorf("timeline: reap %s: global timeline cannot be reaped: %w", timelineID, domain.ErrInvalidArg)
	}
	if t.Status == domain.TimelineStatusReaped {
		return nil
	}

	t.Status = domain.TimelineStatusReaped
	t.LastActivityAt = time.Now()
	if err := r.timelines.Update(ctx, t); err != nil {
		return fmt.Errorf("timeline: reap %s: %w", timelineID, domain.ErrStorageFault)
	}

	if r.markets != nil {
		voided, err := r.markets.VoidMarketsForTimeline(ctx, timelineID, reason)
		if err != nil {
			r.logger.ErrorContext(ctx, "void markets for reaped timeline failed", slog.String("timeline_id", timelineID), slog.String("error", err.Error()))
		} else {
			for _, m := range voided {
				r.settleMarketPositions(ctx, m, t.CapitalMode)
			}
		}
	}

	r.publish(ctx, "TimelineReaped", map[string]any{"timeline_id": timelineID, "reason": reason})
	return nil
}

// settleMarketPositions closes every open position against m: refunded at
// cost basis when capitalMode is simulated (no real settlement price
// exists), or settled at the outcome's spot odds from m's reserves when real.
func (r *Registry) settleMarketPositions(ctx context.Context, m domain.Market, capitalMode domain.CapitalMode) {
	if r.positions == nil {
		return
	}
	odds := m.OutcomeOdds()
	open, err := r.positions.ListOpenByMarket(ctx, m.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "list open positions for voided market failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
		return
	}
	// cost-basis refund in simulated mode settles at the position's own avg
	// cost; real mode settles every position at its outcome's last-spot odds.
	for _, pos := range open {
		price := pos.AvgCost
		if capitalMode == domain.CapitalModeReal && pos.OutcomeIdx < len(odds) {
			price, _ = odds[pos.OutcomeIdx].Float64()
		}
		if err := r.positions.Close(ctx, pos.ID, price); err != nil {
			r.logger.WarnContext(ctx, "position settle failed", slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) publish(ctx context.Context, kind string, payload any) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, kind, payload)
}

func forkPointHash(parentHash, sourceMarketRef, premise string, seed []byte) string {
	h := sha256.New()
	h.Write([]byte(parentHash))
	h.Write([]byte(sourceMarketRef))
	h.Write([]byte(premise))
	h.Write(seed)
	return hex.EncodeToString(h.Sum(nil))
}
