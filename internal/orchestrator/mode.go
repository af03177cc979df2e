package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
)

// SupervisorConfig holds the dwell times and thresholds governing tier
// transitions. Defaults implement the transition table of the orchestration
// design verbatim; only CheckInterval is commonly tuned (MODE_CHECK_INTERVAL_S).
type SupervisorConfig struct {
	CheckInterval time.Duration

	// Degradation thresholds.
	StaleFeedThreshold   time.Duration // any feed staler than this forces at least tier 1
	CriticalAbsence      time.Duration // a critical feed absent longer than this forces tier 2 immediately
	LowConfidenceTier1   float64       // aggregate below this forces at least tier 1
	VeryLowConfidence    float64       // aggregate below this, sustained, forces tier 2
	VeryLowDwell         time.Duration // how long VeryLowConfidence must hold before tier 2
	UnavailableCategories int          // this many simultaneously-unavailable feed categories forces tier 2

	// Recovery thresholds and dwell times.
	RecoveredConfidence float64       // aggregate at or above this counts as recovered
	RecoverTo0From1     time.Duration // dwell at RecoveredConfidence before 1 -> 0
	RecoverTo0From2     time.Duration // dwell at RecoveredConfidence before 2 -> 0
	PartialConfidence   float64       // aggregate at or above this counts as partially recovered
	RecoverTo1From2     time.Duration // dwell at PartialConfidence before 2 -> 1
}

// DefaultSupervisorConfig returns the stated transition table.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		CheckInterval:         10 * time.Second,
		StaleFeedThreshold:    5 * time.Minute,
		CriticalAbsence:       10 * time.Minute,
		LowConfidenceTier1:    0.8,
		VeryLowConfidence:     0.5,
		VeryLowDwell:          60 * time.Minute,
		UnavailableCategories: 2,
		RecoveredConfidence:   0.9,
		RecoverTo0From1:       30 * time.Minute,
		RecoverTo0From2:       60 * time.Minute,
		PartialConfidence:     0.6,
		RecoverTo1From2:       60 * time.Minute,
	}
}

// VRFSource is the slice of clock.Provider the supervisor consults: when no
// VRF seed has ever been consumed, operation caps out at tier 1.
type VRFSource interface {
	VRFAvailable() bool
}

// Supervisor computes the aggregate feed confidence on a fixed interval and
// drives tier transitions with dwell-time hysteresis: no recovery
// happens unless the recovered condition has held for the full dwell, and
// the dwell clock resets the moment the condition clears.
type Supervisor struct {
	cfg    SupervisorConfig
	feeds  domain.FeedStatusStore
	modes  domain.ModeStateStore
	vrf    VRFSource
	bus    *Bus
	clk    clock.Clock
	logger *slog.Logger

	state domain.ModeState

	// heldSince tracks when each named condition most recently became (and
	// stayed) true; absence means the condition is currently false.
	heldSince map[string]time.Time

	// lastHealth remembers each feed's health at the previous evaluation so
	// FeedDegraded is emitted once per transition, not once per tick.
	lastHealth map[string]domain.FeedHealth
}

// NewSupervisor creates a Supervisor. vrf and bus may be nil in tests.
func NewSupervisor(
	cfg SupervisorConfig,
	feeds domain.FeedStatusStore,
	modes domain.ModeStateStore,
	vrf VRFSource,
	bus *Bus,
	clk clock.Clock,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		feeds:      feeds,
		modes:      modes,
		vrf:        vrf,
		bus:        bus,
		clk:        clk,
		logger:     logger.With(slog.String("component", "mode_supervisor")),
		state:      domain.ModeState{Tier: domain.ModeDeterministic, AggregateConfidence: 1},
		heldSince:  make(map[string]time.Time),
		lastHealth: make(map[string]domain.FeedHealth),
	}
}

// Current returns the supervisor's latest mode state.
func (s *Supervisor) Current() domain.ModeState {
	return s.state
}

// Restrictions returns the active restriction set.
func (s *Supervisor) Restrictions() domain.Restriction {
	return s.state.Restrictions
}

// Run restores the persisted tier, then evaluates on the configured
// interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.modes != nil {
		if persisted, err := s.modes.Get(ctx); err == nil {
			s.state = persisted
		}
	}

	ticker := s.clk.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := s.Evaluate(ctx); err != nil {
				s.logger.WarnContext(ctx, "mode evaluation failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Evaluate performs one confidence recomputation and applies at most one
// tier transition. It is the ticker body, exposed so tests can step it with
// a deterministic clock.
func (s *Supervisor) Evaluate(ctx context.Context) (domain.ModeState, error) {
	now := s.clk.Now()

	statuses, err := s.feeds.List(ctx)
	if err != nil {
		return s.state, fmt.Errorf("mode supervisor: list feeds: %w", err)
	}

	agg := s.aggregateConfidence(statuses, now)
	s.emitFeedTransitions(ctx, statuses, now)

	anyStale := false
	criticalAbsent := false
	unavailable := make(map[string]bool)
	available := make(map[string]bool)
	for _, fs := range statuses {
		stale := fs.Staleness(now)
		if stale > s.cfg.StaleFeedThreshold {
			anyStale = true
		}
		if fs.Critical && (fs.Health == domain.FeedDown || stale > s.cfg.CriticalAbsence) {
			criticalAbsent = true
		}
		if fs.Health == domain.FeedDown || stale > s.cfg.StaleFeedThreshold {
			unavailable[fs.Category] = true
		} else {
			available[fs.Category] = true
		}
	}
	// A category counts as unavailable only when no feed in it is serving.
	categoriesOut := 0
	for cat := range unavailable {
		if !available[cat] {
			categoriesOut++
		}
	}

	// Update dwell tracking. A condition's clock starts when it first holds
	// and resets whenever it clears.
	s.track("very_low_confidence", agg < s.cfg.VeryLowConfidence, now)
	s.track("recovered", agg >= s.cfg.RecoveredConfidence && !anyStale && !criticalAbsent, now)
	s.track("partial", agg >= s.cfg.PartialConfidence && !criticalAbsent, now)

	prev := s.state
	next := prev.Tier
	reason := prev.Reason

	switch {
	// Degradations first; tier 2 triggers override everything else.
	case criticalAbsent:
		next, reason = domain.ModeConservative, "critical feed absent"
	case categoriesOut >= s.cfg.UnavailableCategories:
		next, reason = domain.ModeConservative, fmt.Sprintf("%d feed categories unavailable", categoriesOut)
	case s.heldFor("very_low_confidence", s.cfg.VeryLowDwell, now):
		next, reason = domain.ModeConservative, fmt.Sprintf("aggregate confidence %.2f below %.2f", agg, s.cfg.VeryLowConfidence)
	case prev.Tier == domain.ModeDeterministic && (anyStale || agg < s.cfg.LowConfidenceTier1):
		next, reason = domain.ModeEvidence, "feed staleness or low aggregate confidence"

	// Recoveries, dwell-gated.
	case prev.Tier == domain.ModeEvidence && s.heldFor("recovered", s.cfg.RecoverTo0From1, now):
		next, reason = domain.ModeDeterministic, "confidence recovered"
	case prev.Tier == domain.ModeConservative && s.heldFor("recovered", s.cfg.RecoverTo0From2, now):
		next, reason = domain.ModeDeterministic, "confidence recovered"
	case prev.Tier == domain.ModeConservative && s.heldFor("partial", s.cfg.RecoverTo1From2, now):
		next, reason = domain.ModeEvidence, "confidence partially recovered"
	}

	// Without VRF randomness, fork seeding and sabotage jitter cannot be
	// externally verified, so tier 0 is unreachable.
	if next == domain.ModeDeterministic && s.vrf != nil && !s.vrf.VRFAvailable() {
		next, reason = domain.ModeEvidence, "vrf randomness unavailable"
	}

	s.state.AggregateConfidence = agg
	s.state.LastEvaluatedAt = now
	if next != prev.Tier {
		s.state.Tier = next
		s.state.Reason = reason
		s.state.Restrictions = domain.RestrictionsForTier(next)
		s.state.EnteredAt = now
		s.logger.InfoContext(ctx, "mode changed",
			slog.Int("from", int(prev.Tier)), slog.Int("to", int(next)), slog.String("reason", reason))
		if s.bus != nil {
			s.bus.Publish(ctx, string(domain.EventModeChanged), s.state)
		}
	}

	if s.modes != nil {
		if err := s.modes.Set(ctx, s.state); err != nil {
			s.logger.WarnContext(ctx, "mode state persist failed", slog.String("error", err.Error()))
		}
	}
	return s.state, nil
}

// aggregateConfidence is the weighted mean of per-feed confidence, with each
// feed's contribution additionally decayed by its staleness so a silent feed
// drags the aggregate down even before its poller reports an error.
func (s *Supervisor) aggregateConfidence(statuses []domain.FeedStatus, now time.Time) float64 {
	if len(statuses) == 0 {
		return 1
	}
	var num, den float64
	for _, fs := range statuses {
		w := fs.Weight
		if w <= 0 {
			w = 1
		}
		conf := fs.Confidence
		if stale := fs.Staleness(now); stale > s.cfg.StaleFeedThreshold {
			over := float64(stale-s.cfg.StaleFeedThreshold) / float64(s.cfg.StaleFeedThreshold)
			decay := 1 / (1 + over)
			conf *= decay
		}
		num += w * conf
		den += w
	}
	if den == 0 {
		return 1
	}
	return num / den
}

// emitFeedTransitions publishes FeedDegraded once per health downgrade.
func (s *Supervisor) emitFeedTransitions(ctx context.Context, statuses []domain.FeedStatus, now time.Time) {
	for _, fs := range statuses {
		effective := fs.Health
		if fs.Staleness(now) > s.cfg.StaleFeedThreshold && effective == domain.FeedHealthy {
			effective = domain.FeedDegraded
		}
		prev, seen := s.lastHealth[fs.FeedName]
		s.lastHealth[fs.FeedName] = effective
		if effective == domain.FeedHealthy || (seen && prev == effective) {
			continue
		}
		if s.bus != nil {
			s.bus.Publish(ctx, string(domain.EventFeedDegraded), fs)
		}
	}
}

func (s *Supervisor) track(name string, holds bool, now time.Time) {
	if !holds {
		delete(s.heldSince, name)
		return
	}
	if _, ok := s.heldSince[name]; !ok {
		s.heldSince[name] = now
	}
}

func (s *Supervisor) heldFor(name string, dwell time.Duration, now time.Time) bool {
	since, ok := s.heldSince[name]
	return ok && now.Sub(since) >= dwell
}
