// Package paradox watches every active timeline for logic gaps: sustained
// divergence between a market's implied probability and the aggregate
// signal prior for its topic. A gap past threshold opens a paradox; a gap
// that closes resolves it; a timeline whose stability collapses under
// accumulated gaps is reaped.
package paradox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
)

// SignalView is the slice of the signal store the detector reads priors
// from.
type SignalView interface {
	Window(ctx context.Context, topic string, lookback time.Duration) (domain.RecencyWindow, error)
}

// Reaper is the slice of the timeline registry the detector escalates to
// when stability collapses.
type Reaper interface {
	Reap(ctx context.Context, timelineID, reason string) error
}

// EventSink is the narrow publish surface onto the Event Bus.
type EventSink interface {
	Publish(ctx context.Context, kind string, payload any)
}

// Config tunes gap thresholds and stability decay.
type Config struct {
	// CheckInterval is the sweep cadence.
	CheckInterval time.Duration
	// GapThreshold opens a paradox when |implied - prior| exceeds it.
	GapThreshold float64
	// PriorWindow is the signal lookback priors are computed over.
	PriorWindow time.Duration
	// StabilityDecayPerGap is subtracted from a timeline's stability each
	// sweep for every open paradox it holds; stability recovers by
	// StabilityRecovery per sweep with none open.
	StabilityDecayPerGap float64
	StabilityRecovery    float64
	// ReapBelow reaps a timeline whose stability falls under it.
	ReapBelow float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        30 * time.Second,
		GapThreshold:         0.25,
		PriorWindow:          time.Hour,
		StabilityDecayPerGap: 0.02,
		StabilityRecovery:    0.01,
		ReapBelow:            0.2,
	}
}

// Paradox is one open divergence.
type Paradox struct {
	ID         string
	TimelineID string
	MarketID   string
	Topic      string
	Gap        float64
	OpenedAt   time.Time
}

// Detector runs the paradox sweep.
type Detector struct {
	cfg       Config
	timelines domain.TimelineStore
	markets   domain.MarketStore
	signals   SignalView
	reaper    Reaper
	clk       clock.Clock
	events    EventSink
	logger    *slog.Logger

	mu   sync.Mutex
	open map[string]Paradox // market id -> open paradox
}

// NewDetector constructs a Detector. reaper and events may be nil.
func NewDetector(
	cfg Config,
	timelines domain.TimelineStore,
	markets domain.MarketStore,
	signals SignalView,
	reaper Reaper,
	clk clock.Clock,
	events EventSink,
	logger *slog.Logger,
) *Detector {
	return &Detector{
		cfg:       cfg,
		timelines: timelines,
		markets:   markets,
		signals:   signals,
		reaper:    reaper,
		clk:       clk,
		events:    events,
		logger:    logger.With(slog.String("component", "paradox_detector")),
		open:      make(map[string]Paradox),
	}
}

// OpenParadoxes returns a snapshot of the currently open paradoxes.
func (d *Detector) OpenParadoxes() []Paradox {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Paradox, 0, len(d.open))
	for _, p := range d.open {
		out = append(out, p)
	}
	return out
}

// Run sweeps on the configured interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("paradox detector started", slog.Duration("interval", d.cfg.CheckInterval))
	defer d.logger.Info("paradox detector stopped")

	ticker := d.clk.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := d.Sweep(ctx); err != nil {
				d.logger.WarnContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep performs one full pass: recompute gaps, open/resolve paradoxes,
// update timeline stability, and reap collapsed timelines. Exposed so tests
// can step it deterministically.
func (d *Detector) Sweep(ctx context.Context) error {
	timelines, err := d.timelines.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("paradox: list timelines: %w", err)
	}

	now := d.clk.Now()
	for _, tl := range timelines {
		openCount, maxGap, err := d.sweepTimeline(ctx, tl, now)
		if err != nil {
			d.logger.WarnContext(ctx, "timeline sweep failed", slog.String("timeline_id", tl.ID), slog.String("error", err.Error()))
			continue
		}
		d.updateStability(ctx, tl, openCount, maxGap, now)
	}
	return nil
}

func (d *Detector) sweepTimeline(ctx context.Context, tl domain.Timeline, now time.Time) (openCount int, maxGap float64, err error) {
	markets, err := d.markets.ListOpen(ctx, tl.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("paradox: list markets: %w", err)
	}

	for _, m := range markets {
		if len(m.Reserves) != 2 {
			continue
		}
		topic := topicOf(m)
		window, err := d.signals.Window(ctx, topic, d.cfg.PriorWindow)
		if err != nil || window.Count == 0 {
			continue
		}

		odds := m.OutcomeOdds()
		implied, _ := odds[0].Float64()
		gap := implied - window.MeanConfidence
		if gap < 0 {
			gap = -gap
		}

		d.mu.Lock()
		existing, isOpen := d.open[m.ID]
		d.mu.Unlock()

		switch {
		case gap >= d.cfg.GapThreshold && !isOpen:
			p := Paradox{
				ID:         uuid.New().String(),
				TimelineID: tl.ID,
				MarketID:   m.ID,
				Topic:      topic,
				Gap:        gap,
				OpenedAt:   now,
			}
			d.mu.Lock()
			d.open[m.ID] = p
			d.mu.Unlock()
			d.publish(ctx, domain.EventParadoxOpened, p)
		case gap < d.cfg.GapThreshold && isOpen:
			d.mu.Lock()
			delete(d.open, m.ID)
			d.mu.Unlock()
			d.publish(ctx, domain.EventParadoxResolved, existing)
		case isOpen:
			existing.Gap = gap
			d.mu.Lock()
			d.open[m.ID] = existing
			d.mu.Unlock()
		}

		d.mu.Lock()
		if _, stillOpen := d.open[m.ID]; stillOpen {
			openCount++
		}
		d.mu.Unlock()
		if gap > maxGap {
			maxGap = gap
		}
	}
	return openCount, maxGap, nil
}

// updateStability applies decay/recovery and escalates to a reap when a
// simulated timeline's stability collapses. Global timelines are never
// reaped from here.
func (d *Detector) updateStability(ctx context.Context, tl domain.Timeline, openCount int, maxGap float64, now time.Time) {
	prev := tl.Stability
	if openCount > 0 {
		tl.Stability -= d.cfg.StabilityDecayPerGap * float64(openCount)
	} else {
		tl.Stability += d.cfg.StabilityRecovery
	}
	if tl.Stability < 0 {
		tl.Stability = 0
	}
	if tl.Stability > 1 {
		tl.Stability = 1
	}
	tl.LogicGap = maxGap

	if tl.Stability != prev || tl.LogicGap != maxGap {
		tl.LastActivityAt = now
		if err := d.timelines.Update(ctx, tl); err != nil {
			d.logger.WarnContext(ctx, "stability persist failed", slog.String("timeline_id", tl.ID), slog.String("error", err.Error()))
			return
		}
	}

	if tl.Stability < d.cfg.ReapBelow && !tl.IsGlobal() && d.reaper != nil {
		if err := d.reaper.Reap(ctx, tl.ID, fmt.Sprintf("stability collapsed to %.2f", tl.Stability)); err != nil {
			d.logger.WarnContext(ctx, "reap failed", slog.String("timeline_id", tl.ID), slog.String("error", err.Error()))
		}
	}
}

func (d *Detector) publish(ctx context.Context, kind domain.EventKind, payload any) {
	if d.events == nil {
		return
	}
	d.events.Publish(ctx, string(kind), payload)
}

func topicOf(m domain.Market) string {
	for i := 0; i < len(m.Question); i++ {
		if m.Question[i] == ':' {
			return m.Question[:i]
		}
	}
	return m.Question
}
