package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/signal"
)

// Orchestrator manages all pipeline goroutines: one poll loop per
// registered ingester plus the cold-storage archival cron. Every poll
// outcome is recorded against the feed's FeedStatus row so the Mode
// Supervisor sees ingestion health without coupling to any source.
type Orchestrator struct {
	ingesters    []Ingester
	store        *signal.Store
	archiver     *Archiver
	pollInterval time.Duration
	archiveCron  string
	events       EventSink
	logger       *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. archiver and events may be
// nil.
func NewOrchestrator(
	ingesters []Ingester,
	store *signal.Store,
	archiver *Archiver,
	pollInterval time.Duration,
	archiveCron string,
	events EventSink,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		ingesters:    ingesters,
		store:        store,
		archiver:     archiver,
		pollInterval: pollInterval,
		archiveCron:  archiveCron,
		events:       events,
		logger:       logger.With(slog.String("component", "signal_pipeline")),
	}
}

// Run registers every feed, then starts one polling goroutine per ingester
// and the archiver cron using an errgroup. Each goroutine respects ctx
// cancellation; a non-context error from any of them cancels the rest.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("signal pipeline starting",
		slog.Int("ingesters", len(o.ingesters)),
		slog.Duration("poll_interval", o.pollInterval),
	)

	for _, ing := range o.ingesters {
		if err := o.store.RegisterFeed(ctx, ing.Name(), ing.Category(), ing.Critical(), 1); err != nil {
			o.logger.Warn("feed registration failed",
				slog.String("feed", ing.Name()), slog.String("error", err.Error()))
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, ing := range o.ingesters {
		ing := ing
		g.Go(func() error {
			err := o.pollLoop(ctx, ing)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("ingester %s: %w", ing.Name(), err)
		})
	}

	if o.archiver != nil && o.archiveCron != "" {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("signal pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("signal pipeline stopped cleanly")
	return nil
}

// pollLoop polls one ingester on the shared interval, running once
// immediately on start.
func (o *Orchestrator) pollLoop(ctx context.Context, ing Ingester) error {
	o.pollOnce(ctx, ing)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("ingester loop stopped", slog.String("feed", ing.Name()))
			return ctx.Err()
		case <-ticker.C:
			o.pollOnce(ctx, ing)
		}
	}
}

// pollOnce runs one poll cycle: fetch, ingest each signal through the
// deduplicating store, emit SignalIngested for fresh inserts, and record
// the poll outcome on the feed's health row.
func (o *Orchestrator) pollOnce(ctx context.Context, ing Ingester) {
	now := time.Now().UTC()
	signals, err := ing.Poll(ctx)
	if err != nil {
		if touchErr := o.store.Touch(ctx, ing.Name(), false, now, err.Error()); touchErr != nil {
			o.logger.Warn("feed touch failed", slog.String("feed", ing.Name()), slog.String("error", touchErr.Error()))
		}
		o.logger.Warn("poll failed", slog.String("feed", ing.Name()), slog.String("error", err.Error()))
		return
	}

	inserted := 0
	for _, sig := range signals {
		result, err := o.store.Ingest(ctx, sig)
		if err != nil {
			o.logger.Warn("ingest failed",
				slog.String("feed", ing.Name()), slog.String("signal_id", sig.ID), slog.String("error", err.Error()))
			continue
		}
		if result != signal.Inserted {
			continue
		}
		inserted++
		if o.events != nil {
			o.events.Publish(ctx, string(domain.EventSignalIngested), sig)
		}
	}

	if err := o.store.Touch(ctx, ing.Name(), true, now, ""); err != nil {
		o.logger.Warn("feed touch failed", slog.String("feed", ing.Name()), slog.String("error", err.Error()))
	}
	if inserted > 0 {
		o.logger.Debug("poll complete",
			slog.String("feed", ing.Name()),
			slog.Int("observed", len(signals)),
			slog.Int("inserted", inserted),
		)
	}
}
