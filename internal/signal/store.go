// Package signal implements the OSINT Signal Pipeline's storage component:
// idempotent ingestion, bounded-recency lookup, and feed health tracking.
// Postgres is the durable system of record; a Redis recency index fronts
// it for the agent scheduler's hot path (see
// internal/cache/redis/recency_index.go).
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/echelon-core/echelon/internal/domain"
)

// IngestResult reports whether an ingestion created a new row or found an
// existing one; re-ingesting an already-seen signal is always a no-op.
type IngestResult string

const (
	Inserted  IngestResult = "inserted"
	Duplicate IngestResult = "duplicate"
)

// Store is the Signal Store component: Postgres is the durable system of
// record and unique-constraint dedup enforcer; the Redis RecencyIndex gives
// agents a windowed view without a store round trip.
type Store struct {
	durable  domain.SignalStore
	recency  domain.RecencyIndex
	feeds    domain.FeedStatusStore
	logger   *slog.Logger
}

// New creates a Store. recency may be nil, in which case Window returns an
// empty aggregate for every topic (used in tests and single-process setups
// without Redis); Query reads the durable store either way.
func New(durable domain.SignalStore, recency domain.RecencyIndex, feeds domain.FeedStatusStore, logger *slog.Logger) *Store {
	return &Store{
		durable: durable,
		recency: recency,
		feeds:   feeds,
		logger:  logger.With(slog.String("component", "signal_store")),
	}
}

// Ingest writes sig through to Postgres, then updates the recency index on
// success. A unique-violation on sig.ID is treated as Duplicate, never as an
// error — re-ingestion of an already-seen signal is a no-op.
func (s *Store) Ingest(ctx context.Context, sig domain.Signal) (IngestResult, error) {
	err := s.durable.Insert(ctx, sig)
	if err != nil {
		if isUniqueViolation(err) || errors.Is(err, domain.ErrAlreadyExists) {
			return Duplicate, nil
		}
		return "", fmt.Errorf("signal store: ingest %s: %w", sig.ID, domain.ErrStorageFault)
	}

	if s.recency != nil {
		if err := s.recency.Record(ctx, sig); err != nil {
			// The durable write already succeeded; a recency-index miss only
			// degrades query latency for this one signal until the next
			// ingest for its topic, so this is logged, not surfaced.
			s.logger.WarnContext(ctx, "recency index record failed",
				slog.String("signal_id", sig.ID), slog.String("error", err.Error()))
		}
	}

	return Inserted, nil
}

// Query returns signals for topic at or after sinceTS, newest first, with a
// stable tie-break on ID, bounded to limit results. It always serves from
// the durable store: the recency index is an acceleration structure for
// Window lookups (agent corroboration checks), not a substitute for the
// store's full ordering guarantee.
func (s *Store) Query(ctx context.Context, topic string, sinceTS time.Time, limit int) ([]domain.Signal, error) {
	sigs, err := s.durable.ListByTopic(ctx, topic, domain.ListOpts{Since: &sinceTS, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("signal store: query %s: %w", topic, domain.ErrStorageFault)
	}
	return sigs, nil
}

// Window returns the Redis-backed recency aggregate for topic over lookback,
// used by agents (notably Spy and Diplomat archetypes) to judge corroboration
// without touching Postgres on every tick.
func (s *Store) Window(ctx context.Context, topic string, lookback time.Duration) (domain.RecencyWindow, error) {
	if s.recency == nil {
		return domain.RecencyWindow{Topic: topic}, nil
	}
	win, err := s.recency.Window(ctx, topic, lookback)
	if err != nil {
		return domain.RecencyWindow{}, fmt.Errorf("signal store: window %s: %w", topic, err)
	}
	return win, nil
}

// RegisterFeed seeds (or refreshes) the FeedStatus row for one ingester with
// its supervisor metadata: aggregation category, criticality, and weight.
// Called once per feed at boot so the Mode Supervisor sees every configured
// feed even before its first poll completes.
func (s *Store) RegisterFeed(ctx context.Context, sourceTag, category string, critical bool, weight float64) error {
	if s.feeds == nil {
		return nil
	}
	existing, err := s.feeds.Get(ctx, sourceTag)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("signal store: register feed %s: %w", sourceTag, err)
	}
	fs := existing
	fs.FeedName = sourceTag
	fs.Category = category
	fs.Critical = critical
	fs.Weight = weight
	if fs.Health == "" {
		fs.Health = domain.FeedHealthy
		fs.Confidence = 1
	}
	if err := s.feeds.Upsert(ctx, fs); err != nil {
		return fmt.Errorf("signal store: register feed %s: %w", sourceTag, err)
	}
	return nil
}

// Touch records the outcome of one ingester poll for source against its
// FeedStatus row, consulted by the Mode Supervisor's confidence computation.
// Success restores the feed's confidence to full; each consecutive error
// decays it geometrically so the supervisor's aggregate reflects sustained
// failure rather than a single blip.
func (s *Store) Touch(ctx context.Context, sourceTag string, ok bool, ts time.Time, errMsg string) error {
	if s.feeds == nil {
		return nil
	}
	existing, err := s.feeds.Get(ctx, sourceTag)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("signal store: touch %s: %w", sourceTag, err)
	}

	fs := existing
	fs.FeedName = sourceTag
	if fs.Weight == 0 {
		fs.Weight = 1
	}
	if ok {
		fs.Health = domain.FeedHealthy
		fs.ConsecutiveErrs = 0
		fs.LastSuccessAt = ts
		fs.LastError = ""
		fs.Confidence = 1
	} else {
		fs.ConsecutiveErrs++
		fs.LastErrorAt = &ts
		fs.LastError = errMsg
		fs.Confidence *= 0.7
		switch {
		case fs.ConsecutiveErrs >= 5:
			fs.Health = domain.FeedDown
		default:
			fs.Health = domain.FeedDegraded
		}
	}

	if err := s.feeds.Upsert(ctx, fs); err != nil {
		return fmt.Errorf("signal store: upsert feed status %s: %w", sourceTag, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signature of an already-ingested signal ID.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
