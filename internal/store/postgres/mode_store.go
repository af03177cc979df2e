package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelon-core/echelon/internal/domain"
)

// FeedStatusStore implements domain.FeedStatusStore using PostgreSQL.
type FeedStatusStore struct {
	pool *pgxpool.Pool
}

// NewFeedStatusStore creates a new FeedStatusStore.
func NewFeedStatusStore(pool *pgxpool.Pool) *FeedStatusStore {
	return &FeedStatusStore{pool: pool}
}

// Upsert writes the current health row for a feed.
func (s *FeedStatusStore) Upsert(ctx context.Context, fs domain.FeedStatus) error {
	const query = `
		INSERT INTO feed_status (feed_name, category, critical, weight, confidence, health, consecutive_errs, last_success_at, last_error_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (feed_name) DO UPDATE SET
			category         = EXCLUDED.category,
			critical         = EXCLUDED.critical,
			weight           = EXCLUDED.weight,
			confidence       = EXCLUDED.confidence,
			health           = EXCLUDED.health,
			consecutive_errs = EXCLUDED.consecutive_errs,
			last_success_at  = EXCLUDED.last_success_at,
			last_error_at    = EXCLUDED.last_error_at,
			last_error       = EXCLUDED.last_error`

	_, err := s.pool.Exec(ctx, query,
		fs.FeedName, fs.Category, fs.Critical, fs.Weight, fs.Confidence,
		string(fs.Health), fs.ConsecutiveErrs, fs.LastSuccessAt, fs.LastErrorAt, fs.LastError)
	if err != nil {
		return fmt.Errorf("postgres: upsert feed status %s: %w", fs.FeedName, err)
	}
	return nil
}

// Get retrieves the health row for one feed.
func (s *FeedStatusStore) Get(ctx context.Context, feedName string) (domain.FeedStatus, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT feed_name, category, critical, weight, confidence, health, consecutive_errs, last_success_at, last_error_at, last_error
		 FROM feed_status WHERE feed_name = $1`, feedName)
	fs, err := scanFeedStatus(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.FeedStatus{}, domain.ErrNotFound
		}
		return domain.FeedStatus{}, fmt.Errorf("postgres: get feed status %s: %w", feedName, err)
	}
	return fs, nil
}

// List returns health rows for every known feed.
func (s *FeedStatusStore) List(ctx context.Context) ([]domain.FeedStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT feed_name, category, critical, weight, confidence, health, consecutive_errs, last_success_at, last_error_at, last_error FROM feed_status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list feed status: %w", err)
	}
	defer rows.Close()

	var statuses []domain.FeedStatus
	for rows.Next() {
		fs, err := scanFeedStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan feed status: %w", err)
		}
		statuses = append(statuses, fs)
	}
	return statuses, rows.Err()
}

func scanFeedStatus(row pgx.Row) (domain.FeedStatus, error) {
	var fs domain.FeedStatus
	var health string
	err := row.Scan(&fs.FeedName, &fs.Category, &fs.Critical, &fs.Weight, &fs.Confidence,
		&health, &fs.ConsecutiveErrs, &fs.LastSuccessAt, &fs.LastErrorAt, &fs.LastError)
	if err != nil {
		return domain.FeedStatus{}, err
	}
	fs.Health = domain.FeedHealth(health)
	return fs, nil
}

// ModeStateStore implements domain.ModeStateStore using PostgreSQL,
// persisting a single-row operating tier so a restart resumes a degraded
// tier rather than silently reverting to tier 0.
type ModeStateStore struct {
	pool *pgxpool.Pool
}

// NewModeStateStore creates a new ModeStateStore.
func NewModeStateStore(pool *pgxpool.Pool) *ModeStateStore {
	return &ModeStateStore{pool: pool}
}

// Get retrieves the current mode state, defaulting to tier 0 if no row has
// ever been written.
func (s *ModeStateStore) Get(ctx context.Context) (domain.ModeState, error) {
	var m domain.ModeState
	var tier int
	var restrictions int64
	err := s.pool.QueryRow(ctx,
		`SELECT tier, reason, aggregate_confidence, restrictions, entered_at, last_evaluated_at FROM mode_state WHERE id = 1`).
		Scan(&tier, &m.Reason, &m.AggregateConfidence, &restrictions, &m.EnteredAt, &m.LastEvaluatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ModeState{Tier: domain.ModeDeterministic, AggregateConfidence: 1}, nil
		}
		return domain.ModeState{}, fmt.Errorf("postgres: get mode state: %w", err)
	}
	m.Tier = domain.ModeTier(tier)
	m.Restrictions = domain.Restriction(restrictions)
	return m, nil
}

// Set writes the current mode state.
func (s *ModeStateStore) Set(ctx context.Context, m domain.ModeState) error {
	const query = `
		INSERT INTO mode_state (id, tier, reason, aggregate_confidence, restrictions, entered_at, last_evaluated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			tier                 = EXCLUDED.tier,
			reason               = EXCLUDED.reason,
			aggregate_confidence = EXCLUDED.aggregate_confidence,
			restrictions         = EXCLUDED.restrictions,
			entered_at           = EXCLUDED.entered_at,
			last_evaluated_at    = EXCLUDED.last_evaluated_at`

	_, err := s.pool.Exec(ctx, query,
		int(m.Tier), m.Reason, m.AggregateConfidence, int64(m.Restrictions), m.EnteredAt, m.LastEvaluatedAt)
	if err != nil {
		return fmt.Errorf("postgres: set mode state: %w", err)
	}
	return nil
}
