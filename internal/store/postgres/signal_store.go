package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelon-core/echelon/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL. This is the
// durable record behind the Redis-backed RecencyIndex: every signal lands
// here regardless of whether it is still within the recency window.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

const signalSelectCols = `id, source_tag, topic, confidence, tier, payload, timestamp`

func scanSignalRows(rows pgx.Rows) ([]domain.Signal, error) {
	var sigs []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var tier int
		if err := rows.Scan(&sig.ID, &sig.SourceTag, &sig.Topic, &sig.Confidence, &tier, &sig.Payload, &sig.Timestamp); err != nil {
			return nil, err
		}
		sig.Tier = domain.SignalTier(tier)
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// Insert inserts a single signal.
func (s *SignalStore) Insert(ctx context.Context, sig domain.Signal) error {
	const query = `
		INSERT INTO signals (id, source_tag, topic, confidence, tier, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, sig.ID, sig.SourceTag, sig.Topic, sig.Confidence, int(sig.Tier), sig.Payload, sig.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// InsertBatch inserts multiple signals in one batch.
func (s *SignalStore) InsertBatch(ctx context.Context, sigs []domain.Signal) error {
	if len(sigs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO signals (id, source_tag, topic, confidence, tier, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	for _, sig := range sigs {
		batch.Queue(query, sig.ID, sig.SourceTag, sig.Topic, sig.Confidence, int(sig.Tier), sig.Payload, sig.Timestamp)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range sigs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert signal batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByTopic returns signals for a topic with pagination.
func (s *SignalStore) ListByTopic(ctx context.Context, topic string, opts domain.ListOpts) ([]domain.Signal, error) {
	query := `SELECT ` + signalSelectCols + ` FROM signals WHERE topic = $1`
	args := []any{topic}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY timestamp DESC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals by topic: %w", err)
	}
	defer rows.Close()

	sigs, err := scanSignalRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan signals by topic: %w", err)
	}
	return sigs, nil
}

// GetByID retrieves a single signal by ID.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalSelectCols+` FROM signals WHERE id = $1`, id)
	var sig domain.Signal
	var tier int
	err := row.Scan(&sig.ID, &sig.SourceTag, &sig.Topic, &sig.Confidence, &tier, &sig.Payload, &sig.Timestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Signal{}, domain.ErrNotFound
		}
		return domain.Signal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	sig.Tier = domain.SignalTier(tier)
	return sig, nil
}
