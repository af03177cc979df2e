package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore implements domain.IdempotencyStore using PostgreSQL,
// backing the Redis idempotency cache for cold-start recovery: a process
// restart re-hydrates recently seen keys from here before serving traffic.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Record durably stores the result reference for an idempotency key. The
// ttl is informational here (Postgres rows are pruned by a periodic sweep
// rather than expiring automatically); Redis enforces the hot-path TTL.
func (s *IdempotencyStore) Record(ctx context.Context, key string, resultRef string, ttl time.Duration) error {
	const query = `
		INSERT INTO idempotency_keys (key, result_ref, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, key, resultRef, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("postgres: record idempotency key: %w", err)
	}
	return nil
}

// Lookup returns the result reference previously recorded for key, if any.
func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	var resultRef string
	err := s.pool.QueryRow(ctx, `SELECT result_ref FROM idempotency_keys WHERE key = $1`, key).Scan(&resultRef)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("postgres: lookup idempotency key: %w", err)
	}
	return resultRef, true, nil
}

// Sweep deletes expired idempotency keys, returning the number removed.
// Not part of domain.IdempotencyStore; called directly from a maintenance
// goroutine.
func (s *IdempotencyStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
