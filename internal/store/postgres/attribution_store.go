package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelon-core/echelon/internal/domain"
)

// AttributionStore implements domain.AttributionStore using PostgreSQL.
type AttributionStore struct {
	pool *pgxpool.Pool
}

// NewAttributionStore creates a new AttributionStore.
func NewAttributionStore(pool *pgxpool.Pool) *AttributionStore {
	return &AttributionStore{pool: pool}
}

const attributionSelectCols = `id, trade_id, market_id, builder_ref, fee_bps, fee_amount, created_at`

// Create inserts a builder attribution record.
func (s *AttributionStore) Create(ctx context.Context, r domain.BuilderAttributionRecord) error {
	const query = `
		INSERT INTO attribution_records (id, trade_id, market_id, builder_ref, fee_bps, fee_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, query, r.ID, r.TradeID, r.MarketID, r.BuilderRef, r.FeeBps, r.FeeAmount, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create attribution record %s: %w", r.ID, err)
	}
	return nil
}

// ListByMarket returns attribution records for a market with pagination.
func (s *AttributionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.BuilderAttributionRecord, error) {
	query := `SELECT ` + attributionSelectCols + ` FROM attribution_records WHERE market_id = $1 ORDER BY created_at DESC`
	args := []any{marketID}
	argIdx := 2

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
		return nil, fmt.Errorf("postgres: list attribution records: %w", err)
	}
	defer rows.Close()

	return scanAttributionRows(rows)
}

func scanAttributionRows(rows pgx.Rows) ([]domain.BuilderAttributionRecord, error) {
	var records []domain.BuilderAttributionRecord
	for rows.Next() {
		var r domain.BuilderAttributionRecord
		if err := rows.Scan(&r.ID, &r.TradeID, &r.MarketID, &r.BuilderRef, &r.FeeBps, &r.FeeAmount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan attribution record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SumFeesByBuilder totals fee_amount attributed to builderRef since the
// given time.
func (s *AttributionStore) SumFeesByBuilder(ctx context.Context, builderRef string, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(fee_amount), 0) FROM attribution_records WHERE builder_ref = $1 AND created_at >= $2`,
		builderRef, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum fees for builder %s: %w", builderRef, err)
	}
	return total, nil
}

// ListBefore returns attribution records created strictly before the
// cutoff, for cold-storage archival.
func (s *AttributionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.BuilderAttributionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attributionSelectCols+` FROM attribution_records WHERE created_at < $1 ORDER BY created_at`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list attribution before: %w", err)
	}
	defer rows.Close()
	return scanAttributionRows(rows)
}
