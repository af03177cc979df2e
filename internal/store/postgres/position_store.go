package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelon-core/echelon/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, market_id, timeline_id, outcome_idx, owner_ref,
	shares, avg_cost, realized_pnl, status, opened_at, closed_at, settled_price`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.MarketID, &p.TimelineID, &p.OutcomeIdx, &p.OwnerRef,
		&p.Shares, &p.AvgCost, &p.RealizedPnL, &status, &p.OpenedAt, &p.ClosedAt, &p.SettledPrice,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert inserts a new position or merges a fill into the existing one for
// the (market, owner, outcome) tuple.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, market_id, timeline_id, outcome_idx, owner_ref,
			shares, avg_cost, realized_pnl, status, opened_at, closed_at, settled_price, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12, NOW()
		)
		ON CONFLICT (market_id, owner_ref, outcome_idx) DO UPDATE SET
			shares        = EXCLUDED.shares,
			avg_cost      = EXCLUDED.avg_cost,
			realized_pnl  = EXCLUDED.realized_pnl,
			status        = EXCLUDED.status,
			closed_at     = EXCLUDED.closed_at,
			settled_price = EXCLUDED.settled_price,
			updated_at    = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.TimelineID, p.OutcomeIdx, p.OwnerRef,
		p.Shares, p.AvgCost, p.RealizedPnL, string(p.Status), p.OpenedAt, p.ClosedAt, p.SettledPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// Close marks a position as closed, recording the settlement price.
func (s *PositionStore) Close(ctx context.Context, id string, settledPrice float64) error {
	const query = `
		UPDATE positions SET
			status        = 'closed',
			settled_price = $2,
			closed_at     = NOW(),
			updated_at    = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, settledPrice)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetOpen returns all open positions for the given owner.
func (s *PositionStore) GetOpen(ctx context.Context, ownerRef string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE owner_ref = $1 AND status = 'open'
		 ORDER BY opened_at DESC`, ownerRef)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetByMarketAndOwner retrieves the position for one (market, owner,
// outcome) tuple, used by the market engine to merge a new fill.
func (s *PositionStore) GetByMarketAndOwner(ctx context.Context, marketID, ownerRef string, outcomeIdx int) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE market_id = $1 AND owner_ref = $2 AND outcome_idx = $3`,
		marketID, ownerRef, outcomeIdx)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position by market/owner: %w", err)
	}
	return p, nil
}

// ListOpenByMarket returns every open position in marketID across all
// owners, used to settle positions when a market is voided.
func (s *PositionStore) ListOpenByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE market_id = $1 AND status = 'open'
		 ORDER BY opened_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions for market %s: %w", marketID, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions for market: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions for the given owner with pagination and
// optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner_ref = $1`
	args := []any{ownerRef}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}
