package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL. Outcomes and
// reserves are variable-length (2-16 entries), so both are stored as JSONB
// rather than fixed columns.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, timeline_id, question, outcomes, reserves,
	seed_liquidity, total_volume, status, winning_idx,
	created_ts, resolution_ts`

func marshalMarket(m domain.Market) (outcomesJSON, reservesJSON []byte, err error) {
	outcomesJSON, err = json.Marshal(m.Outcomes)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal outcomes: %w", err)
	}
	reserveStrs := make([]string, len(m.Reserves))
	for i, r := range m.Reserves {
		reserveStrs[i] = r.String()
	}
	reservesJSON, err = json.Marshal(reserveStrs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal reserves: %w", err)
	}
	return outcomesJSON, reservesJSON, nil
}

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	outcomesJSON, reservesJSON, err := marshalMarket(m)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}

	const query = `
		INSERT INTO markets (
			id, timeline_id, question, outcomes, reserves,
			seed_liquidity, total_volume, status, winning_idx,
			created_ts, resolution_ts, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		m.ID, m.TimelineID, m.Question, outcomesJSON, reservesJSON,
		m.SeedLiquidity.String(), m.TotalVolume.String(), string(m.Status), m.WinningIdx,
		m.CreatedTS, m.ResolutionTS,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// Update replaces a market's mutable fields (reserves, volume, status).
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	_, reservesJSON, err := marshalMarket(m)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}

	const query = `
		UPDATE markets SET
			reserves      = $2,
			total_volume  = $3,
			status        = $4,
			winning_idx   = $5,
			resolution_ts = $6,
			updated_at    = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		m.ID, reservesJSON, m.TotalVolume.String(), string(m.Status), m.WinningIdx, m.ResolutionTS,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	var outcomesJSON, reservesJSON []byte
	var seedStr, volumeStr string

	err := row.Scan(
		&m.ID, &m.TimelineID, &m.Question, &outcomesJSON, &reservesJSON,
		&seedStr, &volumeStr, &status, &m.WinningIdx,
		&m.CreatedTS, &m.ResolutionTS,
	)
	if err != nil {
		return domain.Market{}, err
	}

	if err := json.Unmarshal(outcomesJSON, &m.Outcomes); err != nil {
		return domain.Market{}, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	var reserveStrs []string
	if err := json.Unmarshal(reservesJSON, &reserveStrs); err != nil {
		return domain.Market{}, fmt.Errorf("unmarshal reserves: %w", err)
	}
	m.Reserves = make([]decimal.Decimal, len(reserveStrs))
	for i, rs := range reserveStrs {
		d, err := decimal.NewFromString(rs)
		if err != nil {
			return domain.Market{}, fmt.Errorf("parse reserve %d: %w", i, err)
		}
		m.Reserves[i] = d
	}

	m.SeedLiquidity, err = decimal.NewFromString(seedStr)
	if err != nil {
		return domain.Market{}, fmt.Errorf("parse seed liquidity: %w", err)
	}
	m.TotalVolume, err = decimal.NewFromString(volumeStr)
	if err != nil {
		return domain.Market{}, fmt.Errorf("parse total volume: %w", err)
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

func scanMarketRows(rows pgx.Rows) ([]domain.Market, error) {
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListByTimeline returns markets for a timeline with pagination.
func (s *MarketStore) ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE timeline_id = $1`
	args := []any{timelineID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_ts >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_ts <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_ts DESC"

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
		return nil, fmt.Errorf("postgres: list markets by timeline: %w", err)
	}
	defer rows.Close()

	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan markets by timeline: %w", err)
	}
	return markets, nil
}

// ListOpen returns all open markets in a timeline.
func (s *MarketStore) ListOpen(ctx context.Context, timelineID string) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets WHERE timeline_id = $1 AND status = 'open' ORDER BY created_ts DESC`,
		timelineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open markets: %w", err)
	}
	defer rows.Close()

	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open markets: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets in the database.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// ListSettledBefore returns resolved markets whose resolution predates the
// cutoff, plus voided markets created before it, for cold-storage archival.
func (s *MarketStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE (status = 'resolved' AND resolution_ts < $1)
		    OR (status = 'voided' AND created_ts < $1)
		 ORDER BY created_ts`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled markets: %w", err)
	}
	defer rows.Close()

	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled markets: %w", err)
	}
	return markets, nil
}
