package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelon-core/echelon/internal/domain"
)

// TimelineStore implements domain.TimelineStore using PostgreSQL.
type TimelineStore struct {
	pool *pgxpool.Pool
}

// NewTimelineStore creates a new TimelineStore backed by the given connection pool.
func NewTimelineStore(pool *pgxpool.Pool) *TimelineStore {
	return &TimelineStore{pool: pool}
}

const timelineSelectCols = `id, parent_id, fork_point_state_hash, visibility, status,
	capital_mode, creator_ref, stability, logic_gap, created_at, last_activity_at`

func scanTimelineRow(row pgx.Row) (domain.Timeline, error) {
	var t domain.Timeline
	var visibility, status, capitalMode string

	err := row.Scan(
		&t.ID, &t.ParentID, &t.ForkPointStateHash, &visibility, &status,
		&capitalMode, &t.CreatorRef, &t.Stability, &t.LogicGap, &t.CreatedAt, &t.LastActivityAt,
	)
	if err != nil {
		return domain.Timeline{}, err
	}
	t.Visibility = domain.TimelineVisibility(visibility)
	t.Status = domain.TimelineStatus(status)
	t.CapitalMode = domain.CapitalMode(capitalMode)
	return t, nil
}

func scanTimelineRows(rows pgx.Rows) ([]domain.Timeline, error) {
	var timelines []domain.Timeline
	for rows.Next() {
		t, err := scanTimelineRow(rows)
		if err != nil {
			return nil, err
		}
		timelines = append(timelines, t)
	}
	return timelines, rows.Err()
}

// Create inserts a new timeline.
func (s *TimelineStore) Create(ctx context.Context, t domain.Timeline) error {
	const query = `
		INSERT INTO timelines (
			id, parent_id, fork_point_state_hash, visibility, status,
			capital_mode, creator_ref, stability, logic_gap, created_at, last_activity_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.ParentID, t.ForkPointStateHash, string(t.Visibility), string(t.Status),
		string(t.CapitalMode), t.CreatorRef, t.Stability, t.LogicGap, t.CreatedAt, t.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create timeline %s: %w", t.ID, err)
	}
	return nil
}

// Update replaces a timeline's mutable fields (status, stability, logic
// gap, last activity).
func (s *TimelineStore) Update(ctx context.Context, t domain.Timeline) error {
	const query = `
		UPDATE timelines SET
			status           = $2,
			stability        = $3,
			logic_gap        = $4,
			last_activity_at = $5
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, t.ID, string(t.Status), t.Stability, t.LogicGap, t.LastActivityAt)
	if err != nil {
		return fmt.Errorf("postgres: update timeline %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a timeline by its primary key.
func (s *TimelineStore) GetByID(ctx context.Context, id string) (domain.Timeline, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+timelineSelectCols+` FROM timelines WHERE id = $1`, id)
	t, err := scanTimelineRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Timeline{}, domain.ErrNotFound
		}
		return domain.Timeline{}, fmt.Errorf("postgres: get timeline %s: %w", id, err)
	}
	return t, nil
}

// ListChildren returns all timelines directly forked from parentID.
func (s *TimelineStore) ListChildren(ctx context.Context, parentID string) ([]domain.Timeline, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+timelineSelectCols+` FROM timelines WHERE parent_id = $1 ORDER BY created_at DESC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list timeline children: %w", err)
	}
	defer rows.Close()
	return scanTimelineRows(rows)
}

// ListActive returns active timelines with pagination.
func (s *TimelineStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Timeline, error) {
	query := `SELECT ` + timelineSelectCols + ` FROM timelines WHERE status = 'active'`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY last_activity_at DESC"

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
		return nil, fmt.Errorf("postgres: list active timelines: %w", err)
	}
	defer rows.Close()
	return scanTimelineRows(rows)
}

// Leaderboard ranks participants and agents within a timeline by the sum of
// realized_pnl over their positions. NetWorth is set to that same sum; open
// positions are not marked to market.
func (s *TimelineStore) Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error) {
	const query = `
		SELECT owner_ref,
		       SUM(realized_pnl) AS pnl,
		       RANK() OVER (ORDER BY SUM(realized_pnl) DESC) AS rank
		FROM positions
		WHERE timeline_id = $1
		GROUP BY owner_ref
		ORDER BY pnl DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, timelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: leaderboard for timeline %s: %w", timelineID, err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		e.TimelineID = timelineID
		if err := rows.Scan(&e.OwnerRef, &e.PnL, &e.Rank); err != nil {
			return nil, fmt.Errorf("postgres: scan leaderboard row: %w", err)
		}
		e.NetWorth = e.PnL
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListReapedBefore returns reaped timelines whose last activity predates
// the cutoff, for cold-storage archival.
func (s *TimelineStore) ListReapedBefore(ctx context.Context, before time.Time) ([]domain.Timeline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+timelineSelectCols+` FROM timelines WHERE status = 'reaped' AND last_activity_at < $1 ORDER BY last_activity_at`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reaped timelines: %w", err)
	}
	defer rows.Close()
	return scanTimelineRows(rows)
}
