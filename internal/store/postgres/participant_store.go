package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelon-core/echelon/internal/domain"
)

// ParticipantStore implements domain.ParticipantStore using PostgreSQL.
type ParticipantStore struct {
	pool *pgxpool.Pool
}

// NewParticipantStore creates a new ParticipantStore.
func NewParticipantStore(pool *pgxpool.Pool) *ParticipantStore {
	return &ParticipantStore{pool: pool}
}

// Invite adds ownerRef to timelineID's invite list. Repeated invites are a
// no-op.
func (s *ParticipantStore) Invite(ctx context.Context, timelineID, ownerRef string) error {
	const query = `
		INSERT INTO timeline_participants (timeline_id, owner_ref)
		VALUES ($1, $2)
		ON CONFLICT (timeline_id, owner_ref) DO NOTHING`
	_, err := s.pool.Exec(ctx, query, timelineID, ownerRef)
	if err != nil {
		return fmt.Errorf("postgres: invite %s to timeline %s: %w", ownerRef, timelineID, err)
	}
	return nil
}

// IsInvited reports whether ownerRef is on timelineID's invite list.
func (s *ParticipantStore) IsInvited(ctx context.Context, timelineID, ownerRef string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM timeline_participants WHERE timeline_id = $1 AND owner_ref = $2)`,
		timelineID, ownerRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check invite %s on timeline %s: %w", ownerRef, timelineID, err)
	}
	return exists, nil
}

// ListInvited returns every owner_ref invited to timelineID.
func (s *ParticipantStore) ListInvited(ctx context.Context, timelineID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_ref FROM timeline_participants WHERE timeline_id = $1 ORDER BY invited_at`, timelineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list invited for timeline %s: %w", timelineID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("postgres: scan invited owner_ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

var _ domain.ParticipantStore = (*ParticipantStore)(nil)
