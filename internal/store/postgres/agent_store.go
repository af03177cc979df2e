package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelon-core/echelon/internal/domain"
)

// AgentStore implements domain.AgentStore using PostgreSQL.
type AgentStore struct {
	pool *pgxpool.Pool
}

// NewAgentStore creates a new AgentStore backed by the given connection pool.
func NewAgentStore(pool *pgxpool.Pool) *AgentStore {
	return &AgentStore{pool: pool}
}

const agentSelectCols = `id, timeline_id, archetype, traits, sanity, budget_remaining,
	generation, parent_ids, last_action_ts, retired, created_at`

func scanAgentRow(row pgx.Row) (domain.Agent, error) {
	var a domain.Agent
	var archetype string
	var traitsJSON, parentIDsJSON []byte

	err := row.Scan(
		&a.ID, &a.TimelineID, &archetype, &traitsJSON, &a.Sanity, &a.BudgetRemaining,
		&a.Generation, &parentIDsJSON, &a.LastActionTS, &a.Retired, &a.CreatedAt,
	)
	if err != nil {
		return domain.Agent{}, err
	}
	a.Archetype = domain.Archetype(archetype)
	if err := json.Unmarshal(traitsJSON, &a.Traits); err != nil {
		return domain.Agent{}, fmt.Errorf("unmarshal traits: %w", err)
	}
	if len(parentIDsJSON) > 0 {
		if err := json.Unmarshal(parentIDsJSON, &a.ParentIDs); err != nil {
			return domain.Agent{}, fmt.Errorf("unmarshal parent ids: %w", err)
		}
	}
	return a, nil
}

func scanAgentRows(rows pgx.Rows) ([]domain.Agent, error) {
	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Create inserts a new agent.
func (s *AgentStore) Create(ctx context.Context, a domain.Agent) error {
	traitsJSON, err := json.Marshal(a.Traits)
	if err != nil {
		return fmt.Errorf("postgres: marshal agent traits: %w", err)
	}
	parentIDsJSON, err := json.Marshal(a.ParentIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal agent parent ids: %w", err)
	}

	const query = `
		INSERT INTO agents (
			id, timeline_id, archetype, traits, sanity, budget_remaining,
			generation, parent_ids, last_action_ts, retired, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)`

	_, err = s.pool.Exec(ctx, query,
		a.ID, a.TimelineID, string(a.Archetype), traitsJSON, a.Sanity, a.BudgetRemaining,
		a.Generation, parentIDsJSON, a.LastActionTS, a.Retired, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create agent %s: %w", a.ID, err)
	}
	return nil
}

// Update replaces an agent's mutable fields.
func (s *AgentStore) Update(ctx context.Context, a domain.Agent) error {
	const query = `
		UPDATE agents SET
			sanity           = $2,
			budget_remaining = $3,
			last_action_ts   = $4,
			retired          = $5
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, a.ID, a.Sanity, a.BudgetRemaining, a.LastActionTS, a.Retired)
	if err != nil {
		return fmt.Errorf("postgres: update agent %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single agent by ID.
func (s *AgentStore) GetByID(ctx context.Context, id string) (domain.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentSelectCols+` FROM agents WHERE id = $1`, id)
	a, err := scanAgentRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Agent{}, domain.ErrNotFound
		}
		return domain.Agent{}, fmt.Errorf("postgres: get agent %s: %w", id, err)
	}
	return a, nil
}

// ListActiveByTimeline returns all non-retired agents with sanity and
// budget left in a timeline, the pool the scheduler ticks over.
func (s *AgentStore) ListActiveByTimeline(ctx context.Context, timelineID string) ([]domain.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentSelectCols+` FROM agents
		 WHERE timeline_id = $1 AND retired = FALSE AND sanity > 0 AND budget_remaining > 0
		 ORDER BY last_action_ts ASC`, timelineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active agents: %w", err)
	}
	defer rows.Close()
	return scanAgentRows(rows)
}

// ListRetiredBefore returns agents retired before the given time, used by
// the archiver to prune old lineage roots from hot storage.
func (s *AgentStore) ListRetiredBefore(ctx context.Context, before time.Time) ([]domain.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentSelectCols+` FROM agents WHERE retired = TRUE AND last_action_ts < $1`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list retired agents: %w", err)
	}
	defer rows.Close()
	return scanAgentRows(rows)
}
