package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelon-core/echelon/internal/domain"
)

// AgentRelationStore implements domain.AgentRelationStore using PostgreSQL.
type AgentRelationStore struct {
	pool *pgxpool.Pool
}

// NewAgentRelationStore creates a new AgentRelationStore.
func NewAgentRelationStore(pool *pgxpool.Pool) *AgentRelationStore {
	return &AgentRelationStore{pool: pool}
}

// Create inserts a new lineage edge.
func (s *AgentRelationStore) Create(ctx context.Context, r domain.AgentRelation) error {
	const query = `INSERT INTO agent_relations (parent_id, child_id, reason, created_at) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, query, r.ParentID, r.ChildID, r.Reason, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create agent relation %s->%s: %w", r.ParentID, r.ChildID, err)
	}
	return nil
}

// ListDescendants returns every direct child of parentID.
func (s *AgentRelationStore) ListDescendants(ctx context.Context, parentID string) ([]domain.AgentRelation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent_id, child_id, reason, created_at FROM agent_relations WHERE parent_id = $1`, parentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agent descendants: %w", err)
	}
	defer rows.Close()

	var relations []domain.AgentRelation
	for rows.Next() {
		var r domain.AgentRelation
		if err := rows.Scan(&r.ParentID, &r.ChildID, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent relation: %w", err)
		}
		relations = append(relations, r)
	}
	return relations, rows.Err()
}

// ListAncestors returns every direct parent of childID.
func (s *AgentRelationStore) ListAncestors(ctx context.Context, childID string) ([]domain.AgentRelation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent_id, child_id, reason, created_at FROM agent_relations WHERE child_id = $1`, childID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agent ancestors: %w", err)
	}
	defer rows.Close()

	var relations []domain.AgentRelation
	for rows.Next() {
		var r domain.AgentRelation
		if err := rows.Scan(&r.ParentID, &r.ChildID, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent relation: %w", err)
		}
		relations = append(relations, r)
	}
	return relations, rows.Err()
}
