package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/echelon-core/echelon/internal/domain"
)

// LineageService reads the agent ancestry graph. Breeding inserts edges and
// reaping never deletes them, so the full generational history is always
// reconstructable from here.
type LineageService struct {
	agents    domain.AgentStore
	relations domain.AgentRelationStore
	logger    *slog.Logger
}

// NewLineageService creates a LineageService.
func NewLineageService(agents domain.AgentStore, relations domain.AgentRelationStore, logger *slog.Logger) *LineageService {
	return &LineageService{agents: agents, relations: relations, logger: logger}
}

// Descendants returns the direct children of one agent.
func (s *LineageService) Descendants(ctx context.Context, agentID string) ([]domain.AgentRelation, error) {
	edges, err := s.relations.ListDescendants(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lineage_service: descendants of %q: %w", agentID, err)
	}
	return edges, nil
}

// Ancestors returns the direct parents of one agent.
func (s *LineageService) Ancestors(ctx context.Context, agentID string) ([]domain.AgentRelation, error) {
	edges, err := s.relations.ListAncestors(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lineage_service: ancestors of %q: %w", agentID, err)
	}
	return edges, nil
}

// Agent returns one agent's record, retired or live.
func (s *LineageService) Agent(ctx context.Context, agentID string) (domain.Agent, error) {
	a, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("lineage_service: agent %q: %w", agentID, err)
	}
	return a, nil
}
