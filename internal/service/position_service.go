package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/echelon-core/echelon/internal/domain"
)

// PositionService handles position reads for the edge.
type PositionService struct {
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(positions domain.PositionStore, logger *slog.Logger) *PositionService {
	return &PositionService{positions: positions, logger: logger}
}

// ListOpen returns the owner's live positions.
func (s *PositionService) ListOpen(ctx context.Context, ownerRef string) ([]domain.Position, error) {
	positions, err := s.positions.GetOpen(ctx, ownerRef)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open for %q: %w", ownerRef, err)
	}
	return positions, nil
}

// History returns the owner's settled positions, newest first.
func (s *PositionService) History(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListHistory(ctx, ownerRef, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: history for %q: %w", ownerRef, err)
	}
	return positions, nil
}

// RealizedPnL totals the owner's realized profit and loss across settled
// positions.
func (s *PositionService) RealizedPnL(ctx context.Context, ownerRef string) (float64, error) {
	history, err := s.positions.ListHistory(ctx, ownerRef, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("position_service: pnl for %q: %w", ownerRef, err)
	}
	var pnl float64
	for _, p := range history {
		pnl += p.RealizedPnL
	}
	return pnl, nil
}
