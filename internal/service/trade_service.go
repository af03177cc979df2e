package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/echelon-core/echelon/internal/domain"
)

// TradeService handles trade-history reads for the edge.
type TradeService struct {
	trades domain.TradeStore
	logger *slog.Logger
}

// NewTradeService creates a TradeService.
func NewTradeService(trades domain.TradeStore, logger *slog.Logger) *TradeService {
	return &TradeService{trades: trades, logger: logger}
}

// ListByMarket returns fills against one market, newest first.
func (s *TradeService) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list by market %q: %w", marketID, err)
	}
	return trades, nil
}

// ListByOwner returns one owner's fills, newest first.
func (s *TradeService) ListByOwner(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListByOwner(ctx, ownerRef, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list by owner %q: %w", ownerRef, err)
	}
	return trades, nil
}
