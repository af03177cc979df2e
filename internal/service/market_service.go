// Package service is the thin read/command layer between the HTTP edge and
// the core: market views, positions, trades, lineage, and pre-trade risk.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/echelon-core/echelon/internal/domain"
)

// MarketService handles market reads for the edge: cached single-market
// lookups, per-timeline listings with derived odds, and the trending/stats
// views.
type MarketService struct {
	markets domain.MarketStore
	trades  domain.TradeStore
	cache   domain.MarketCache
	logger  *slog.Logger
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(
	markets domain.MarketStore,
	trades domain.TradeStore,
	cache domain.MarketCache,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		trades:  trades,
		cache:   cache,
		logger:  logger,
	}
}

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the persistent store on a cache miss.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by id %q: %w", id, err)
	}

	// Back-fill cache; log but do not fail on cache write errors.
	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
			s.logger.WarnContext(ctx, "market_service: cache set failed",
				slog.String("market_id", id),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return m, nil
}

// ListByTimeline returns markets on one timeline, newest first.
func (s *MarketService) ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.ListByTimeline(ctx, timelineID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list by timeline: %w", err)
	}
	return markets, nil
}

// Trending returns the open markets with the highest total volume, bounded
// to limit.
func (s *MarketService) Trending(ctx context.Context, timelineID string, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 10
	}
	markets, err := s.markets.ListOpen(ctx, timelineID)
	if err != nil {
		return nil, fmt.Errorf("market_service: trending: %w", err)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].TotalVolume.GreaterThan(markets[j].TotalVolume)
	})
	if len(markets) > limit {
		markets = markets[:limit]
	}
	return markets, nil
}

// Stats summarizes the market population for the stats endpoint.
type Stats struct {
	TotalMarkets int64   `json:"total_markets"`
	OpenMarkets  int     `json:"open_markets"`
	TotalVolume  float64 `json:"total_volume"`
}

// GetStats reports the total market count across all timelines, plus the
// count and summed volume of timelineID's open markets.
func (s *MarketService) GetStats(ctx context.Context, timelineID string) (Stats, error) {
	total, err := s.markets.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("market_service: count: %w", err)
	}
	open, err := s.markets.ListOpen(ctx, timelineID)
	if err != nil {
		return Stats{}, fmt.Errorf("market_service: list open: %w", err)
	}

	stats := Stats{TotalMarkets: total, OpenMarkets: len(open)}
	for _, m := range open {
		v, _ := m.TotalVolume.Float64()
		stats.TotalVolume += v
	}
	return stats, nil
}
