package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/echelon-core/echelon/internal/domain"
)

// RiskConfig holds the tunable parameters for pre-trade risk checks.
// MaxExposure is the per-owner notional ceiling at a collateral scale of 1;
// the orchestrator doubles effective collateral requirements (halving the
// usable ceiling) while tier-2 restrictions are active.
type RiskConfig struct {
	MaxOpenPositions int
	MaxExposure      float64
}

// CollateralScaler reports the current collateral multiplier, satisfied by
// *orchestrator.Orchestrator.
type CollateralScaler interface {
	CollateralScale() float64
}

// RiskService provides pre-trade risk checks to ensure bets stay within
// configured limits before reaching the market engine.
type RiskService struct {
	positions domain.PositionStore
	scaler    CollateralScaler
	cfg       RiskConfig
	logger    *slog.Logger
}

// NewRiskService creates a RiskService. scaler may be nil (scale 1).
func NewRiskService(
	positions domain.PositionStore,
	scaler CollateralScaler,
	cfg RiskConfig,
	logger *slog.Logger,
) *RiskService {
	return &RiskService{
		positions: positions,
		scaler:    scaler,
		cfg:       cfg,
		logger:    logger,
	}
}

// PreTradeCheck validates a proposed bet for the given owner. It returns a
// non-nil error describing the first failed check, or nil if all checks
// pass.
//
// Checks performed:
//  1. Maximum number of open positions
//  2. Post-trade exposure within the collateral-scaled ceiling
func (s *RiskService) PreTradeCheck(ctx context.Context, ownerRef string, quoteAmount float64) error {
	openPositions, err := s.positions.GetOpen(ctx, ownerRef)
	if err != nil {
		return fmt.Errorf("risk_service: get open positions: %w", err)
	}
	if s.cfg.MaxOpenPositions > 0 && len(openPositions) >= s.cfg.MaxOpenPositions {
		s.logger.WarnContext(ctx, "risk_service: max positions reached",
			slog.String("owner_ref", ownerRef),
			slog.Int("open", len(openPositions)),
			slog.Int("max", s.cfg.MaxOpenPositions),
		)
		return fmt.Errorf("risk_service: max positions reached (%d/%d): %w",
			len(openPositions), s.cfg.MaxOpenPositions, domain.ErrInvalidArg)
	}

	ceiling := s.cfg.MaxExposure
	if s.scaler != nil {
		if scale := s.scaler.CollateralScale(); scale > 0 {
			ceiling /= scale
		}
	}
	if ceiling <= 0 {
		return nil
	}

	var exposure float64
	for _, p := range openPositions {
		exposure += p.AvgCost * p.Shares
	}
	if exposure+quoteAmount > ceiling {
		s.logger.WarnContext(ctx, "risk_service: exposure ceiling exceeded",
			slog.String("owner_ref", ownerRef),
			slog.Float64("exposure", exposure),
			slog.Float64("amount", quoteAmount),
			slog.Float64("ceiling", ceiling),
		)
		return fmt.Errorf("risk_service: exposure %.2f + %.2f exceeds ceiling %.2f: %w",
			exposure, quoteAmount, ceiling, domain.ErrInsufficientFunds)
	}
	return nil
}

// PositionExposure computes the owner's total cost-basis exposure across
// open positions.
func (s *RiskService) PositionExposure(ctx context.Context, ownerRef string) (float64, error) {
	openPositions, err := s.positions.GetOpen(ctx, ownerRef)
	if err != nil {
		return 0, fmt.Errorf("risk_service: get open positions: %w", err)
	}
	var exposure float64
	for _, p := range openPositions {
		exposure += p.AvgCost * p.Shares
	}
	return exposure, nil
}
