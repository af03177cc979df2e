package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/echelon-core/echelon/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	ListOpen(ctx context.Context, ownerRef string) ([]domain.Position, error)
	History(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all open positions for the caller.
// GET /api/positions  (owner from X-Wallet-Address)
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("X-Wallet-Address")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "X-Wallet-Address header required")
		return
	}

	positions, err := h.positions.ListOpen(r.Context(), owner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("owner_ref", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// History returns the caller's settled positions.
// GET /api/positions/history
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("X-Wallet-Address")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "X-Wallet-Address header required")
		return
	}

	positions, err := h.positions.History(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: position history failed",
			slog.String("owner_ref", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
