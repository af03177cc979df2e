package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/market"
	"github.com/echelon-core/echelon/internal/service"
)

// MarketService defines the read methods the market handler requires from
// the service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type MarketService interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error)
	Trending(ctx context.Context, timelineID string, limit int) ([]domain.Market, error)
	GetStats(ctx context.Context, timelineID string) (service.Stats, error)
}

// TradeRouter defines the guarded quote/bet surface, satisfied by the
// orchestrator.
type TradeRouter interface {
	Quote(ctx context.Context, marketID string, outcomeIdx int, quoteAmount decimal.Decimal, side domain.OrderSide) (domain.Quote, error)
	Execute(ctx context.Context, req market.ExecuteRequest) (domain.Trade, error)
}

// RiskChecker validates a bet before it reaches the engine.
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, ownerRef string, quoteAmount float64) error
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	router  TradeRouter
	risk    RiskChecker
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. risk may be nil.
func NewMarketHandler(markets MarketService, router TradeRouter, risk RiskChecker, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		router:  router,
		risk:    risk,
		logger:  logger,
	}
}

// marketView is the edge-facing market shape with derived odds.
type marketView struct {
	ID           string    `json:"id"`
	TimelineID   string    `json:"timeline_id"`
	Question     string    `json:"question"`
	Outcomes     []string  `json:"outcomes"`
	OutcomeOdds  []float64 `json:"outcome_odds"`
	Reserves     []float64 `json:"reserves"`
	TotalVolume  float64   `json:"total_volume"`
	Status       string    `json:"status"`
	CreatedTS    string    `json:"created_ts"`
	ResolutionTS *string   `json:"resolution_ts,omitempty"`
}

func toMarketView(m domain.Market) marketView {
	odds := m.OutcomeOdds()
	oddsF := make([]float64, len(odds))
	for i, o := range odds {
		oddsF[i], _ = o.Float64()
	}
	reserves := make([]float64, len(m.Reserves))
	for i, r := range m.Reserves {
		reserves[i], _ = r.Float64()
	}
	volume, _ := m.TotalVolume.Float64()

	v := marketView{
		ID:          m.ID,
		TimelineID:  m.TimelineID,
		Question:    m.Question,
		Outcomes:    m.Outcomes,
		OutcomeOdds: oddsF,
		Reserves:    reserves,
		TotalVolume: volume,
		Status:      string(m.Status),
		CreatedTS:   m.CreatedTS.Format("2006-01-02T15:04:05Z07:00"),
	}
	if m.ResolutionTS != nil {
		ts := m.ResolutionTS.Format("2006-01-02T15:04:05Z07:00")
		v.ResolutionTS = &ts
	}
	return v
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns markets on one timeline with pagination.
// GET /api/markets?timeline_id=&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	timelineID := r.URL.Query().Get("timeline_id")
	if timelineID == "" {
		writeError(w, http.StatusBadRequest, "timeline_id query parameter required")
		return
	}

	markets, err := h.markets.ListByTimeline(r.Context(), timelineID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, toMarketView(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(m))
}

// Trending returns the highest-volume open markets.
// GET /api/markets/trending?timeline_id=&limit=10
func (h *MarketHandler) Trending(w http.ResponseWriter, r *http.Request) {
	timelineID := r.URL.Query().Get("timeline_id")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	markets, err := h.markets.Trending(r.Context(), timelineID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: trending failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trending markets")
		return
	}
	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, toMarketView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": views})
}

// Stats returns aggregate market statistics.
// GET /api/markets/stats?timeline_id=
func (h *MarketHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.markets.GetStats(r.Context(), r.URL.Query().Get("timeline_id"))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: stats failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// quoteRequest is the body for POST /api/markets/{id}/quote.
type quoteRequest struct {
	OutcomeIdx  int     `json:"outcome_idx"`
	QuoteAmount float64 `json:"quote_amount"`
	Side        string  `json:"side"`
}

// Quote returns a non-binding price check.
// POST /api/markets/{id}/quote
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	side := domain.OrderSide(req.Side)
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}

	quote, err := h.router.Quote(r.Context(), id, req.OutcomeIdx, decimal.NewFromFloat(req.QuoteAmount), side)
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}

	sharesOut, _ := quote.SharesOut.Float64()
	price, _ := quote.ExpectedPrice.Float64()
	impact, _ := quote.PriceImpactBps.Float64()
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":        quote.MarketID,
		"outcome_idx":      quote.OutcomeIdx,
		"side":             quote.Side,
		"shares_out":       sharesOut,
		"expected_price":   price,
		"price_impact_bps": impact,
		"issued_at":        quote.IssuedAt,
	})
}

// betRequest is the body for POST /api/markets/{id}/bet.
type betRequest struct {
	OutcomeIdx     int     `json:"outcome_idx"`
	Amount         float64 `json:"amount"`
	Side           string  `json:"side"`
	IdempotencyKey string  `json:"idempotency_key"`
	MaxImpactBps   float64 `json:"max_impact_bps"`
}

// Bet executes a trade. The caller is identified by X-Wallet-Address.
// POST /api/markets/{id}/bet
func (h *MarketHandler) Bet(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	owner := r.Header.Get("X-Wallet-Address")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "X-Wallet-Address header required")
		return
	}

	var req betRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	side := domain.OrderSide(req.Side)
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key required")
		return
	}

	if h.risk != nil {
		if err := h.risk.PreTradeCheck(r.Context(), owner, req.Amount); err != nil {
			writeDomainError(w, r, h.logger, "bet risk check", err)
			return
		}
	}

	trade, err := h.router.Execute(r.Context(), market.ExecuteRequest{
		MarketID:       id,
		OutcomeIdx:     req.OutcomeIdx,
		QuoteAmount:    decimal.NewFromFloat(req.Amount),
		Side:           side,
		OwnerRef:       owner,
		IdempotencyKey: req.IdempotencyKey,
		MaxImpactBps:   decimal.NewFromFloat(req.MaxImpactBps),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "bet", err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}
