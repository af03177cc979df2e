package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/timeline"
)

// TimelineRouter defines the guarded fork/participation surface, satisfied
// by the orchestrator plus the registry's read side.
type TimelineRouter interface {
	ForkGlobal(ctx context.Context, parentID, sourceMarketRef, premise string, durationS int, rng clock.RandomnessBundle) (domain.Timeline, error)
	ForkUser(ctx context.Context, parentID, ownerRef, sourceMarketRef, premise string, cfg timeline.ForkUserConfig) (domain.Timeline, error)
}

// TimelineReader is the registry's read surface.
type TimelineReader interface {
	Get(ctx context.Context, timelineID string) (domain.Timeline, error)
	CanParticipate(ctx context.Context, ownerRef, timelineID string) (bool, error)
	Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error)
}

// VRFSource supplies fork randomness for global forks.
type VRFSource interface {
	ConsumeVRF(seed [32]byte) clock.RandomnessBundle
	VRFAvailable() bool
}

// TimelineHandler serves timeline fork, participation, and leaderboard
// endpoints.
type TimelineHandler struct {
	router TimelineRouter
	reader TimelineReader
	vrf    VRFSource
	logger *slog.Logger
}

// NewTimelineHandler creates a TimelineHandler.
func NewTimelineHandler(router TimelineRouter, reader TimelineReader, vrf VRFSource, logger *slog.Logger) *TimelineHandler {
	return &TimelineHandler{
		router: router,
		reader: reader,
		vrf:    vrf,
		logger: logger,
	}
}

// forkRequest discriminates global vs user forks by the global flag.
type forkRequest struct {
	ParentID        string `json:"parent_id"`
	SourceMarketRef string `json:"source_market_ref"`
	Premise         string `json:"premise"`
	Global          bool   `json:"global"`
	DurationS       int    `json:"duration_s"`
	// VRFSeed is the hex-free raw 32-byte coordinator value, base64 in
	// JSON; required for global forks.
	VRFSeed []byte `json:"vrf_seed,omitempty"`
	// User-fork config (recognized options only; unknown fields rejected).
	Visibility         string   `json:"visibility,omitempty"`
	SimulatedCapital   float64  `json:"simulated_capital,omitempty"`
	InviteList         []string `json:"invite_list,omitempty"`
	LeaderboardEnabled bool     `json:"leaderboard_enabled,omitempty"`
}

// Fork branches a new timeline.
// POST /api/timelines/fork
func (h *TimelineHandler) Fork(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("X-Wallet-Address")

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req forkRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ParentID == "" {
		writeError(w, http.StatusBadRequest, "parent_id required")
		return
	}

	if req.Global {
		if len(req.VRFSeed) != 32 {
			writeError(w, http.StatusBadRequest, "global forks require a 32-byte vrf_seed")
			return
		}
		var seed [32]byte
		copy(seed[:], req.VRFSeed)
		bundle := h.vrf.ConsumeVRF(seed)

		tl, err := h.router.ForkGlobal(r.Context(), req.ParentID, req.SourceMarketRef, req.Premise, req.DurationS, bundle)
		if err != nil {
			writeDomainError(w, r, h.logger, "fork global", err)
			return
		}
		writeJSON(w, http.StatusCreated, tl)
		return
	}

	if owner == "" {
		writeError(w, http.StatusBadRequest, "X-Wallet-Address header required for user forks")
		return
	}
	visibility := domain.TimelineVisibility(req.Visibility)
	if visibility == "" {
		visibility = domain.TimelineVisibilityUserPrivate
	}
	tl, err := h.router.ForkUser(r.Context(), req.ParentID, owner, req.SourceMarketRef, req.Premise, timeline.ForkUserConfig{
		Visibility:         visibility,
		SimulatedCapital:   req.SimulatedCapital,
		InviteList:         req.InviteList,
		LeaderboardEnabled: req.LeaderboardEnabled,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "fork user", err)
		return
	}
	writeJSON(w, http.StatusCreated, tl)
}

// GetTimeline returns one timeline, enforcing visibility for the caller.
// GET /api/timelines/{id}
func (h *TimelineHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	owner := r.Header.Get("X-Wallet-Address")

	ok, err := h.reader.CanParticipate(r.Context(), owner, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "timeline not found")
			return
		}
		writeDomainError(w, r, h.logger, "get timeline", err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	tl, err := h.reader.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

// Leaderboard ranks participants by realized P&L.
// GET /api/timelines/{id}/leaderboard?limit=20
func (h *TimelineHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.reader.Leaderboard(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, "leaderboard", err)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}
