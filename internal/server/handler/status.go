package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

// ModeSource reports the orchestrator's current operating state.
type ModeSource interface {
	Mode() domain.ModeState
	Halted() bool
}

// FeedSource lists per-feed health rows.
type FeedSource interface {
	List(ctx context.Context) ([]domain.FeedStatus, error)
}

// StatusHandler serves the operating-mode and feed-health view for the
// dashboard.
type StatusHandler struct {
	mode      ModeSource
	feeds     FeedSource
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode ModeSource, feeds FeedSource, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{mode: mode, feeds: feeds, startedAt: startedAt, logger: logger}
}

// GetStatus responds with the current tier, restrictions, aggregate
// confidence, and per-feed health.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	state := h.mode.Mode()

	var feeds []domain.FeedStatus
	if h.feeds != nil {
		var err error
		feeds, err = h.feeds.List(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: feed status list failed",
				slog.String("error", err.Error()),
			)
		}
	}
	if feeds == nil {
		feeds = []domain.FeedStatus{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tier":                 int(state.Tier),
		"reason":               state.Reason,
		"aggregate_confidence": state.AggregateConfidence,
		"restrictions":         uint32(state.Restrictions),
		"entered_at":           state.EnteredAt,
		"halted":               h.mode.Halted(),
		"uptime_seconds":       int64(time.Since(h.startedAt).Seconds()),
		"feeds":                feeds,
	})
}
