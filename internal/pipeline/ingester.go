// Package pipeline is the OSINT Signal Pipeline: pollers that pull from
// external sources, normalize observations into signals, write them through
// the deduplicating signal store, and keep per-feed health current for the
// Mode Supervisor. Cold-storage archival of settled data runs here too, on
// a cron schedule.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/echelon-core/echelon/internal/domain"
)

// Ingester is one OSINT source poller. Poll returns the batch of normalized
// signals observed since the previous call; the orchestrator handles
// dedup, feed-health bookkeeping, and event emission.
type Ingester interface {
	// Name is the feed's source tag (FeedStatus key).
	Name() string
	// Category groups feeds for the Mode Supervisor's
	// categories-unavailable rule.
	Category() string
	// Critical feeds force tier 2 when absent past the critical threshold.
	Critical() bool
	Poll(ctx context.Context) ([]domain.Signal, error)
}

// SignalID derives the stable hash identity of a signal from its source and
// payload, so re-ingestion of the same observation is a no-op.
func SignalID(sourceTag string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(sourceTag))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
