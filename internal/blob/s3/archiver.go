package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// These follow the Interface Segregation Principle: the archiver only
// requires the query methods it actually calls, not the full domain store
// interfaces. The Postgres stores satisfy these with time-ranged queries.
// ---------------------------------------------------------------------------

// TradeArchiveStore provides read access to trades for archival purposes.
type TradeArchiveStore interface {
	// ListBefore returns all trades with a timestamp strictly before the
	// given cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
}

// MarketArchiveStore provides read access to settled markets for archival
// purposes.
type MarketArchiveStore interface {
	// ListSettledBefore returns all resolved or voided markets whose
	// resolution (or creation, for voided markets that never resolved)
	// predates the cutoff.
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error)
}

// TimelineArchiveStore provides read access to reaped timelines for
// archival purposes.
type TimelineArchiveStore interface {
	// ListReapedBefore returns all reaped timelines whose last activity
	// predates the cutoff.
	ListReapedBefore(ctx context.Context, before time.Time) ([]domain.Timeline, error)
}

// AttributionArchiveStore provides read access to attribution records for
// archival purposes.
type AttributionArchiveStore interface {
	// ListBefore returns all attribution records created strictly before
	// the given cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.BuilderAttributionRecord, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// settled records, serializing them to JSONL (the canonical export shape
// downstream exporters re-encode from), and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	trades      TradeArchiveStore
	markets     MarketArchiveStore
	timelines   TimelineArchiveStore
	attribution AttributionArchiveStore
	audit       domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	trades TradeArchiveStore,
	markets MarketArchiveStore,
	timelines TimelineArchiveStore,
	attribution AttributionArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		trades:      trades,
		markets:     markets,
		timelines:   timelines,
		attribution: attribution,
		audit:       audit,
	}
}

// ArchiveTrades queries all trades before the cutoff, serializes them to
// JSONL, and uploads the file to S3 at archive/trades/YYYY-MM.jsonl. The
// archival event is recorded in the audit log and the count of archived
// records is returned.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	return upload(ctx, a, "trades", before, trades)
}

// ArchiveResolvedMarkets archives resolved and voided markets past the
// settlement timeout to archive/markets/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveResolvedMarkets(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.markets.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets query: %w", err)
	}
	return upload(ctx, a, "markets", before, markets)
}

// ArchiveCollapsedTimelines archives reaped timelines to
// archive/timelines/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveCollapsedTimelines(ctx context.Context, before time.Time) (int64, error) {
	timelines, err := a.timelines.ListReapedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive timelines query: %w", err)
	}
	return upload(ctx, a, "timelines", before, timelines)
}

// ArchiveAttributionRecords archives builder attribution records to
// archive/attribution/YYYY-MM.jsonl. Attribution is append-only; archival
// keeps the hot table bounded without losing the crediting trail.
func (a *ArchiveImpl) ArchiveAttributionRecords(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.attribution.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive attribution query: %w", err)
	}
	return upload(ctx, a, "attribution", before, records)
}

// upload serializes and stores one archive batch, logging it to the audit
// trail.
func upload[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/trades/2025-01.jsonl
//	archive/markets/2025-01.jsonl
//	archive/timelines/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON
// (JSONL). Each element is marshalled as a single compact JSON line followed
// by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
