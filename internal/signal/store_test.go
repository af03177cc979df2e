package signal

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

// fakeDurableStore is an in-memory domain.SignalStore used to exercise the
// Store facade without a real Postgres connection, mirroring the unique-
// constraint semantics the live store enforces at the DB level.
type fakeDurableStore struct {
	byID map[string]domain.Signal
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{byID: map[string]domain.Signal{}}
}

func (f *fakeDurableStore) Insert(ctx context.Context, sig domain.Signal) error {
	if _, exists := f.byID[sig.ID]; exists {
		return domain.ErrAlreadyExists
	}
	f.byID[sig.ID] = sig
	return nil
}

func (f *fakeDurableStore) InsertBatch(ctx context.Context, sigs []domain.Signal) error {
	for _, s := range sigs {
		if err := f.Insert(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDurableStore) ListByTopic(ctx context.Context, topic string, opts domain.ListOpts) ([]domain.Signal, error) {
	var out []domain.Signal
	for _, s := range f.byID {
		if s.Topic != topic {
			continue
		}
		if opts.Since != nil && s.Timestamp.Before(*opts.Since) {
			continue
		}
		out = append(out, s)
	}
	// newest first, stable tie-break by ID
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			swap := out[j].Timestamp.After(out[i].Timestamp) ||
				(out[j].Timestamp.Equal(out[i].Timestamp) && out[j].ID < out[i].ID)
			if swap {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeDurableStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	s, ok := f.byID[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	return s, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestIngestThenQueryReturnsSignal(t *testing.T) {
	store := New(newFakeDurableStore(), nil, nil, discardLogger())
	ctx := context.Background()
	now := time.Now()
	sig := domain.Signal{ID: "h1", Topic: "election-2028", Timestamp: now, Confidence: 0.8}

	res, err := store.Ingest(ctx, sig)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res != Inserted {
		t.Fatalf("expected Inserted, got %s", res)
	}

	got, err := store.Query(ctx, sig.Topic, sig.Timestamp, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != sig.ID {
		t.Fatalf("expected [%s], got %+v", sig.ID, got)
	}
}

// TestIngestDedup verifies re-ingesting the same signal ID is a no-op
// that reports Duplicate rather than an error, and does not create a second
// row.
func TestIngestDedup(t *testing.T) {
	durable := newFakeDurableStore()
	store := New(durable, nil, nil, discardLogger())
	ctx := context.Background()
	sig := domain.Signal{ID: "h2", Topic: "t", Timestamp: time.Now()}

	first, err := store.Ingest(ctx, sig)
	if err != nil || first != Inserted {
		t.Fatalf("first ingest: res=%s err=%v", first, err)
	}

	second, err := store.Ingest(ctx, sig)
	if err != nil {
		t.Fatalf("second ingest returned error: %v", err)
	}
	if second != Duplicate {
		t.Fatalf("expected Duplicate, got %s", second)
	}

	all, _ := durable.ListByTopic(ctx, sig.Topic, domain.ListOpts{})
	if len(all) != 1 {
		t.Fatalf("expected exactly one stored signal, got %d", len(all))
	}
}

func TestTouchTransitionsFeedHealth(t *testing.T) {
	feeds := newFakeFeedStatusStore()
	store := New(newFakeDurableStore(), nil, feeds, discardLogger())
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := store.Touch(ctx, "acled", false, now, "timeout"); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}

	fs, err := feeds.Get(ctx, "acled")
	if err != nil {
		t.Fatalf("get feed status: %v", err)
	}
	if fs.Health != domain.FeedDown {
		t.Fatalf("expected FeedDown after 5 consecutive errors, got %s", fs.Health)
	}

	if err := store.Touch(ctx, "acled", true, now, ""); err != nil {
		t.Fatalf("touch ok: %v", err)
	}
	fs, _ = feeds.Get(ctx, "acled")
	if fs.Health != domain.FeedHealthy || fs.ConsecutiveErrs != 0 {
		t.Fatalf("expected healthy reset, got %+v", fs)
	}
}

type fakeFeedStatusStore struct {
	rows map[string]domain.FeedStatus
}

func newFakeFeedStatusStore() *fakeFeedStatusStore {
	return &fakeFeedStatusStore{rows: map[string]domain.FeedStatus{}}
}

func (f *fakeFeedStatusStore) Upsert(ctx context.Context, s domain.FeedStatus) error {
	f.rows[s.FeedName] = s
	return nil
}

func (f *fakeFeedStatusStore) Get(ctx context.Context, feedName string) (domain.FeedStatus, error) {
	s, ok := f.rows[feedName]
	if !ok {
		return domain.FeedStatus{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeFeedStatusStore) List(ctx context.Context) ([]domain.FeedStatus, error) {
	out := make([]domain.FeedStatus, 0, len(f.rows))
	for _, s := range f.rows {
		out = append(out, s)
	}
	return out, nil
}
