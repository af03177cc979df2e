package timeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeTimelineStore struct {
	byID map[string]domain.Timeline
}

func newFakeTimelineStore(rows ...domain.Timeline) *fakeTimelineStore {
	s := &fakeTimelineStore{byID: map[string]domain.Timeline{}}
	for _, t := range rows {
		s.byID[t.ID] = t
	}
	return s
}

func (f *fakeTimelineStore) Create(ctx context.Context, t domain.Timeline) error {
	f.byID[t.ID] = t
	return nil
}
func (f *fakeTimelineStore) Update(ctx context.Context, t domain.Timeline) error {
	if _, ok := f.byID[t.ID]; !ok {
		return domain.ErrNotFound
	}
	f.byID[t.ID] = t
	return nil
}
func (f *fakeTimelineStore) GetByID(ctx context.Context, id string) (domain.Timeline, error) {
	t, ok := f.byID[id]
	if !ok {
		return domain.Timeline{}, domain.ErrNotFound
	}
	return t, nil
}
func (f *fakeTimelineStore) ListChildren(ctx context.Context, parentID string) ([]domain.Timeline, error) {
	var out []domain.Timeline
	for _, t := range f.byID {
		if t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTimelineStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Timeline, error) {
	return nil, nil
}
func (f *fakeTimelineStore) Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error) {
	return nil, nil
}

type fakeParticipantStore struct {
	invited map[string]map[string]bool
}

func newFakeParticipantStore() *fakeParticipantStore {
	return &fakeParticipantStore{invited: map[string]map[string]bool{}}
}

func (f *fakeParticipantStore) Invite(ctx context.Context, timelineID, ownerRef string) error {
	if f.invited[timelineID] == nil {
		f.invited[timelineID] = map[string]bool{}
	}
	f.invited[timelineID][ownerRef] = true
	return nil
}
func (f *fakeParticipantStore) IsInvited(ctx context.Context, timelineID, ownerRef string) (bool, error) {
	return f.invited[timelineID][ownerRef], nil
}
func (f *fakeParticipantStore) ListInvited(ctx context.Context, timelineID string) ([]string, error) {
	var out []string
	for o := range f.invited[timelineID] {
		out = append(out, o)
	}
	return out, nil
}

type fakePositionStore struct {
	open   []domain.Position
	closed map[string]float64 // position id -> settled price
}

func (f *fakePositionStore) Upsert(ctx context.Context, p domain.Position) error { return nil }
func (f *fakePositionStore) Close(ctx context.Context, id string, settledPrice float64) error {
	if f.closed == nil {
		f.closed = map[string]float64{}
	}
	f.closed[id] = settledPrice
	return nil
}
func (f *fakePositionStore) GetOpen(ctx context.Context, ownerRef string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositionStore) GetByMarketAndOwner(ctx context.Context, marketID, ownerRef string, outcomeIdx int) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositionStore) ListHistory(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositionStore) ListOpenByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.open {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeVoider struct {
	voided []domain.Market
}

func (f *fakeVoider) VoidMarketsForTimeline(ctx context.Context, timelineID, reason string) ([]domain.Market, error) {
	return f.voided, nil
}

func rootTimeline() domain.Timeline {
	return domain.Timeline{
		ID:          "tl-root",
		Visibility:  domain.TimelineVisibilityGlobalOnChain,
		Status:      domain.TimelineStatusActive,
		CapitalMode: domain.CapitalModeReal,
		CreatorRef:  "system",
		Stability:   1,
		CreatedAt:   time.Now().UTC(),
	}
}

// A user_private timeline admits exactly its creator and invitees.
func TestCanParticipatePrivateTimeline(t *testing.T) {
	store := newFakeTimelineStore(rootTimeline())
	participants := newFakeParticipantStore()
	reg := New(store, participants, &fakePositionStore{}, nil, nil, discardLogger())
	ctx := context.Background()

	tl, err := reg.ForkUser(ctx, "tl-root", "alice", "m-1", "what if", ForkUserConfig{
		Visibility: domain.TimelineVisibilityUserPrivate,
		InviteList: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("fork user: %v", err)
	}
	if tl.CapitalMode != domain.CapitalModeSimulated {
		t.Fatalf("user forks must be simulated, got %s", tl.CapitalMode)
	}

	cases := []struct {
		owner string
		want  bool
	}{
		{"alice", true}, // creator
		{"bob", true},   // invited
		{"carol", false},
	}
	for _, tc := range cases {
		got, err := reg.CanParticipate(ctx, tc.owner, tl.ID)
		if err != nil {
			t.Fatalf("can_participate %s: %v", tc.owner, err)
		}
		if got != tc.want {
			t.Errorf("can_participate(%s) = %v, want %v", tc.owner, got, tc.want)
		}
	}
}

func TestCanParticipatePublicAdmitsAnyone(t *testing.T) {
	store := newFakeTimelineStore(rootTimeline())
	reg := New(store, newFakeParticipantStore(), &fakePositionStore{}, nil, nil, discardLogger())
	ctx := context.Background()

	tl, err := reg.ForkUser(ctx, "tl-root", "alice", "m-1", "what if", ForkUserConfig{
		Visibility: domain.TimelineVisibilityUserPublic,
	})
	if err != nil {
		t.Fatalf("fork user: %v", err)
	}

	got, err := reg.CanParticipate(ctx, "anyone-at-all", tl.ID)
	if err != nil || !got {
		t.Fatalf("public timeline should admit anyone, got %v err %v", got, err)
	}
}

// Deterministic fork commitment: the same parent hash, market ref, premise,
// and VRF seed always produce the same fork-point hash.
func TestForkGlobalDeterministicCommitment(t *testing.T) {
	ctx := context.Background()
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i)
	}

	fork := func() domain.Timeline {
		store := newFakeTimelineStore(rootTimeline())
		reg := New(store, newFakeParticipantStore(), &fakePositionStore{}, nil, nil, discardLogger())
		provider := clock.NewProvider(clock.System{})
		tl, err := reg.ForkGlobal(ctx, "tl-root", "m-1", "premise text", 3600, provider.ConsumeVRF(seed))
		if err != nil {
			t.Fatalf("fork global: %v", err)
		}
		return tl
	}

	first := fork()
	second := fork()
	if first.ForkPointStateHash != second.ForkPointStateHash {
		t.Fatalf("fork commitment not deterministic: %s vs %s", first.ForkPointStateHash, second.ForkPointStateHash)
	}
}

// Reaping a simulated timeline refunds open positions at cost basis.
func TestReapRefundsSimulatedAtCostBasis(t *testing.T) {
	parent := rootTimeline()
	store := newFakeTimelineStore(parent)
	reg := New(store, newFakeParticipantStore(), &fakePositionStore{}, nil, nil, discardLogger())
	ctx := context.Background()

	tl, err := reg.ForkUser(ctx, "tl-root", "alice", "m-1", "what if", ForkUserConfig{
		Visibility: domain.TimelineVisibilityUserPrivate,
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	voidedMarket := domain.Market{
		ID:         "m-voided",
		TimelineID: tl.ID,
		Outcomes:   []string{"YES", "NO"},
		Reserves:   []decimal.Decimal{decimal.NewFromInt(400), decimal.NewFromInt(600)},
		Status:     domain.MarketStatusVoided,
	}
	positions := &fakePositionStore{open: []domain.Position{
		{ID: "pos-1", MarketID: "m-voided", OwnerRef: "alice", Shares: 10, AvgCost: 0.42, Status: domain.PositionStatusOpen},
	}}
	voider := &fakeVoider{voided: []domain.Market{voidedMarket}}

	reg2 := New(store, newFakeParticipantStore(), positions, voider, nil, discardLogger())
	if err := reg2.Reap(ctx, tl.ID, "impossible premise"); err != nil {
		t.Fatalf("reap: %v", err)
	}

	after, _ := store.GetByID(ctx, tl.ID)
	if after.Status != domain.TimelineStatusReaped {
		t.Fatalf("expected reaped status, got %s", after.Status)
	}
	price, ok := positions.closed["pos-1"]
	if !ok {
		t.Fatal("expected open position settled on reap")
	}
	if price != 0.42 {
		t.Fatalf("simulated reap must refund at cost basis 0.42, got %v", price)
	}
}

// The Global real-capital timeline is never reaped through this path.
func TestReapRejectsGlobalTimeline(t *testing.T) {
	store := newFakeTimelineStore(rootTimeline())
	reg := New(store, newFakeParticipantStore(), &fakePositionStore{}, nil, nil, discardLogger())

	err := reg.Reap(context.Background(), "tl-root", "nope")
	if !errors.Is(err, domain.ErrInvalidArg) {
		t.Fatalf("expected ErrInvalidArg reaping global timeline, got %v", err)
	}
}
