package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SignalStore persists ingested OSINT signals.
type SignalStore interface {
	Insert(ctx context.Context, sig Signal) error
	InsertBatch(ctx context.Context, sigs []Signal) error
	ListByTopic(ctx context.Context, topic string, opts ListOpts) ([]Signal, error)
	GetByID(ctx context.Context, id string) (Signal, error)
}

// MarketStore persists market metadata and reserve snapshots.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	Update(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListByTimeline(ctx context.Context, timelineID string, opts ListOpts) ([]Market, error)
	ListOpen(ctx context.Context, timelineID string) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// OrderStore persists placed orders for idempotency and audit replay.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	UpdateStatus(ctx context.Context, id string, status OrderStatus) error
	GetByID(ctx context.Context, id string) (Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Order, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Order, error)
}

// PositionStore persists participant and agent positions.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Close(ctx context.Context, id string, settledPrice float64) error
	GetOpen(ctx context.Context, ownerRef string) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	GetByMarketAndOwner(ctx context.Context, marketID, ownerRef string, outcomeIdx int) (Position, error)
	ListHistory(ctx context.Context, ownerRef string, opts ListOpts) ([]Position, error)
	ListOpenByMarket(ctx context.Context, marketID string) ([]Position, error)
}

// TradeStore persists executed fills.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	InsertBatch(ctx context.Context, trades []Trade) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
	ListByOwner(ctx context.Context, ownerRef string, opts ListOpts) ([]Trade, error)
}

// TimelineStore persists timelines (forks of world state).
type TimelineStore interface {
	Create(ctx context.Context, t Timeline) error
	Update(ctx context.Context, t Timeline) error
	GetByID(ctx context.Context, id string) (Timeline, error)
	ListChildren(ctx context.Context, parentID string) ([]Timeline, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Timeline, error)
	Leaderboard(ctx context.Context, timelineID string, limit int) ([]LeaderboardEntry, error)
}

// AgentStore persists autonomous agents.
type AgentStore interface {
	Create(ctx context.Context, a Agent) error
	Update(ctx context.Context, a Agent) error
	GetByID(ctx context.Context, id string) (Agent, error)
	ListActiveByTimeline(ctx context.Context, timelineID string) ([]Agent, error)
	ListRetiredBefore(ctx context.Context, before time.Time) ([]Agent, error)
}

// AgentRelationStore persists agent lineage edges.
type AgentRelationStore interface {
	Create(ctx context.Context, r AgentRelation) error
	ListDescendants(ctx context.Context, parentID string) ([]AgentRelation, error)
	ListAncestors(ctx context.Context, childID string) ([]AgentRelation, error)
}

// AttributionStore persists builder attribution records.
type AttributionStore interface {
	Create(ctx context.Context, r BuilderAttributionRecord) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]BuilderAttributionRecord, error)
	SumFeesByBuilder(ctx context.Context, builderRef string, since time.Time) (float64, error)
}

// ParticipantStore persists per-timeline invite-list membership, backing
// participation checks on user_private timelines.
type ParticipantStore interface {
	Invite(ctx context.Context, timelineID, ownerRef string) error
	IsInvited(ctx context.Context, timelineID, ownerRef string) (bool, error)
	ListInvited(ctx context.Context, timelineID string) ([]string, error)
}

// FeedStatusStore persists per-feed health rows consulted by the mode
// supervisor.
type FeedStatusStore interface {
	Upsert(ctx context.Context, s FeedStatus) error
	Get(ctx context.Context, feedName string) (FeedStatus, error)
	List(ctx context.Context) ([]FeedStatus, error)
}

// ModeStateStore persists the orchestrator's current operating mode.
type ModeStateStore interface {
	Get(ctx context.Context) (ModeState, error)
	Set(ctx context.Context, s ModeState) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// IdempotencyStore persists a durable record of processed idempotency keys,
// backing the Redis-local idempotency cache for cold-start recovery.
type IdempotencyStore interface {
	Record(ctx context.Context, key string, resultRef string, ttl time.Duration) error
	Lookup(ctx context.Context, key string) (resultRef string, found bool, err error)
}
