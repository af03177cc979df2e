package domain

import "time"

// EventKind enumerates everything the orchestrator publishes onto the Event
// Bus. The edge subscribes with per-kind filters; downstream exporters
// consume the canonical JSON encoding of Event.
type EventKind string

const (
	EventMarketCreated   EventKind = "MarketCreated"
	EventMarketQuoted    EventKind = "MarketQuoted"
	EventMarketResolved  EventKind = "MarketResolved"
	EventTradeExecuted   EventKind = "TradeExecuted"
	EventPositionUpdated EventKind = "PositionUpdated"
	EventTimelineForked  EventKind = "TimelineForked"
	EventTimelineReaped  EventKind = "TimelineReaped"
	EventSignalIngested  EventKind = "SignalIngested"
	EventFeedDegraded    EventKind = "FeedDegraded"
	EventModeChanged     EventKind = "ModeChanged"
	EventAgentActed      EventKind = "AgentActed"
	EventAgentDormant    EventKind = "AgentDormant"
	EventParadoxOpened   EventKind = "ParadoxOpened"
	EventParadoxResolved EventKind = "ParadoxResolved"
	EventExportReady     EventKind = "ExportReady"
)

// Event is one typed message on the bus. Payload is the domain value that
// triggered the event (a Market, Trade, Timeline, etc.); it is serialized to
// canonical JSON at the bus boundary.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}
