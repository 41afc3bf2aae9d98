package schema

import "time"

// EventKind classifies audit events flowing over the bus.
type EventKind string

const (
	// EventOrderAccepted records an instruction passing the risk gate.
	EventOrderAccepted EventKind = "ORDER_ACCEPTED"
	// EventOrderRejected records a risk or validation rejection.
	EventOrderRejected EventKind = "ORDER_REJECTED"
	// EventOrderSubmitted records provider acceptance.
	EventOrderSubmitted EventKind = "ORDER_SUBMITTED"
	// EventOrderFilled records a fill, partial or final.
	EventOrderFilled EventKind = "ORDER_FILLED"
	// EventOrderCancelled records a cancellation reaching terminal state.
	EventOrderCancelled EventKind = "ORDER_CANCELLED"
	// EventOrderFailed records an unrecoverable provider failure.
	EventOrderFailed EventKind = "ORDER_FAILED"
	// EventPositionUpdated records a position delta after a fill or mark.
	EventPositionUpdated EventKind = "POSITION_UPDATED"
	// EventRiskAlert records a limit breach or daily-loss warning.
	EventRiskAlert EventKind = "RISK_ALERT"
	// EventTradingFrozen records the freeze gate flipping on.
	EventTradingFrozen EventKind = "TRADING_FROZEN"
	// EventTradingUnfrozen records the freeze gate flipping off.
	EventTradingUnfrozen EventKind = "TRADING_UNFROZEN"
	// EventKillSwitch records kill-switch activation.
	EventKillSwitch EventKind = "KILL_SWITCH"
	// EventConsistencyFault records an invariant violation on one order.
	EventConsistencyFault EventKind = "CONSISTENCY_FAULT"
	// EventFeedResync records a sequence gap forcing a market resync.
	EventFeedResync EventKind = "FEED_RESYNC"
)

// AuditEvent is one entry in the append-only audit stream. Sequence numbers
// are assigned by the bus, strictly increasing, never skipped for events
// actually published.
type AuditEvent struct {
	Sequence  uint64         `json:"sequence"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	OrderID   string         `json:"order_id,omitempty"`
	MarketID  string         `json:"market_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
