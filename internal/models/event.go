package models

import "time"

// EscalationEvent is one append-only audit record, written in the same
// transaction as the transition it describes. FromTier/ToTier are nil for the
// edges of the lifecycle (creation has no from-tier, terminal transitions have
// no to-tier).
type EscalationEvent struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alertId"`
	FromTier  *int      `json:"fromTier"`
	ToTier    *int      `json:"toTier"`
	Timestamp time.Time `json:"timestamp"`
	Automatic bool      `json:"automatic"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

type EventType string

const (
	EventCreated        EventType = "created"
	EventAcknowledged   EventType = "acknowledged"
	EventResolved       EventType = "resolved"
	EventEscalated      EventType = "escalated"
	EventExpired        EventType = "expired"
	EventDispatchFailed EventType = "dispatch_failed"
)

// Event is the lifecycle event fanned out to real-time subscribers and the
// notification dispatcher. Seq is assigned by the hub, strictly increasing
// per facility.
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	AlertID   string    `json:"alertId"`
	Facility  string    `json:"facility"`
	Category  string    `json:"category"`
	FromTier  *int      `json:"fromTier"`
	ToTier    *int      `json:"toTier"`
	Timestamp time.Time `json:"timestamp"`
	Automatic bool      `json:"automatic"`
	Actor     string    `json:"actor,omitempty"`
}
