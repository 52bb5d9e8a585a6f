package models

import "time"

type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusExpired      AlertStatus = "expired"
)

// Terminal reports whether the status is one an alert can never leave.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusExpired
}

// Alert is one emergency notification. It is mutated exclusively through the
// engine's transition operations and becomes immutable once terminal.
type Alert struct {
	ID               string            `json:"id"`
	Category         string            `json:"category"`
	Facility         string            `json:"facility"`
	Status           AlertStatus       `json:"status"`
	CurrentTier      int               `json:"currentTier"`
	CreatedAt        time.Time         `json:"createdAt"`
	AcknowledgedAt   *time.Time        `json:"acknowledgedAt,omitempty"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
	NextEscalationAt *time.Time        `json:"nextEscalationAt,omitempty"`
	AcknowledgedBy   string            `json:"acknowledgedBy,omitempty"`
	ResolvedBy       string            `json:"resolvedBy,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can hand alerts across goroutine
// boundaries without sharing the engine's live state.
func (a *Alert) Clone() *Alert {
	c := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	if a.NextEscalationAt != nil {
		t := *a.NextEscalationAt
		c.NextEscalationAt = &t
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
