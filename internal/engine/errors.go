package engine

import "errors"

// Transition errors are returned synchronously to command-API callers and are
// never retried: they represent a caller or ordering mistake, not a transient
// fault. Each is distinct so the caller can tell a stale action ("already
// handled by someone else") from a genuine failure.
var (
	ErrInvalidCategory     = errors.New("no escalation policy for category")
	ErrAlreadyTerminal     = errors.New("alert is already resolved or expired")
	ErrAlreadyAcknowledged = errors.New("alert is already acknowledged")
	ErrMaxTierReached      = errors.New("alert is already at the top tier")
	ErrNotFound            = errors.New("alert not found")
)
