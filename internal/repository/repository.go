package repository

import (
	"context"

	"github.com/statalert/escalation-engine/internal/models"
)

// AlertRepository is the durable store for alerts and their escalation
// history. The alerts table carries next_escalation_at, which doubles as the
// durable deadline record the scheduler recovers from after a restart.
type AlertRepository interface {
	// SaveTransition writes the updated alert row and appends the audit
	// event in a single transaction.
	SaveTransition(ctx context.Context, a *models.Alert, ev *models.EscalationEvent) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	// ListActive returns all non-terminal alerts.
	ListActive(ctx context.Context) ([]models.Alert, error)
	// History returns the alert's escalation events in commit order.
	History(ctx context.Context, alertID string) ([]models.EscalationEvent, error)
}
