package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statalert/escalation-engine/internal/metrics"
	"github.com/statalert/escalation-engine/internal/models"
	"github.com/statalert/escalation-engine/internal/repository"
)

// Scheduler arms and cancels per-alert escalation deadlines. Arm replaces any
// existing deadline for the alert.
type Scheduler interface {
	Arm(alertID string, tier int, deadline time.Time)
	Cancel(alertID string)
}

// Publisher receives every committed transition exactly once, in commit
// order, along with a snapshot of the alert after the transition.
type Publisher interface {
	Publish(ev models.Event, alert *models.Alert)
}

// Engine is the alert state machine. Every mutation of an alert flows through
// one of its transition operations; a per-alert mutex serializes human
// actions against scheduler fires so the two can never interleave.
type Engine struct {
	repo     repository.AlertRepository
	policies map[string]*models.Policy
	sched    Scheduler
	pubs     []Publisher
	now      func() time.Time

	mu     sync.Mutex
	alerts map[string]*alertEntry
}

// alertEntry is the per-alert critical section: entry.mu is held for the full
// duration of a transition, including persistence and deadline arm/cancel.
type alertEntry struct {
	mu    sync.Mutex
	alert *models.Alert
}

func New(repo repository.AlertRepository, policies map[string]*models.Policy, sched Scheduler, pubs ...Publisher) *Engine {
	return &Engine{
		repo:     repo,
		policies: policies,
		sched:    sched,
		pubs:     pubs,
		now:      time.Now,
		alerts:   make(map[string]*alertEntry),
	}
}

// Restore loads all non-terminal alerts from durable storage, rebuilds the
// in-memory state and re-arms their deadlines. A repository failure here is
// fatal to startup: running with an empty deadline queue would silently lose
// escalations. Returns the restored alerts so callers can seed downstream
// views.
func (e *Engine) Restore(ctx context.Context) ([]models.Alert, error) {
	alerts, err := e.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler persistence unavailable: %w", err)
	}

	e.mu.Lock()
	for i := range alerts {
		a := alerts[i].Clone()
		e.alerts[a.ID] = &alertEntry{alert: a}
		if a.Status == models.AlertStatusActive && a.NextEscalationAt != nil {
			e.sched.Arm(a.ID, a.CurrentTier, *a.NextEscalationAt)
		}
	}
	e.mu.Unlock()

	slog.Info("restored alerts from durable storage", "count", len(alerts))
	return alerts, nil
}

// Create allocates a new alert in active(1), arms the tier-1 deadline and
// publishes the created event.
func (e *Engine) Create(ctx context.Context, category, facility string, metadata map[string]string) (*models.Alert, error) {
	policy, ok := e.policies[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	now := e.now()
	tier1, _ := policy.TierAt(1)
	next := now.Add(tier1.ResponseBudget)

	alert := &models.Alert{
		ID:               uuid.NewString(),
		Category:         category,
		Facility:         facility,
		Status:           models.AlertStatusActive,
		CurrentTier:      1,
		CreatedAt:        now,
		NextEscalationAt: &next,
		Metadata:         metadata,
	}

	entry := &alertEntry{alert: alert}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	e.mu.Lock()
	e.alerts[alert.ID] = entry
	e.mu.Unlock()

	toTier := 1
	ev := &models.EscalationEvent{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		ToTier:    &toTier,
		Timestamp: now,
		Reason:    "created",
	}
	if err := e.repo.SaveTransition(ctx, alert, ev); err != nil {
		e.mu.Lock()
		delete(e.alerts, alert.ID)
		e.mu.Unlock()
		return nil, fmt.Errorf("error persisting alert: %w", err)
	}

	e.sched.Arm(alert.ID, 1, next)
	metrics.AlertsCreated.Inc()
	e.publish(models.EventCreated, alert, ev)

	slog.Info("alert created", "alert_id", alert.ID, "category", category, "facility", facility)
	return alert.Clone(), nil
}

// Acknowledge transitions an active alert to acknowledged and cancels its
// deadline. A duplicate acknowledge is reported as ErrAlreadyAcknowledged so
// the caller can detect stale UI; it does not change state.
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor string) (*models.Alert, error) {
	entry, err := e.entry(ctx, alertID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.alert.Status {
	case models.AlertStatusAcknowledged:
		return nil, fmt.Errorf("%w: by %s", ErrAlreadyAcknowledged, entry.alert.AcknowledgedBy)
	case models.AlertStatusResolved, models.AlertStatusExpired:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, entry.alert.Status)
	}

	now := e.now()
	next := entry.alert.Clone()
	fromTier := next.CurrentTier
	next.Status = models.AlertStatusAcknowledged
	next.AcknowledgedAt = &now
	next.AcknowledgedBy = actor
	next.NextEscalationAt = nil

	ev := &models.EscalationEvent{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		FromTier:  &fromTier,
		Timestamp: now,
		Actor:     actor,
		Reason:    "acknowledged",
	}
	if err := e.repo.SaveTransition(ctx, next, ev); err != nil {
		return nil, fmt.Errorf("error persisting acknowledge: %w", err)
	}

	entry.alert = next
	e.sched.Cancel(alertID)
	e.publish(models.EventAcknowledged, next, ev)

	slog.Info("alert acknowledged", "alert_id", alertID, "actor", actor, "tier", fromTier)
	return next.Clone(), nil
}

// Resolve transitions an active or acknowledged alert to the terminal
// resolved state.
func (e *Engine) Resolve(ctx context.Context, alertID, actor, outcome string) (*models.Alert, error) {
	entry, err := e.entry(ctx, alertID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.alert.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, entry.alert.Status)
	}

	now := e.now()
	next := entry.alert.Clone()
	fromTier := next.CurrentTier
	next.Status = models.AlertStatusResolved
	next.ResolvedAt = &now
	next.ResolvedBy = actor
	next.NextEscalationAt = nil

	reason := "resolved"
	if outcome != "" {
		reason = outcome
	}
	ev := &models.EscalationEvent{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		FromTier:  &fromTier,
		Timestamp: now,
		Actor:     actor,
		Reason:    reason,
	}
	if err := e.repo.SaveTransition(ctx, next, ev); err != nil {
		return nil, fmt.Errorf("error persisting resolve: %w", err)
	}

	entry.alert = next
	e.drop(alertID)
	e.sched.Cancel(alertID)
	e.publish(models.EventResolved, next, ev)

	slog.Info("alert resolved", "alert_id", alertID, "actor", actor, "outcome", reason)
	return next.Clone(), nil
}

// ManualEscalate immediately advances an active alert one tier and restarts
// the deadline from now with the new tier's budget.
func (e *Engine) ManualEscalate(ctx context.Context, alertID, actor string) (*models.Alert, error) {
	entry, err := e.entry(ctx, alertID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.alert.Status {
	case models.AlertStatusAcknowledged:
		return nil, fmt.Errorf("%w: by %s", ErrAlreadyAcknowledged, entry.alert.AcknowledgedBy)
	case models.AlertStatusResolved, models.AlertStatusExpired:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, entry.alert.Status)
	}

	policy, ok := e.policies[entry.alert.Category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, entry.alert.Category)
	}
	if entry.alert.CurrentTier >= policy.MaxTier() {
		return nil, fmt.Errorf("%w: tier %d", ErrMaxTierReached, entry.alert.CurrentTier)
	}

	next, ev, err := e.advance(ctx, entry, actor, false, "manually escalated")
	if err != nil {
		return nil, err
	}
	e.publish(models.EventEscalated, next, ev)
	metrics.Escalations.WithLabelValues("manual").Inc()

	slog.Info("alert manually escalated", "alert_id", alertID, "actor", actor, "tier", next.CurrentTier)
	return next.Clone(), nil
}

// HandleDeadline is the scheduler's fire callback. A fire is stale if the
// alert has left active(expectedTier) through any other path; stale fires are
// a no-op. At the top tier an elapsed budget makes the alert terminal
// (expired). A returned error means the transition did not commit and the
// scheduler should retry the entry.
func (e *Engine) HandleDeadline(alertID string, expectedTier int) error {
	ctx := context.Background()

	e.mu.Lock()
	entry, ok := e.alerts[alertID]
	e.mu.Unlock()
	if !ok {
		slog.Debug("deadline fired for unknown alert", "alert_id", alertID)
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.alert.Status != models.AlertStatusActive || entry.alert.CurrentTier != expectedTier {
		slog.Debug("stale deadline fire ignored",
			"alert_id", alertID, "expected_tier", expectedTier,
			"status", entry.alert.Status, "tier", entry.alert.CurrentTier)
		return nil
	}

	policy, ok := e.policies[entry.alert.Category]
	if !ok {
		slog.Error("no policy for restored alert, expiring", "alert_id", alertID, "category", entry.alert.Category)
		return e.expire(ctx, entry)
	}
	if entry.alert.CurrentTier >= policy.MaxTier() {
		return e.expire(ctx, entry)
	}

	next, ev, err := e.advance(ctx, entry, "", true, "response budget elapsed")
	if err != nil {
		return err
	}
	e.publish(models.EventEscalated, next, ev)
	metrics.Escalations.WithLabelValues("automatic").Inc()

	slog.Info("alert auto-escalated", "alert_id", alertID, "tier", next.CurrentTier)
	return nil
}

// advance moves the alert to the next tier and re-arms the deadline from now
// with the new tier's budget. Caller holds entry.mu and has validated the
// transition.
func (e *Engine) advance(ctx context.Context, entry *alertEntry, actor string, automatic bool, reason string) (*models.Alert, *models.EscalationEvent, error) {
	policy := e.policies[entry.alert.Category]
	now := e.now()

	next := entry.alert.Clone()
	fromTier := next.CurrentTier
	toTier := fromTier + 1
	tier, _ := policy.TierAt(toTier)
	deadline := now.Add(tier.ResponseBudget)

	next.CurrentTier = toTier
	next.NextEscalationAt = &deadline

	ev := &models.EscalationEvent{
		ID:        uuid.NewString(),
		AlertID:   next.ID,
		FromTier:  &fromTier,
		ToTier:    &toTier,
		Timestamp: now,
		Automatic: automatic,
		Actor:     actor,
		Reason:    reason,
	}
	if err := e.repo.SaveTransition(ctx, next, ev); err != nil {
		return nil, nil, fmt.Errorf("error persisting escalation: %w", err)
	}

	entry.alert = next
	e.sched.Arm(next.ID, toTier, deadline)
	return next, ev, nil
}

// expire makes the alert terminal after the top tier's budget elapsed with no
// acknowledgment. Caller holds entry.mu.
func (e *Engine) expire(ctx context.Context, entry *alertEntry) error {
	now := e.now()
	next := entry.alert.Clone()
	fromTier := next.CurrentTier
	next.Status = models.AlertStatusExpired
	next.NextEscalationAt = nil

	ev := &models.EscalationEvent{
		ID:        uuid.NewString(),
		AlertID:   next.ID,
		FromTier:  &fromTier,
		Timestamp: now,
		Automatic: true,
		Reason:    "unresolved after max escalation",
	}
	if err := e.repo.SaveTransition(ctx, next, ev); err != nil {
		return fmt.Errorf("error persisting expiry: %w", err)
	}

	entry.alert = next
	e.drop(next.ID)
	e.publish(models.EventExpired, next, ev)
	metrics.AlertsExpired.Inc()

	slog.Warn("alert expired unacknowledged", "alert_id", next.ID, "tier", fromTier)
	return nil
}

// drop evicts a terminal alert's entry so the map only holds live alerts.
// Later commands find the terminal row through the repository fallback in
// entry() and still get the precise stale-action error.
func (e *Engine) drop(alertID string) {
	e.mu.Lock()
	delete(e.alerts, alertID)
	e.mu.Unlock()
}

// Get returns the alert by id, falling back to durable storage for alerts
// that predate this process.
func (e *Engine) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	e.mu.Lock()
	entry, ok := e.alerts[alertID]
	e.mu.Unlock()
	if ok {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.alert.Clone(), nil
	}

	a, err := e.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("error loading alert: %w", err)
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// History returns the alert's escalation events in commit order.
func (e *Engine) History(ctx context.Context, alertID string) ([]models.EscalationEvent, error) {
	if _, err := e.Get(ctx, alertID); err != nil {
		return nil, err
	}
	events, err := e.repo.History(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("error loading history: %w", err)
	}
	return events, nil
}

// Status returns the alert's current tier and pending deadline, if any.
func (e *Engine) Status(ctx context.Context, alertID string) (int, *time.Time, error) {
	a, err := e.Get(ctx, alertID)
	if err != nil {
		return 0, nil, err
	}
	return a.CurrentTier, a.NextEscalationAt, nil
}

// entry looks up the live entry for an alert. Commands against alerts that
// are only in durable storage (terminal before this process started) get the
// precise stale-action error instead of a lookup failure.
func (e *Engine) entry(ctx context.Context, alertID string) (*alertEntry, error) {
	e.mu.Lock()
	entry, ok := e.alerts[alertID]
	e.mu.Unlock()
	if ok {
		return entry, nil
	}

	a, err := e.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("error loading alert: %w", err)
	}
	if a == nil {
		return nil, ErrNotFound
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, a.Status)
	}

	// Non-terminal but not in memory: another startup path should have
	// restored it. Adopt it now rather than failing the command.
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.alerts[alertID]; ok {
		return existing, nil
	}
	entry = &alertEntry{alert: a.Clone()}
	e.alerts[alertID] = entry
	return entry, nil
}

func (e *Engine) publish(typ models.EventType, alert *models.Alert, ev *models.EscalationEvent) {
	event := models.Event{
		Type:      typ,
		AlertID:   alert.ID,
		Facility:  alert.Facility,
		Category:  alert.Category,
		FromTier:  ev.FromTier,
		ToTier:    ev.ToTier,
		Timestamp: ev.Timestamp,
		Automatic: ev.Automatic,
		Actor:     ev.Actor,
	}
	snapshot := alert.Clone()
	for _, p := range e.pubs {
		p.Publish(event, snapshot)
	}
}
