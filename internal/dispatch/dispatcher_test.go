package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/statalert/escalation-engine/internal/directory"
	"github.com/statalert/escalation-engine/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testPolicies() map[string]*models.Policy {
	return map[string]*models.Policy{
		"code-blue": {
			Category: "code-blue",
			Tiers: []models.EscalationTier{
				{Tier: 1, ResponseBudget: 5 * time.Minute, RecipientRoles: []string{"charge-nurse"}, Channels: []string{"push", "sms"}},
				{Tier: 2, ResponseBudget: 5 * time.Minute, RecipientRoles: []string{"attending-physician"}, Channels: []string{"voice"}},
			},
		},
	}
}

func testRoster() map[string][]directory.Contact {
	return map[string][]directory.Contact{
		"charge-nurse": {
			{Name: "r.okafor", Role: "charge-nurse", Addresses: map[string]string{"push": "device:r.okafor", "sms": "+15550100"}},
			{Name: "j.lin", Role: "charge-nurse", Addresses: map[string]string{"push": "device:j.lin"}},
		},
		"attending-physician": {
			{Name: "dr.yang", Role: "attending-physician", Addresses: map[string]string{"voice": "+15550101"}},
		},
	}
}

// recordingSink captures deliveries; failing makes every Enqueue fail.
type recordingSink struct {
	mu         sync.Mutex
	deliveries []Delivery
	failing    bool
}

func (s *recordingSink) Enqueue(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("transport unavailable")
	}
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *recordingSink) all() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

type recordingReporter struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingReporter) Publish(ev models.Event, alert *models.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func tierEvent(typ models.EventType, toTier int) models.Event {
	tier := toTier
	return models.Event{
		Type:      typ,
		AlertID:   "alert_1",
		Facility:  "mercy-general",
		Category:  "code-blue",
		ToTier:    &tier,
		Timestamp: time.Now(),
	}
}

func startDispatcher(t *testing.T, sink Sink, reporter FailureReporter, opts Options) *Dispatcher {
	t.Helper()
	dir := directory.NewStatic(testPolicies(), testRoster())
	sinks := map[string]Sink{"push": sink, "sms": sink, "voice": sink}
	d := New(dir, testPolicies(), sinks, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})
	return d
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatcher_DeliversPerRecipientPerChannel(t *testing.T) {
	sink := &recordingSink{}
	d := startDispatcher(t, sink, &recordingReporter{}, Options{Workers: 1})

	alert := &models.Alert{ID: "alert_1", Category: "code-blue", Facility: "mercy-general"}
	d.Publish(tierEvent(models.EventCreated, 1), alert)

	// Tier 1: 2 recipients x 2 channels.
	waitFor(t, 2*time.Second, func() bool { return len(sink.all()) == 4 })

	deliveries := sink.all()
	// Channel order is the tier's declared order: all push before any sms.
	for i, del := range deliveries {
		wantChannel := "push"
		if i >= 2 {
			wantChannel = "sms"
		}
		if del.Channel != wantChannel {
			t.Errorf("delivery %d: expected channel %s, got %s", i, wantChannel, del.Channel)
		}
	}
	if deliveries[0].Address != "device:r.okafor" {
		t.Errorf("expected push address resolved, got %q", deliveries[0].Address)
	}
}

func TestDispatcher_UsesEventTier(t *testing.T) {
	sink := &recordingSink{}
	d := startDispatcher(t, sink, &recordingReporter{}, Options{Workers: 1})

	alert := &models.Alert{ID: "alert_1", Category: "code-blue", Facility: "mercy-general"}
	d.Publish(tierEvent(models.EventEscalated, 2), alert)

	waitFor(t, 2*time.Second, func() bool { return len(sink.all()) == 1 })

	del := sink.all()[0]
	if del.Recipient.Name != "dr.yang" || del.Channel != "voice" {
		t.Errorf("expected tier-2 voice delivery to dr.yang, got %+v", del)
	}
}

func TestDispatcher_NotifiesHandlingTierOnAcknowledge(t *testing.T) {
	sink := &recordingSink{}
	d := startDispatcher(t, sink, &recordingReporter{}, Options{Workers: 1})

	// Acknowledged events carry only fromTier.
	tier := 2
	d.Publish(models.Event{
		Type:      models.EventAcknowledged,
		AlertID:   "alert_1",
		Facility:  "mercy-general",
		Category:  "code-blue",
		FromTier:  &tier,
		Timestamp: time.Now(),
		Actor:     "dr.yang",
	}, &models.Alert{ID: "alert_1", Category: "code-blue", Facility: "mercy-general"})

	waitFor(t, 2*time.Second, func() bool { return len(sink.all()) == 1 })
	if sink.all()[0].Recipient.Name != "dr.yang" {
		t.Errorf("expected tier-2 recipient, got %+v", sink.all()[0])
	}
}

func TestDispatcher_ReportsFailureAfterRetryExhaustion(t *testing.T) {
	sink := &recordingSink{failing: true}
	reporter := &recordingReporter{}
	d := startDispatcher(t, sink, reporter, Options{
		Workers:       1,
		MaxRetries:    2,
		RetryInterval: 5 * time.Millisecond,
	})

	alert := &models.Alert{ID: "alert_1", Category: "code-blue", Facility: "mercy-general"}
	d.Publish(tierEvent(models.EventEscalated, 2), alert)

	waitFor(t, 5*time.Second, func() bool { return reporter.count() == 1 })

	reporter.mu.Lock()
	ev := reporter.events[0]
	reporter.mu.Unlock()
	if ev.Type != models.EventDispatchFailed {
		t.Errorf("expected dispatch_failed event, got %s", ev.Type)
	}
	if ev.AlertID != "alert_1" {
		t.Errorf("expected alert_1, got %s", ev.AlertID)
	}
}

func TestDispatcher_IgnoresDispatchFailedEvents(t *testing.T) {
	sink := &recordingSink{}
	reporter := &recordingReporter{}
	d := startDispatcher(t, sink, reporter, Options{Workers: 1})

	d.Publish(tierEvent(models.EventDispatchFailed, 1), nil)

	time.Sleep(50 * time.Millisecond)
	if len(sink.all()) != 0 {
		t.Errorf("dispatch_failed events must not be re-dispatched: %+v", sink.all())
	}
	if reporter.count() != 0 {
		t.Errorf("dispatch_failed must not cascade: %d events", reporter.count())
	}
}

func TestDispatcher_EventsWithoutTierAreSkipped(t *testing.T) {
	sink := &recordingSink{}
	d := startDispatcher(t, sink, &recordingReporter{}, Options{Workers: 1})

	d.Publish(models.Event{
		Type:      models.EventCreated,
		AlertID:   "alert_1",
		Facility:  "mercy-general",
		Category:  "code-blue",
		Timestamp: time.Now(),
	}, nil)

	time.Sleep(50 * time.Millisecond)
	if len(sink.all()) != 0 {
		t.Errorf("tierless event produced deliveries: %+v", sink.all())
	}
}

func TestDispatcher_PublishAfterStop(t *testing.T) {
	sink := &recordingSink{}
	dir := directory.NewStatic(testPolicies(), testRoster())
	sinks := map[string]Sink{"push": sink, "sms": sink, "voice": sink}
	d := New(dir, testPolicies(), sinks, &recordingReporter{}, Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.Stop()

	// A committed transition can still publish during the shutdown window;
	// the event is dropped, never a send on a closed channel.
	d.Publish(tierEvent(models.EventCreated, 1), nil)

	// Stop is idempotent.
	d.Stop()

	if len(sink.all()) != 0 {
		t.Errorf("publish after stop produced deliveries: %+v", sink.all())
	}
}
