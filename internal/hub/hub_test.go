package hub

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/statalert/escalation-engine/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func activeAlert(id, facility string) *models.Alert {
	return &models.Alert{
		ID:          id,
		Category:    "code-blue",
		Facility:    facility,
		Status:      models.AlertStatusActive,
		CurrentTier: 1,
		CreatedAt:   time.Now(),
	}
}

func event(typ models.EventType, alertID, facility string) models.Event {
	return models.Event{
		Type:      typ,
		AlertID:   alertID,
		Facility:  facility,
		Category:  "code-blue",
		Timestamp: time.Now(),
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	h := New(16)

	sub, _ := h.Subscribe(Filter{})
	if h.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", h.SubscriberCount())
	}

	h.Unsubscribe(sub.ID)
	if h.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", h.SubscriberCount())
	}

	// Channel should be closed
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected channel to be closed")
		}
	default:
		t.Error("channel should be closed and readable")
	}
}

func TestHub_PublishDelivers(t *testing.T) {
	h := New(16)

	sub, _ := h.Subscribe(Filter{})
	defer h.Unsubscribe(sub.ID)

	h.Publish(event(models.EventCreated, "alert_1", "mercy-general"), activeAlert("alert_1", "mercy-general"))

	select {
	case ev := <-sub.C:
		if ev.AlertID != "alert_1" || ev.Type != models.EventCreated {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Seq != 1 {
			t.Errorf("expected seq 1, got %d", ev.Seq)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestHub_PerFacilitySequence(t *testing.T) {
	h := New(16)

	sub, _ := h.Subscribe(Filter{})
	defer h.Unsubscribe(sub.ID)

	h.Publish(event(models.EventCreated, "a1", "mercy-general"), activeAlert("a1", "mercy-general"))
	h.Publish(event(models.EventCreated, "b1", "st-lukes"), activeAlert("b1", "st-lukes"))
	h.Publish(event(models.EventEscalated, "a1", "mercy-general"), activeAlert("a1", "mercy-general"))

	wantSeq := map[string][]uint64{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.C:
			wantSeq[ev.Facility] = append(wantSeq[ev.Facility], ev.Seq)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if len(wantSeq["mercy-general"]) != 2 || wantSeq["mercy-general"][0] != 1 || wantSeq["mercy-general"][1] != 2 {
		t.Errorf("mercy-general sequence wrong: %v", wantSeq["mercy-general"])
	}
	if len(wantSeq["st-lukes"]) != 1 || wantSeq["st-lukes"][0] != 1 {
		t.Errorf("st-lukes sequence wrong: %v", wantSeq["st-lukes"])
	}
}

func TestHub_FilterScopesDelivery(t *testing.T) {
	h := New(16)

	mercy, _ := h.Subscribe(Filter{Facility: "mercy-general"})
	defer h.Unsubscribe(mercy.ID)
	all, _ := h.Subscribe(Filter{})
	defer h.Unsubscribe(all.ID)

	h.Publish(event(models.EventCreated, "b1", "st-lukes"), activeAlert("b1", "st-lukes"))

	select {
	case ev := <-all.C:
		if ev.AlertID != "b1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("unscoped subscriber should receive the event")
	}

	select {
	case ev := <-mercy.C:
		t.Errorf("scoped subscriber received out-of-scope event: %+v", ev)
	default:
	}
}

func TestHub_SnapshotMatchesScope(t *testing.T) {
	h := New(16)

	h.Publish(event(models.EventCreated, "a1", "mercy-general"), activeAlert("a1", "mercy-general"))
	h.Publish(event(models.EventCreated, "b1", "st-lukes"), activeAlert("b1", "st-lukes"))

	// A resolved alert leaves the snapshot.
	resolved := activeAlert("a2", "mercy-general")
	h.Publish(event(models.EventCreated, "a2", "mercy-general"), resolved)
	done := resolved.Clone()
	done.Status = models.AlertStatusResolved
	h.Publish(event(models.EventResolved, "a2", "mercy-general"), done)

	sub, snapshot := h.Subscribe(Filter{Facility: "mercy-general"})
	defer h.Unsubscribe(sub.ID)

	if len(snapshot) != 1 || snapshot[0].ID != "a1" {
		t.Errorf("expected snapshot [a1], got %+v", snapshot)
	}

	// Events published after Subscribe flow on the channel, not the snapshot.
	h.Publish(event(models.EventEscalated, "a1", "mercy-general"), activeAlert("a1", "mercy-general"))
	select {
	case ev := <-sub.C:
		if ev.Type != models.EventEscalated {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for post-snapshot event")
	}
}

func TestHub_SlowSubscriberIsDisconnected(t *testing.T) {
	h := New(4)

	sub, _ := h.Subscribe(Filter{})

	// Fill the buffer and overflow by one; the hub must drop the subscriber
	// rather than block the publish path.
	for i := 0; i < 5; i++ {
		h.Publish(event(models.EventCreated, "a1", "mercy-general"), activeAlert("a1", "mercy-general"))
	}

	if h.SubscriberCount() != 0 {
		t.Errorf("expected slow subscriber dropped, got %d subscribers", h.SubscriberCount())
	}

	count := 0
	for range sub.C {
		count++
	}
	if count != 4 {
		t.Errorf("expected 4 buffered events before disconnect, got %d", count)
	}
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := New(128)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, _ := h.Subscribe(Filter{})
			// Drain channel to prevent blocking
			go func() {
				for range sub.C {
				}
			}()
			time.Sleep(5 * time.Millisecond)
			h.Unsubscribe(sub.ID)
		}()
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Publish(event(models.EventCreated, "a1", "mercy-general"), activeAlert("a1", "mercy-general"))
		}()
	}

	wg.Wait()

	if h.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", h.SubscriberCount())
	}
}

func TestHub_SequenceMonotonicUnderConcurrency(t *testing.T) {
	h := New(2048)

	sub, _ := h.Subscribe(Filter{Facility: "mercy-general"})

	var wg sync.WaitGroup
	const publishers = 10
	const perPublisher = 20
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				h.Publish(event(models.EventEscalated, "a1", "mercy-general"), activeAlert("a1", "mercy-general"))
			}
		}()
	}
	wg.Wait()
	h.Unsubscribe(sub.ID)

	var last uint64
	count := 0
	for ev := range sub.C {
		if ev.Seq != last+1 {
			t.Fatalf("sequence gap: got %d after %d", ev.Seq, last)
		}
		last = ev.Seq
		count++
	}
	if count != publishers*perPublisher {
		t.Errorf("expected %d events, got %d", publishers*perPublisher, count)
	}
}

func TestHub_Seed(t *testing.T) {
	h := New(16)
	h.Seed([]models.Alert{
		*activeAlert("restored_1", "mercy-general"),
		*activeAlert("restored_2", "st-lukes"),
	})

	_, snapshot := h.Subscribe(Filter{})
	if len(snapshot) != 2 {
		t.Errorf("expected 2 seeded alerts in snapshot, got %d", len(snapshot))
	}

	alerts := h.ActiveAlerts("st-lukes", "")
	if len(alerts) != 1 || alerts[0].ID != "restored_2" {
		t.Errorf("expected [restored_2], got %+v", alerts)
	}
}

func TestHub_Close(t *testing.T) {
	h := New(16)

	var subs []*Subscription
	for i := 0; i < 5; i++ {
		sub, _ := h.Subscribe(Filter{})
		subs = append(subs, sub)
	}

	if h.SubscriberCount() != 5 {
		t.Errorf("expected 5 subscribers, got %d", h.SubscriberCount())
	}

	h.Close()

	if h.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", h.SubscriberCount())
	}

	// All channels should be closed
	for i, sub := range subs {
		select {
		case _, ok := <-sub.C:
			if ok {
				t.Errorf("channel %d should be closed", i)
			}
		default:
			t.Errorf("channel %d should be closed and readable", i)
		}
	}

	// Publishing after close is a no-op, not a panic.
	h.Publish(event(models.EventCreated, "a1", "mercy-general"), activeAlert("a1", "mercy-general"))
}
