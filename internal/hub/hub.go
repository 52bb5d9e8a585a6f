// Package hub broadcasts alert lifecycle events to live subscribers. Events
// are sequenced per facility under the hub lock, so every subscriber sees a
// scope's events in exactly the order the engine committed them.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/statalert/escalation-engine/internal/metrics"
	"github.com/statalert/escalation-engine/internal/models"
)

// Filter scopes a subscription. Empty fields match everything.
type Filter struct {
	Facility string
	Category string
}

func (f Filter) matches(ev models.Event) bool {
	if f.Facility != "" && ev.Facility != f.Facility {
		return false
	}
	if f.Category != "" && ev.Category != f.Category {
		return false
	}
	return true
}

func (f Filter) matchesAlert(a *models.Alert) bool {
	if f.Facility != "" && a.Facility != f.Facility {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	return true
}

// Subscription is one live subscriber. C is closed when the subscriber is
// removed, either by Unsubscribe or because it fell too far behind.
type Subscription struct {
	ID     uint64
	Filter Filter
	C      <-chan models.Event

	ch      chan models.Event
	lastSeq atomic.Uint64
}

// note records the sequence number of the last event handed to the transport.
func (s *Subscription) note(seq uint64) { s.lastSeq.Store(seq) }

// LastDelivered returns the sequence number of the last event handed to the
// transport layer.
func (s *Subscription) LastDelivered() uint64 { return s.lastSeq.Load() }

type Hub struct {
	buffer int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	seq    map[string]uint64 // per-facility sequence
	active map[string]*models.Alert
	nextID atomic.Uint64
	closed bool
}

// New creates a Hub with the given per-subscriber buffer depth.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
		seq:    make(map[string]uint64),
		active: make(map[string]*models.Alert),
	}
}

// Seed installs the active alerts restored from durable storage so snapshots
// are complete from the first subscriber on.
func (h *Hub) Seed(alerts []models.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range alerts {
		a := alerts[i]
		h.active[a.ID] = a.Clone()
	}
}

// Publish assigns the event its per-facility sequence number and fans it out.
// It never blocks: a subscriber whose buffer is full is disconnected instead
// of slowing the publishing path.
func (h *Hub) Publish(ev models.Event, alert *models.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.seq[ev.Facility]++
	ev.Seq = h.seq[ev.Facility]

	if alert != nil {
		if alert.Status.Terminal() {
			delete(h.active, alert.ID)
		} else {
			h.active[alert.ID] = alert.Clone()
		}
	}

	metrics.EventsPublished.Inc()
	for id, sub := range h.subs {
		if !sub.Filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber can't keep up; disconnecting beats backpressure.
			slog.Warn("dropping slow subscriber", "subscriber_id", id, "last_delivered", sub.LastDelivered())
			close(sub.ch)
			delete(h.subs, id)
			metrics.Subscribers.Set(float64(len(h.subs)))
		}
	}
}

// Subscribe registers a subscriber and returns it together with a snapshot of
// the active alerts in its scope. Snapshot and registration happen under the
// same lock Publish takes, so the event stream continues exactly where the
// snapshot ends: no gap, no reorder.
func (h *Hub) Subscribe(f Filter) (*Subscription, []models.Alert) {
	sub := &Subscription{
		ID:     h.nextID.Add(1),
		Filter: f,
		ch:     make(chan models.Event, h.buffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub, nil
	}

	var snapshot []models.Alert
	for _, a := range h.active {
		if f.matchesAlert(a) {
			snapshot = append(snapshot, *a.Clone())
		}
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})

	h.subs[sub.ID] = sub
	metrics.Subscribers.Set(float64(len(h.subs)))
	return sub, snapshot
}

// Unsubscribe removes the subscription and closes its channel. Pure local
// cleanup, no effect on alert state.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
		metrics.Subscribers.Set(float64(len(h.subs)))
	}
}

// ActiveAlerts returns the current non-terminal alerts in scope, ordered by
// creation time.
func (h *Hub) ActiveAlerts(facility, category string) []models.Alert {
	f := Filter{Facility: facility, Category: category}

	h.mu.Lock()
	defer h.mu.Unlock()
	var alerts []models.Alert
	for _, a := range h.active {
		if f.matchesAlert(a) {
			alerts = append(alerts, *a.Clone())
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes all subscriber channels, causing streams to exit gracefully.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	metrics.Subscribers.Set(0)
}
