// Package dispatch turns lifecycle events into delivery requests: it
// resolves the tier's recipients, then enqueues one request per recipient per
// channel, in the tier's declared channel order. Notification is best-effort
// relative to the state machine — a failed delivery never blocks or rolls
// back a transition.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/statalert/escalation-engine/internal/directory"
	"github.com/statalert/escalation-engine/internal/metrics"
	"github.com/statalert/escalation-engine/internal/models"
)

// FailureReporter receives the dispatch_failed event emitted when a delivery
// exhausts its retry budget. Satisfied by the hub.
type FailureReporter interface {
	Publish(ev models.Event, alert *models.Alert)
}

type job struct {
	event models.Event
	alert *models.Alert
}

type Dispatcher struct {
	dir      directory.Directory
	policies map[string]*models.Policy
	sinks    map[string]Sink
	fallback Sink
	reporter FailureReporter

	maxRetries    uint64
	retryInterval time.Duration

	workers int
	jobs    chan job
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type Options struct {
	// Workers is the number of delivery goroutines.
	Workers int
	// Buffer is the depth of the pending-event queue. When it is full new
	// events are dropped with a log line rather than blocking the publisher.
	Buffer int
	// MaxRetries bounds the enqueue retries per delivery.
	MaxRetries int
	// RetryInterval is the initial backoff delay between enqueue retries.
	RetryInterval time.Duration
}

func New(dir directory.Directory, policies map[string]*models.Policy, sinks map[string]Sink, reporter FailureReporter, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	return &Dispatcher{
		dir:           dir,
		policies:      policies,
		sinks:         sinks,
		fallback:      LogSink{},
		reporter:      reporter,
		maxRetries:    uint64(opts.MaxRetries),
		retryInterval: opts.RetryInterval,
		workers:       opts.Workers,
		jobs:          make(chan job, opts.Buffer),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop closes the queue and waits for the workers to drain it. Idempotent;
// Publish calls arriving after Stop are dropped, not panicked on.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

// Publish implements the engine's Publisher. It never blocks the caller.
func (d *Dispatcher) Publish(ev models.Event, alert *models.Alert) {
	if ev.Type == models.EventDispatchFailed {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		slog.Warn("dispatcher stopped, dropping event", "alert_id", ev.AlertID, "event", ev.Type)
		return
	}
	select {
	case d.jobs <- job{event: ev, alert: alert}:
	default:
		slog.Error("dispatch queue full, dropping event", "alert_id", ev.AlertID, "event", ev.Type)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-d.jobs:
			if !ok {
				return
			}
			d.process(ctx, j)
		}
	}
}

// process notifies the responder tier the event concerns: the target tier for
// created/escalated events, the tier that was handling the alert for
// acknowledged/resolved/expired.
func (d *Dispatcher) process(ctx context.Context, j job) {
	tier := 0
	switch {
	case j.event.ToTier != nil:
		tier = *j.event.ToTier
	case j.event.FromTier != nil:
		tier = *j.event.FromTier
	default:
		return
	}

	policy, ok := d.policies[j.event.Category]
	if !ok {
		slog.Error("no policy for event category", "category", j.event.Category, "alert_id", j.event.AlertID)
		return
	}
	tierCfg, ok := policy.TierAt(tier)
	if !ok {
		slog.Error("event references unknown tier", "category", j.event.Category, "tier", tier)
		return
	}

	contacts, err := d.dir.ResolveRecipients(ctx, j.event.Category, tier)
	if err != nil {
		slog.Error("failed to resolve recipients", "alert_id", j.event.AlertID, "tier", tier, "error", err)
		d.reportFailure(j)
		return
	}

	failed := false
	for _, channel := range tierCfg.Channels {
		sink := d.sinkFor(channel)
		for _, contact := range contacts {
			delivery := Delivery{
				Recipient: contact,
				Channel:   channel,
				Address:   contact.Addresses[channel],
				Event:     j.event,
				Alert:     j.alert,
			}
			if err := d.enqueue(ctx, sink, delivery); err != nil {
				slog.Error("delivery enqueue exhausted retries",
					"alert_id", j.event.AlertID, "channel", channel,
					"recipient", contact.Name, "error", err)
				metrics.DispatchFailures.Inc()
				failed = true
			}
		}
	}
	if failed {
		d.reportFailure(j)
	}
}

// enqueue submits one delivery with bounded exponential-backoff retries.
func (d *Dispatcher) enqueue(ctx context.Context, sink Sink, delivery Delivery) error {
	metrics.DispatchAttempts.Inc()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retryInterval
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		return sink.Enqueue(ctx, delivery)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), ctx))
}

func (d *Dispatcher) sinkFor(channel string) Sink {
	if s, ok := d.sinks[channel]; ok {
		return s
	}
	return d.fallback
}

func (d *Dispatcher) reportFailure(j job) {
	if d.reporter == nil {
		return
	}
	d.reporter.Publish(models.Event{
		Type:      models.EventDispatchFailed,
		AlertID:   j.event.AlertID,
		Facility:  j.event.Facility,
		Category:  j.event.Category,
		FromTier:  j.event.FromTier,
		ToTier:    j.event.ToTier,
		Timestamp: time.Now(),
		Automatic: true,
	}, nil)
}
