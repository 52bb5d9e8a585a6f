// Package scheduler maintains a deadline-ordered min-heap of pending
// escalations and drives a single timer loop that fires the engine callback
// for every deadline that has passed.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/statalert/escalation-engine/internal/metrics"
)

// FireFunc is invoked once per due deadline with the tier the entry was armed
// for, so the engine can detect stale fires. A non-nil error means the
// transition did not commit; the entry is retried with exponential backoff.
type FireFunc func(alertID string, tier int) error

type entry struct {
	alertID  string
	tier     int
	deadline time.Time
	retry    *backoff.ExponentialBackOff
	index    int
}

type Scheduler struct {
	fire FireFunc
	now  func() time.Time

	// Retry pacing for failed callbacks. Backoff is capped, never abandoned:
	// a deadline is only dropped once its fire commits or goes stale.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	mu      sync.Mutex
	heap    deadlineHeap
	entries map[string]*entry
	wake    chan struct{}

	wg sync.WaitGroup
}

func New(fire FireFunc) *Scheduler {
	return &Scheduler{
		fire:                 fire,
		now:                  time.Now,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     30 * time.Second,
		entries:              make(map[string]*entry),
		wake:                 make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. Stop waits for it to exit after ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *Scheduler) Stop() {
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// Arm schedules (or reschedules) the alert's deadline. Idempotent per alert:
// a new deadline replaces any existing entry.
func (s *Scheduler) Arm(alertID string, tier int, deadline time.Time) {
	s.mu.Lock()
	if e, ok := s.entries[alertID]; ok {
		e.tier = tier
		e.deadline = deadline
		e.retry = nil
		heap.Fix(&s.heap, e.index)
	} else {
		e := &entry{alertID: alertID, tier: tier, deadline: deadline}
		heap.Push(&s.heap, e)
		s.entries[alertID] = e
	}
	metrics.PendingDeadlines.Set(float64(len(s.entries)))
	s.mu.Unlock()
	s.poke()
}

// Cancel removes any pending deadline for the alert.
func (s *Scheduler) Cancel(alertID string) {
	s.mu.Lock()
	if e, ok := s.entries[alertID]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.entries, alertID)
		metrics.PendingDeadlines.Set(float64(len(s.entries)))
	}
	s.mu.Unlock()
	s.poke()
}

// Pending returns the number of armed deadlines.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		s.mu.Lock()
		var timerC <-chan time.Time
		var timer *time.Timer
		if len(s.heap) > 0 {
			timer = time.NewTimer(s.heap[0].deadline.Sub(s.now()))
			timerC = timer.C
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}

		s.dispatchDue(ctx)
	}
}

// dispatchDue pops every entry whose deadline has passed and fires it outside
// the heap lock, so a callback that re-arms (the common case) never
// deadlocks.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.entries, e.alertID)
		due = append(due, e)
	}
	metrics.PendingDeadlines.Set(float64(len(s.entries)))
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.fire(e.alertID, e.tier); err != nil {
			s.requeue(e, err)
		}
	}
}

// requeue puts a failed entry back on the heap with the next backoff delay,
// unless a concurrent Arm already installed a fresher deadline for the alert.
func (s *Scheduler) requeue(e *entry, cause error) {
	if e.retry == nil {
		e.retry = backoff.NewExponentialBackOff()
		e.retry.InitialInterval = s.RetryInitialInterval
		e.retry.MaxInterval = s.RetryMaxInterval
		e.retry.MaxElapsedTime = 0
		e.retry.Reset()
	}
	delay := e.retry.NextBackOff()

	s.mu.Lock()
	if _, ok := s.entries[e.alertID]; ok {
		s.mu.Unlock()
		return
	}
	e.deadline = s.now().Add(delay)
	heap.Push(&s.heap, e)
	s.entries[e.alertID] = e
	metrics.PendingDeadlines.Set(float64(len(s.entries)))
	s.mu.Unlock()
	s.poke()

	slog.Error("deadline fire failed, retrying", "alert_id", e.alertID, "tier", e.tier, "retry_in", delay, "error", cause)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deadlineHeap orders entries by (deadline, alertID).
type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].alertID < h[j].alertID
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
