// Package metrics holds the engine's Prometheus collectors, exposed on
// GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalation_alerts_created_total",
		Help: "Alerts created.",
	})

	// Escalations is labelled by mode: automatic (deadline fire) or manual.
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escalation_tier_transitions_total",
		Help: "Tier transitions, by mode.",
	}, []string{"mode"})

	AlertsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalation_alerts_expired_total",
		Help: "Alerts that reached the top tier and expired unacknowledged.",
	})

	DispatchAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalation_dispatch_attempts_total",
		Help: "Delivery requests submitted to transport sinks.",
	})

	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalation_dispatch_failures_total",
		Help: "Delivery requests that exhausted their retry budget.",
	})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalation_events_published_total",
		Help: "Lifecycle events fanned out to subscribers.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escalation_hub_subscribers",
		Help: "Currently connected real-time subscribers.",
	})

	PendingDeadlines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escalation_pending_deadlines",
		Help: "Deadlines currently armed in the scheduler.",
	})
)
