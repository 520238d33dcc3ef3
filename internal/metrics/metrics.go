// Package metrics holds the Prometheus collectors shared by the negotiation
// engine, the notification hub and the HTTP gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts committed negotiation transitions by event type
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "transitions_total",
		Help:      "Committed negotiation transitions by type.",
	}, []string{"type"})

	// Rejections counts mutations refused by the engine by error code
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "rejections_total",
		Help:      "Rejected negotiation mutations by error code.",
	}, []string{"code"})

	// Negotiations is the last observed number of settlements per status
	Negotiations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settlement",
		Name:      "negotiations",
		Help:      "Settlements per status at the last processor tick.",
	}, []string{"status"})

	// Subscribers is the number of open hub subscriptions
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Name:      "subscribers",
		Help:      "Open notification subscriptions.",
	})

	// EventsSkipped counts events a subscription discarded because it had
	// already delivered a newer revision of the same settlement
	EventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "events_skipped_total",
		Help:      "Events discarded to keep revisions monotonic per subscriber.",
	})

	// RequestDuration observes gateway latency
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
