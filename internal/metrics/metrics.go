package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EvaluationsTotal counts rule evaluations, by rule name.
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threshd_evaluations_total",
		Help: "Total rule evaluations performed.",
	}, []string{"rule"})

	// QueryFailuresTotal counts failed metric source queries, by rule name.
	QueryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threshd_query_failures_total",
		Help: "Total metric source query failures.",
	}, []string{"rule"})

	// TransitionsTotal counts alert instance state transitions, by target state.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threshd_transitions_total",
		Help: "Total alert instance state transitions.",
	}, []string{"state"})

	// QueueDroppedTotal counts transitions dropped by the bounded queue.
	QueueDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threshd_queue_dropped_total",
		Help: "Total transitions dropped because the transition queue was full.",
	})

	// NotificationsTotal counts notification dispatch outcomes, by receiver
	// and outcome ("sent", "failed", "exhausted").
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threshd_notifications_total",
		Help: "Total notification delivery attempts by outcome.",
	}, []string{"receiver", "outcome"})

	// SuppressedTotal counts dispatches skipped by silences or inhibitions.
	SuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threshd_suppressed_total",
		Help: "Total dispatches suppressed, by reason (silence, inhibition).",
	}, []string{"reason"})

	// FiringInstances tracks the number of currently firing alert instances.
	FiringInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threshd_firing_instances",
		Help: "Number of alert instances currently firing.",
	})
)

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
