// Package metrics exposes Hearth's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/hearth/internal/hearth/intent"
)

// Turn outcomes.
const (
	TurnHandled   = "handled"
	TurnReplayed  = "replayed"
	TurnCancelled = "cancelled"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_turns_total",
			Help: "Total number of turns by outcome",
		},
		[]string{"outcome"},
	)

	ResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_results_total",
			Help: "Total number of execution results by intent kind and status",
		},
		[]string{"kind", "status"},
	)

	ClassificationDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_classification_degraded_total",
			Help: "Classifier calls that fell back to classification_unavailable",
		},
		[]string{"reason"},
	)

	ConfirmationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_confirmation_events_total",
			Help: "Confirmation state machine transitions",
		},
		[]string{"event"},
	)

	ExecutorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearth_executor_duration_seconds",
			Help:    "Executor latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "hearth_turn_duration_seconds",
			Help: "End-to-end turn latency in seconds",
		},
	)

	PendingConfirmations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_pending_confirmations",
			Help: "Sessions currently awaiting a confirmation reply",
		},
	)
)

// ObserveResults counts every result of a turn.
func ObserveResults(results []intent.Result) {
	for _, r := range results {
		ResultsTotal.WithLabelValues(string(r.Intent.Kind), string(r.Status)).Inc()
	}
}

// ObserveExecution records how long an executor of kind took.
func ObserveExecution(kind intent.Kind, d time.Duration) {
	ExecutorDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
