// Package telemetry exposes local Prometheus metrics for the sync engine.
// Metrics are only served on the local API; nothing is transmitted off the machine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels for OperationsProcessed.
const (
	ResultSucceeded = "succeeded"
	ResultRetried   = "retried"
	ResultFailed    = "failed"
)

// Metrics groups the collectors used by the queue and executor.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// OperationsProcessed counts remote write outcomes by result and collection.
	OperationsProcessed *prometheus.CounterVec

	// PassDuration measures how long a full flush pass takes.
	PassDuration prometheus.Histogram

	// QueueBacklog tracks pending plus in-flight records.
	QueueBacklog prometheus.Gauge

	// QueueFailed tracks records parked in the failed state.
	// If this number grows, manual retry or cleanup is needed.
	QueueFailed prometheus.Gauge

	// PersistenceFailures counts queue saves that did not reach durable storage.
	PersistenceFailures prometheus.Counter

	// PassesSkipped counts flush requests that did not run, by reason.
	PassesSkipped *prometheus.CounterVec
}

// New registers the sync collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicsync_operations_processed_total",
			Help: "Total number of queued operations written to the remote, by result",
		}, []string{"result", "collection"}),

		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinicsync_pass_duration_seconds",
			Help:    "Duration of a sync pass in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60},
		}),

		QueueBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clinicsync_queue_backlog",
			Help: "Current number of pending and in-flight operations",
		}),

		QueueFailed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clinicsync_queue_failed",
			Help: "Current number of operations that exhausted their retries",
		}),

		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "clinicsync_persistence_failures_total",
			Help: "Total number of queue saves that failed",
		}),

		PassesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicsync_passes_skipped_total",
			Help: "Total number of flush requests that did not run, by reason",
		}, []string{"reason"}),
	}
}

// ObserveOperation records one write outcome.
func (m *Metrics) ObserveOperation(result, collection string) {
	if m == nil {
		return
	}
	m.OperationsProcessed.WithLabelValues(result, collection).Inc()
}

// ObservePass records a completed pass.
func (m *Metrics) ObservePass(d time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.Observe(d.Seconds())
}

// ObserveSkip records a skipped flush request.
func (m *Metrics) ObserveSkip(reason string) {
	if m == nil {
		return
	}
	m.PassesSkipped.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the backlog and failed gauges.
func (m *Metrics) SetQueueDepth(pending, failed int) {
	if m == nil {
		return
	}
	m.QueueBacklog.Set(float64(pending))
	m.QueueFailed.Set(float64(failed))
}

// PersistenceFailed records a failed save.
func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.PersistenceFailures.Inc()
}
