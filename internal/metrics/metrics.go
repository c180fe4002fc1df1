// Package metrics exposes Prometheus metrics for ingestion and reconciliation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "celoledger"

// Metrics holds every collector on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	Cursor          prometheus.Gauge
	HeadLag         prometheus.Gauge
	Unhealthy       prometheus.Gauge
	Batches         *prometheus.CounterVec
	Events          *prometheus.CounterVec
	Malformed       prometheus.Counter
	PollFailures    prometheus.Counter
	TxRetries       prometheus.Counter
	FrozenKeys      prometheus.Counter
	BatchDuration   prometheus.Histogram
	Reconciliations *prometheus.CounterVec
	RowsMerged      prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Cursor = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cursor_block",
		Help:      "Last fully processed block",
	})
	m.HeadLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "head_lag_blocks",
		Help:      "Confirmed head minus cursor after the last poll",
	})
	m.Unhealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "poller_unhealthy",
		Help:      "1 when consecutive poll failures exceed the threshold",
	})
	m.Batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_total",
		Help:      "Block batches processed by outcome",
	}, []string{"status"})
	m.Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Decoded events by kind",
	}, []string{"kind"})
	m.Malformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_logs_total",
		Help:      "Logs quarantined because they did not match their signature",
	})
	m.PollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_failures_total",
		Help:      "Poll cycles that ended in an error",
	})
	m.TxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_retries_total",
		Help:      "Batch transactions retried after a persistence conflict",
	})
	m.FrozenKeys = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frozen_keys_total",
		Help:      "Participant keys frozen after an invariant violation",
	})
	m.BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Time to fetch, decode and commit one batch",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	m.Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliations_total",
		Help:      "Reconciliation sweeps by outcome",
	}, []string{"status"})
	m.RowsMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "participant_rows_merged_total",
		Help:      "Duplicate participant rows removed by reconciliation",
	})

	m.registry.MustRegister(
		m.Cursor, m.HeadLag, m.Unhealthy,
		m.Batches, m.Events, m.Malformed, m.PollFailures, m.TxRetries, m.FrozenKeys,
		m.BatchDuration, m.Reconciliations, m.RowsMerged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetProgress records the cursor and the distance to the confirmed head.
func (m *Metrics) SetProgress(cursor, head uint64) {
	if m == nil {
		return
	}
	m.Cursor.Set(float64(cursor))
	lag := 0.0
	if head > cursor {
		lag = float64(head - cursor)
	}
	m.HeadLag.Set(lag)
}

// SetUnhealthy flips the unhealthy gauge.
func (m *Metrics) SetUnhealthy(unhealthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if unhealthy {
		v = 1
	}
	m.Unhealthy.Set(v)
}

// RecordBatch counts a batch and observes its duration.
func (m *Metrics) RecordBatch(success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.Batches.WithLabelValues(status).Inc()
	m.BatchDuration.Observe(d.Seconds())
}

// RecordEvent counts one decoded event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

// RecordMalformed counts one quarantined log.
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.Malformed.Inc()
}

// RecordPollFailure counts one failed poll cycle.
func (m *Metrics) RecordPollFailure() {
	if m == nil {
		return
	}
	m.PollFailures.Inc()
}

// RecordTxRetry counts one conflict retry.
func (m *Metrics) RecordTxRetry() {
	if m == nil {
		return
	}
	m.TxRetries.Inc()
}

// RecordFrozen counts one frozen key.
func (m *Metrics) RecordFrozen() {
	if m == nil {
		return
	}
	m.FrozenKeys.Inc()
}

// RecordReconcile counts one sweep and the rows it removed.
func (m *Metrics) RecordReconcile(success bool, rowsMerged int) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.Reconciliations.WithLabelValues(status).Inc()
	m.RowsMerged.Add(float64(rowsMerged))
}
