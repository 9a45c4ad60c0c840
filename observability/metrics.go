// Package observability exposes what the tailer is doing: a Prometheus
// collector fed by the polling loop and a small HTTP status server.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mongotail"

// Metrics is a prometheus.Collector for the polling loop. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	emitted          *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	checkpointWrites *prometheus.CounterVec
	cycles           prometheus.Counter
	cycleErrors      prometheus.Counter
	idleSleep        prometheus.Gauge
	fetchDuration    *prometheus.HistogramVec
}

// NewMetrics returns a new Metrics. Register it with a registry before use.
func NewMetrics() *Metrics {
	return &Metrics{
		emitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "documents_emitted_total",
				Help:      "Documents transformed and handed to the sink.",
			}, []string{"collection"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "documents_skipped_total",
				Help:      "Documents dropped because they could not be transformed.",
			}, []string{"collection"},
		),
		checkpointWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "checkpoint_writes_total",
				Help:      "Checkpoint positions persisted.",
			}, []string{"collection"},
		),
		cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cycles_total",
				Help:      "Polling cycles run.",
			},
		),
		cycleErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cycle_errors_total",
				Help:      "Polling cycles aborted by an error.",
			},
		),
		idleSleep: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "idle_sleep_seconds",
				Help:      "Current sleep between cycles that found nothing.",
			},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time spent in one find against one collection.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"collection"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.emitted.Describe(ch)
	m.skipped.Describe(ch)
	m.checkpointWrites.Describe(ch)
	m.cycles.Describe(ch)
	m.cycleErrors.Describe(ch)
	m.idleSleep.Describe(ch)
	m.fetchDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.emitted.Collect(ch)
	m.skipped.Collect(ch)
	m.checkpointWrites.Collect(ch)
	m.cycles.Collect(ch)
	m.cycleErrors.Collect(ch)
	m.idleSleep.Collect(ch)
	m.fetchDuration.Collect(ch)
}

func (m *Metrics) Emitted(collection string) {
	if m != nil {
		m.emitted.WithLabelValues(collection).Inc()
	}
}

func (m *Metrics) Skipped(collection string) {
	if m != nil {
		m.skipped.WithLabelValues(collection).Inc()
	}
}

func (m *Metrics) CheckpointWritten(collection string) {
	if m != nil {
		m.checkpointWrites.WithLabelValues(collection).Inc()
	}
}

// Cycle counts one finished cycle, failed or not.
func (m *Metrics) Cycle(err error) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	if err != nil {
		m.cycleErrors.Inc()
	}
}

func (m *Metrics) IdleSleep(d time.Duration) {
	if m != nil {
		m.idleSleep.Set(d.Seconds())
	}
}

func (m *Metrics) Fetched(collection string, took time.Duration) {
	if m != nil {
		m.fetchDuration.WithLabelValues(collection).Observe(took.Seconds())
	}
}
