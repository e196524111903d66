// Package metrics provides Prometheus metrics for the mind daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	ProcessEvents      *prometheus.CounterVec
	ProcessesRunning   prometheus.Gauge
	Deliveries         *prometheus.CounterVec
	BatchFlushes       *prometheus.CounterVec
	DeadLetters        *prometheus.CounterVec
	EventsBuffered     prometheus.Counter
	SubscribersDropped prometheus.Counter
	Merges             *prometheus.CounterVec
	StartDuration      prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ProcessEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindd_process_events_total",
				Help: "Process lifecycle events by kind (start, stop, crash, restart) and result.",
			},
			[]string{"kind", "result"},
		),
		ProcessesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mindd_processes_running",
				Help: "Number of mind and variant processes currently supervised.",
			},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindd_deliveries_total",
				Help: "Inbound messages delivered by destination mode and status.",
			},
			[]string{"mode", "status"},
		),
		BatchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindd_batch_flushes_total",
				Help: "Batch buffer flushes by reason (timer, trigger) and result.",
			},
			[]string{"reason", "result"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindd_dead_letters_total",
				Help: "Background deliveries that failed and were recorded as dead letters.",
			},
			[]string{"source"},
		),
		EventsBuffered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mindd_events_buffered_total",
				Help: "Events appended to the replay buffer.",
			},
		),
		SubscribersDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mindd_event_subscribers_dropped_total",
				Help: "Event subscribers removed after a failing callback.",
			},
		),
		Merges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindd_variant_merges_total",
				Help: "Variant merge attempts by outcome.",
			},
			[]string{"outcome"},
		),
		StartDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mindd_process_start_duration_seconds",
				Help:    "Time from spawn until a process reports healthy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.ProcessEvents)
	reg.MustRegister(m.ProcessesRunning)
	reg.MustRegister(m.Deliveries)
	reg.MustRegister(m.BatchFlushes)
	reg.MustRegister(m.DeadLetters)
	reg.MustRegister(m.EventsBuffered)
	reg.MustRegister(m.SubscribersDropped)
	reg.MustRegister(m.Merges)
	reg.MustRegister(m.StartDuration)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (useful for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The Record* helpers are nil-safe so components can run without metrics.

// RecordProcess increments the process lifecycle counter.
func (m *Metrics) RecordProcess(kind, result string) {
	if m == nil {
		return
	}
	m.ProcessEvents.WithLabelValues(kind, result).Inc()
}

// SetRunning sets the supervised process gauge.
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.ProcessesRunning.Set(float64(n))
}

// ObserveStart records how long a process took to become healthy.
func (m *Metrics) ObserveStart(seconds float64) {
	if m == nil {
		return
	}
	m.StartDuration.Observe(seconds)
}

// RecordDelivery increments the delivery counter.
func (m *Metrics) RecordDelivery(mode, status string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(mode, status).Inc()
}

// RecordFlush increments the batch flush counter.
func (m *Metrics) RecordFlush(reason, result string) {
	if m == nil {
		return
	}
	m.BatchFlushes.WithLabelValues(reason, result).Inc()
}

// RecordDeadLetter increments the dead letter counter.
func (m *Metrics) RecordDeadLetter(source string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(source).Inc()
}

// RecordEventBuffered increments the buffered event counter.
func (m *Metrics) RecordEventBuffered() {
	if m == nil {
		return
	}
	m.EventsBuffered.Inc()
}

// RecordSubscriberDropped increments the dropped subscriber counter.
func (m *Metrics) RecordSubscriberDropped() {
	if m == nil {
		return
	}
	m.SubscribersDropped.Inc()
}

// RecordMerge increments the merge counter.
func (m *Metrics) RecordMerge(outcome string) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(outcome).Inc()
}
