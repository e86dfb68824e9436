// Package metrics exposes Prometheus instrumentation for assignment and tracking.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	assignments       *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	reports           *prometheus.CounterVec
	droppedDeliveries prometheus.Counter
	activeSessions    prometheus.Gauge
	subscribers       prometheus.Gauge
	assignDuration    prometheus.Histogram
}

// New registers the collectors on reg. A nil registerer yields a no-op Metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_assignments_total",
			Help: "Assignment attempts by outcome.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_transitions_total",
			Help: "Assignment transitions by action and outcome.",
		}, []string{"action", "result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_location_reports_total",
			Help: "Location reports by ingest outcome.",
		}, []string{"result"}),
		droppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transport_deliveries_dropped_total",
			Help: "Snapshot deliveries dropped because a subscriber queue was full.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transport_tracking_sessions_active",
			Help: "Tracking sessions currently open.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transport_subscribers_connected",
			Help: "Push subscribers currently connected.",
		}),
		assignDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transport_assign_duration_seconds",
			Help:    "Latency of assign including the transactional commit.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.assignments, m.transitions, m.reports, m.droppedDeliveries,
		m.activeSessions, m.subscribers, m.assignDuration)
	return m
}

func (m *Metrics) ObserveAssign(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(label(result)).Inc()
	m.assignDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncTransition(action, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(action), label(result)).Inc()
}

func (m *Metrics) IncReport(result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(label(result)).Inc()
}

func (m *Metrics) IncDroppedDelivery() {
	if m == nil {
		return
	}
	m.droppedDeliveries.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
