// Package metrics exposes the daemon's Prometheus collectors on a private
// registry, served by the control API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the daemon's collectors.
type Metrics struct {
	registry *prometheus.Registry

	PassesTotal  *prometheus.CounterVec
	PassDuration *prometheus.HistogramVec
	DeploysTotal *prometheus.CounterVec
	LogDropped   prometheus.CounterFunc
}

// New builds the collector set. droppedFn reports the log bus drop counter.
func New(droppedFn func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxsyncd_passes_total",
			Help: "Reconciliation passes by target and final status.",
		}, []string{"target", "status"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oxsyncd_pass_duration_seconds",
			Help:    "Duration of reconciliation passes.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"target"}),
		DeploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxsyncd_deploys_total",
			Help: "Successful deployments by target.",
		}, []string{"target"}),
		LogDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "oxsyncd_log_events_dropped_total",
			Help: "Log events dropped due to slow stream subscribers.",
		}, droppedFn),
	}

	m.registry.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.DeploysTotal,
		m.LogDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObservePass records one finished pass.
func (m *Metrics) ObservePass(target, status string, seconds float64) {
	m.PassesTotal.WithLabelValues(target, status).Inc()
	m.PassDuration.WithLabelValues(target).Observe(seconds)
}
