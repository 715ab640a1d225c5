// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors on a dedicated registry so tests can
// build as many as they like without clashing on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	ExecutionsInFlight prometheus.Gauge
	ExecutionDuration  prometheus.Histogram
	ToolInvocations    *prometheus.CounterVec
	CatalogReloads     *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_executions_started_total",
			Help: "Executions dispatched, by persistence mode.",
		}, []string{"mode"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_executions_finished_total",
			Help: "Executions that reached a terminal state, by status.",
		}, []string{"status"}),
		ExecutionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crew_executions_in_flight",
			Help: "Executions currently running or queued for a worker.",
		}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crew_execution_duration_seconds",
			Help:    "Wall time from dispatch to terminal write.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ToolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_tool_invocations_total",
			Help: "Tool invocations by capability kind and outcome.",
		}, []string{"kind", "outcome"}),
		CatalogReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_tool_catalog_reloads_total",
			Help: "Managed-service catalog reloads by outcome.",
		}, []string{"outcome"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ExecutionsStarted,
		m.ExecutionsFinished,
		m.ExecutionsInFlight,
		m.ExecutionDuration,
		m.ToolInvocations,
		m.CatalogReloads,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
