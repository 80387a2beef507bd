// Package metrics exposes orchestration counters and latencies to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// Metrics holds the orchestrator's collectors on a private registry.
type Metrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	registry   *prometheus.Registry
}

var _ orchestrator.Observer = (*Metrics)(nil)

// New creates and registers all metrics. Each call gets its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmorch_operations_total",
				Help: "Total number of orchestration operations",
			},
			[]string{"op", "backend", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmorch_operation_duration_seconds",
				Help:    "Orchestration operation latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"op", "backend"},
		),
		registry: registry,
	}

	registry.MustRegister(m.Operations)
	registry.MustRegister(m.Duration)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Observe records one finished operation.
func (m *Metrics) Observe(op, backend string, success bool, seconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.Operations.WithLabelValues(op, backend, outcome).Inc()
	m.Duration.WithLabelValues(op, backend).Observe(seconds)
}

// TrackRegistry exports the number of registered VMs, read from count at
// scrape time.
func (m *Metrics) TrackRegistry(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vmorch_registered_vms",
			Help: "Number of VMs in the registry",
		},
		func() float64 { return float64(count()) },
	))
}

// Handler returns the Prometheus metrics handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
