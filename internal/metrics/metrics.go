// Package metrics holds the Prometheus collectors of the supervisor. They
// live in their own registry, served by the log viewer on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/polardev/chatstack/internal/logmux"
)

// Launch outcomes.
const (
	OutcomeStarted = "started"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics is safe to use as a nil pointer, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	lines     *prometheus.CounterVec
	launches  *prometheus.CounterVec
	restarts  prometheus.Counter
	readiness *prometheus.HistogramVec
	running   *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		lines: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatstack_log_lines_total",
			Help: "Total number of log lines emitted per service and severity",
		}, []string{"service", "severity"}),
		launches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatstack_launches_total",
			Help: "Total number of service launch attempts per outcome",
		}, []string{"service", "outcome"}),
		restarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatstack_restarts_total",
			Help: "Total number of stack restarts requested by the operator",
		}),
		readiness: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatstack_readiness_wait_seconds",
			Help:    "Time spent waiting for a service to become ready",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
		}, []string{"service", "ready"}),
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatstack_service_running",
			Help: "1 when the service process is supervised and alive",
		}, []string{"service"}),
	}
}

// Gatherer returns the registry to expose, nil for a nil Metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveLine(l logmux.Line) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(l.Service, l.Severity.String()).Inc()
}

func (m *Metrics) Launch(service, outcome string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(service, outcome).Inc()
}

func (m *Metrics) Restart() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

func (m *Metrics) Readiness(service string, waited time.Duration, ready bool) {
	if m == nil {
		return
	}
	label := "false"
	if ready {
		label = "true"
	}
	m.readiness.WithLabelValues(service, label).Observe(waited.Seconds())
}

func (m *Metrics) Running(service string, running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.running.WithLabelValues(service).Set(v)
}
