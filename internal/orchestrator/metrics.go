package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nvdpsingh/DevPilot/internal/project"
)

// Metrics holds Prometheus metrics for phase execution and project loops.
//
// Metrics:
//   - devpilot_phase_executions_total{phase,outcome} - phase invocations by final outcome
//   - devpilot_phase_retries_total{phase} - internal retries performed by the executor
//   - devpilot_phase_duration_seconds{phase} - wall time of a phase including its retry
//   - devpilot_loops_active - coordinator loops currently running
//   - devpilot_loops_finished_total{status} - loops that reached a terminal status
//   - devpilot_fix_iterations_total - Fixing to Deploying cycles started
type Metrics struct {
	PhaseExecutions *prometheus.CounterVec
	PhaseRetries    *prometheus.CounterVec
	PhaseDuration   *prometheus.HistogramVec
	LoopsActive     prometheus.Gauge
	LoopsFinished   *prometheus.CounterVec
	FixIterations   prometheus.Counter
}

// NewMetrics creates and registers the metrics with reg. A nil reg leaves the
// collectors unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PhaseExecutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devpilot_phase_executions_total",
				Help: "Total number of phase invocations by final outcome",
			},
			[]string{"phase", "outcome"},
		),
		PhaseRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devpilot_phase_retries_total",
				Help: "Total number of internal phase retries",
			},
			[]string{"phase"},
		),
		PhaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devpilot_phase_duration_seconds",
				Help:    "Duration of phase invocations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		),
		LoopsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "devpilot_loops_active",
			Help: "Number of coordinator loops currently running",
		}),
		LoopsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devpilot_loops_finished_total",
				Help: "Total number of coordinator loops by terminal status",
			},
			[]string{"status"},
		),
		FixIterations: f.NewCounter(prometheus.CounterOpts{
			Name: "devpilot_fix_iterations_total",
			Help: "Total number of fix iterations started",
		}),
	}
}

func (m *Metrics) observePhase(phase project.Phase, outcome project.Outcome, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseExecutions.WithLabelValues(string(phase), string(outcome)).Inc()
	m.PhaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
	if attempts > 1 {
		m.PhaseRetries.WithLabelValues(string(phase)).Add(float64(attempts - 1))
	}
}

// LoopStarted increments the active loop gauge.
func (m *Metrics) LoopStarted() {
	if m == nil {
		return
	}
	m.LoopsActive.Inc()
}

// LoopFinished decrements the active loop gauge and counts the terminal status.
func (m *Metrics) LoopFinished(status project.Status) {
	if m == nil {
		return
	}
	m.LoopsActive.Dec()
	m.LoopsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) fixStarted() {
	if m == nil {
		return
	}
	m.FixIterations.Inc()
}
