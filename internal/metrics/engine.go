// Package metrics exports engine events to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"warden/internal/deployment"
	"warden/internal/lifecycle"
	"warden/internal/pkg/circuit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// EngineMetrics implements lifecycle.Observer.
type EngineMetrics struct {
	gatherer prometheus.Gatherer

	cycles             *prometheus.CounterVec
	signals            *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	invariants         *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	discarded          *prometheus.CounterVec
	quotaResets        *prometheus.CounterVec

	// 调度器相关
	TickDuration prometheus.Histogram
	TickSkipped  *prometheus.CounterVec
	Runnable     prometheus.Gauge
}

var _ lifecycle.Observer = (*EngineMetrics)(nil)

// New registers all collectors on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *EngineMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &EngineMetrics{
		gatherer: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Evaluation cycles by outcome",
		}, []string{"kind", "outcome"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "signals_total",
			Help:      "Actionable signals by disposition",
		}, []string{"kind", "disposition"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"kind", "from", "to"}),
		invariants: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "invariant_violations_total",
			Help:      "Cycles aborted because the persisted record was inconsistent",
		}, []string{"kind"}),
		evaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluation_duration_seconds",
			Help:      "Strategy evaluation latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "discarded_cycles_total",
			Help:      "Cycle results dropped because an owner changed the deployment mid-cycle",
		}, []string{"kind"}),
		quotaResets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "daily_resets_total",
			Help:      "Daily quota resets",
		}, []string{"kind"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick",
			Buckets:   prometheus.DefBuckets,
		}),
		TickSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_total",
			Help:      "Deployments not dispatched in a tick",
		}, []string{"reason"}), // not_due, leased, rate_limited
		Runnable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runnable_deployments",
			Help:      "Runnable deployments seen by the last tick",
		}),
	}
}

func (m *EngineMetrics) CycleCompleted(res lifecycle.CycleResult) {
	kind := string(res.Kind)
	m.cycles.WithLabelValues(kind, string(res.Outcome)).Inc()
	for _, s := range res.Signals {
		m.signals.WithLabelValues(kind, string(s.Disposition)).Inc()
	}
	if res.Discarded {
		m.discarded.WithLabelValues(kind).Inc()
	}
	if res.QuotaReset {
		m.quotaResets.WithLabelValues(kind).Inc()
	}
}

func (m *EngineMetrics) CircuitTransition(kind deployment.Kind, tr circuit.Transition) {
	m.transitions.WithLabelValues(string(kind), tr.From.String(), tr.To.String()).Inc()
}

func (m *EngineMetrics) InvariantViolated(kind deployment.Kind) {
	m.invariants.WithLabelValues(string(kind)).Inc()
}

func (m *EngineMetrics) EvaluationDuration(kind deployment.Kind, d time.Duration) {
	m.evaluationDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// Handler serves the registry in Prometheus text format.
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
