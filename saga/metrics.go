package saga

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 引擎指标
//
// 所有方法对 nil 接收者安全，未配置指标时直接跳过。
type Metrics struct {
	sagasStarted  *prometheus.CounterVec
	sagasFinished *prometheus.CounterVec
	stepAttempts  *prometheus.CounterVec
	stepResults   *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	casConflicts  prometheus.Counter
	activeRuns    prometheus.Gauge
	sweepRuns     prometheus.Counter
	sweepResumed  prometheus.Counter
}

// NewMetrics 创建指标并注册到 reg；reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sagasStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sagaflow",
				Name:      "sagas_started_total",
				Help:      "Total number of saga instances created.",
			},
			[]string{"definition"},
		),
		sagasFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sagaflow",
				Name:      "sagas_finished_total",
				Help:      "Total number of saga instances that reached a terminal status.",
			},
			[]string{"definition", "status"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sagaflow",
				Name:      "step_attempts_total",
				Help:      "Total number of physical participant calls.",
			},
			[]string{"definition", "step", "direction"},
		),
		stepResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sagaflow",
				Name:      "step_results_total",
				Help:      "Total number of logical step invocations by result.",
			},
			[]string{"definition", "step", "direction", "result"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sagaflow",
				Name:      "step_duration_seconds",
				Help:      "Duration of logical step invocations including retries.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"definition", "step", "direction"},
		),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sagaflow",
			Name:      "cas_conflicts_total",
			Help:      "Total number of compare-and-swap version conflicts.",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sagaflow",
			Name:      "active_executions",
			Help:      "Number of saga executions currently driven by this process.",
		}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sagaflow",
			Name:      "sweep_runs_total",
			Help:      "Total number of recovery sweeps.",
		}),
		sweepResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sagaflow",
			Name:      "sweep_resumed_total",
			Help:      "Total number of instances handed to resume by the sweeper.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sagasStarted,
			m.sagasFinished,
			m.stepAttempts,
			m.stepResults,
			m.stepDuration,
			m.casConflicts,
			m.activeRuns,
			m.sweepRuns,
			m.sweepResumed,
		)
	}
	return m
}

func (m *Metrics) sagaStarted(definition string) {
	if m == nil {
		return
	}
	m.sagasStarted.WithLabelValues(definition).Inc()
}

func (m *Metrics) sagaFinished(definition string, status Status) {
	if m == nil {
		return
	}
	m.sagasFinished.WithLabelValues(definition, string(status)).Inc()
}

func (m *Metrics) stepAttempt(definition, step string, direction Direction) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(definition, step, string(direction)).Inc()
}

func (m *Metrics) stepFinished(definition, step string, direction Direction, result Result, d time.Duration) {
	if m == nil {
		return
	}
	m.stepResults.WithLabelValues(definition, step, string(direction), string(result)).Inc()
	m.stepDuration.WithLabelValues(definition, step, string(direction)).Observe(d.Seconds())
}

func (m *Metrics) casConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) executionStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) executionFinished() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

func (m *Metrics) sweepRun(resumed int) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepResumed.Add(float64(resumed))
}
