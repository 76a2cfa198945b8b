package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors
type Metrics struct {
	// StageCompletions counts stages reaching a completed status
	StageCompletions *prometheus.CounterVec

	// StageDuration observes the time between a stage's start and end
	StageDuration *prometheus.HistogramVec

	// TaskInvocations counts task executions by returned status
	TaskInvocations *prometheus.CounterVec

	// TaskSystemErrors counts infrastructure faults raised by tasks
	TaskSystemErrors *prometheus.CounterVec

	// TaskTimeouts counts polling tasks failed for exceeding their timeout
	TaskTimeouts *prometheus.CounterVec

	// ActiveExecutions tracks executions currently driven by a runner
	ActiveExecutions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageCompletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_stage_completions_total",
				Help: "Total number of stages that reached a completed status",
			},
			[]string{"type", "status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orca_stage_duration_seconds",
				Help:    "Duration of completed stages",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"type"},
		),
		TaskInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_task_invocations_total",
				Help: "Total number of task invocations by returned status",
			},
			[]string{"task", "status"},
		),
		TaskSystemErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_task_system_errors_total",
				Help: "Total number of infrastructure errors raised by tasks",
			},
			[]string{"task"},
		),
		TaskTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_task_timeouts_total",
				Help: "Total number of polling tasks failed by timeout",
			},
			[]string{"task"},
		),
		ActiveExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orca_executions_active",
				Help: "Number of executions currently being driven",
			},
		),
	}
}
