package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle metrics
	TasksForkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepd_tasks_forked_total",
			Help: "Total number of tasks forked by this step manager",
		},
	)

	TasksReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepd_tasks_reaped_total",
			Help: "Total number of tasks reaped, by outcome",
		},
		[]string{"outcome"},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stepd_tasks_running",
			Help: "Number of tasks currently running under this step manager",
		},
	)

	TaskForkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stepd_task_fork_duration_seconds",
			Help:    "Time taken to fork and release all tasks in a step",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Completion tree metrics
	StepCompleteEmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepd_step_complete_emitted_total",
			Help: "Total number of RequestStepComplete messages emitted toward the controller",
		},
	)

	CompletionTreeTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepd_completion_tree_timeouts_total",
			Help: "Total number of completion-tree wait timeouts (degraded to direct-to-controller reporting)",
		},
	)

	CompletionTreeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepd_completion_tree_retries_total",
			Help: "Total number of retried sends toward a parent in the completion tree, by destination",
		},
		[]string{"destination"},
	)

	CompletionWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stepd_completion_wait_duration_seconds",
			Help:    "Time spent waiting for all children to report before emitting upward",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Batch subsystem metrics
	BatchScriptsMaterializedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepd_batch_scripts_materialized_total",
			Help: "Total number of batch scripts written to spool directories",
		},
	)

	BatchCompleteSendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepd_batch_complete_send_failures_total",
			Help: "Total number of failed attempts to send RequestCompleteBatchScript",
		},
	)

	// Privilege transition metrics
	PrivilegeDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepd_privilege_drops_total",
			Help: "Total number of privilege drop operations performed",
		},
	)

	PrivilegeReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepd_privilege_reclaims_total",
			Help: "Total number of privilege reclaim operations performed",
		},
	)

	// Container plugin metrics
	ContainerAddDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stepd_container_add_duration_seconds",
			Help:    "Time taken to add a forked PID to its tracking container",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Orchestrator lifecycle metrics
	StepsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepd_steps_completed_total",
			Help: "Total number of steps reaching the complete state, by outcome",
		},
		[]string{"outcome"},
	)

	StragglerKillRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepd_straggler_kill_retries_total",
			Help: "Total number of retry attempts made to destroy a step's container after its tasks exited",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksForkedTotal)
	prometheus.MustRegister(TasksReapedTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TaskForkDuration)

	prometheus.MustRegister(StepCompleteEmittedTotal)
	prometheus.MustRegister(CompletionTreeTimeoutsTotal)
	prometheus.MustRegister(CompletionTreeRetriesTotal)
	prometheus.MustRegister(CompletionWaitDuration)

	prometheus.MustRegister(BatchScriptsMaterializedTotal)
	prometheus.MustRegister(BatchCompleteSendFailuresTotal)

	prometheus.MustRegister(PrivilegeDropsTotal)
	prometheus.MustRegister(PrivilegeReclaimsTotal)

	prometheus.MustRegister(ContainerAddDuration)

	prometheus.MustRegister(StepsCompletedTotal)
	prometheus.MustRegister(StragglerKillRetriesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
