// Package telemetry holds the Prometheus instruments shared by the runner,
// the orchestrator and the usage reconciler.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished runs by framework and terminal state.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepbench_runs_total",
		Help: "Finished runs by framework and terminal state",
	}, []string{"framework", "state"})

	// StepsTotal counts recorded step results by outcome.
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepbench_steps_total",
		Help: "Recorded step results by framework and outcome",
	}, []string{"framework", "outcome"})

	// StepAttemptsTotal counts every call into an adapter's ExecuteStep,
	// retries included.
	StepAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepbench_step_attempts_total",
		Help: "Step execution attempts by framework",
	}, []string{"framework"})

	// StepDuration tracks step wall time including retries.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stepbench_step_duration_seconds",
		Help:    "Step duration in seconds including retries",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	}, []string{"framework"})

	// HealthFailuresTotal counts negative health checks (ZDI).
	HealthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepbench_health_check_failures_total",
		Help: "Negative health checks by framework and phase",
	}, []string{"framework", "phase"})

	// ReconcileAttemptsTotal counts usage observations by the status they produced.
	ReconcileAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepbench_reconcile_attempts_total",
		Help: "Usage reconciliation attempts by resulting status",
	}, []string{"status"})

	// ReconcileErrorsTotal counts reconciliation attempts that could not be recorded.
	ReconcileErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepbench_reconcile_errors_total",
		Help: "Usage reconciliation attempts that failed before recording",
	})
)

// Step outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
