package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreLabelled(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("telemetry-test", "completed"))
	RunsTotal.WithLabelValues("telemetry-test", "completed").Inc()
	if got := testutil.ToFloat64(RunsTotal.WithLabelValues("telemetry-test", "completed")); got != before+1 {
		t.Fatalf("runs counter = %v, want %v", got, before+1)
	}

	ReconcileAttemptsTotal.WithLabelValues("verified").Inc()
	if got := testutil.ToFloat64(ReconcileAttemptsTotal.WithLabelValues("verified")); got < 1 {
		t.Fatalf("reconcile counter = %v", got)
	}
}

func TestStepDurationHistogram(t *testing.T) {
	StepDuration.WithLabelValues("telemetry-histogram").Observe(3)
	if got := testutil.CollectAndCount(StepDuration); got < 1 {
		t.Fatalf("expected at least one histogram series, got %d", got)
	}
}
