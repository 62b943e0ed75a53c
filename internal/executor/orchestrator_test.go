package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spachava753/stepbench/internal/adapter"
	"github.com/spachava753/stepbench/internal/config"
	"github.com/spachava753/stepbench/internal/models"
	"github.com/spachava753/stepbench/internal/runstore"
	"github.com/spachava753/stepbench/internal/steps"
)

type orchestratorFixture struct {
	exp      models.ExperimentConfig
	store    runstore.Store
	registry *adapter.Registry

	mu       sync.Mutex
	adapters []*fakeAdapter
}

func newFixture(t *testing.T, frameworks ...string) *orchestratorFixture {
	t.Helper()
	dir := t.TempDir()
	fwPath := filepath.Join(dir, "framework.toml")
	if err := os.WriteFile(fwPath, []byte("[process]\ncommand = \"true\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, declared := collection(t, stepDecl{1, true}, stepDecl{2, true})

	exp := experiment()
	exp.RunsDir = filepath.Join(dir, "runs")
	exp.Steps = declared
	exp.Stopping = models.StoppingConfig{
		MinRuns:    2,
		MaxRuns:    3,
		Confidence: 0.95,
		Resamples:  200,
		Seed:       7,
		Metrics:    []models.MetricThreshold{{Name: models.MetricAUTR, MaxHalfWidthPct: 5}},
	}
	for _, name := range frameworks {
		exp.Frameworks = append(exp.Frameworks, models.FrameworkRef{Name: name, Adapter: "fake", ConfigPath: fwPath})
	}

	store, err := runstore.NewFileStore(exp.RunsDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &orchestratorFixture{exp: exp, store: store, registry: adapter.NewRegistry()}
	f.registry.Register("fake", func(cfg adapter.Config) (adapter.Adapter, error) {
		a := &fakeAdapter{}
		f.mu.Lock()
		f.adapters = append(f.adapters, a)
		f.mu.Unlock()
		return a, nil
	})
	return f
}

func (f *orchestratorFixture) orchestrator(t *testing.T) *ExperimentOrchestrator {
	t.Helper()
	o, err := NewExperimentOrchestrator(f.exp, f.store, f.registry)
	if err != nil {
		t.Fatalf("NewExperimentOrchestrator: %v", err)
	}
	var mu sync.Mutex
	seq := 0
	o.NewRunID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("run-%03d", seq)
	}
	o.NewRunner = func(a adapter.Adapter, cfg adapter.Config, coll *steps.Collection, exp models.ExperimentConfig) *Runner {
		r := NewRunner(a, cfg, coll, exp)
		r.Ports = nil
		r.Sleep = func(time.Duration) {}
		return r
	}
	return o
}

func TestOrchestratorStopsAtMaxRuns(t *testing.T) {
	f := newFixture(t, "alpha")
	res, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	sum := res.Frameworks["alpha"]
	if sum.Runs != 3 || sum.CompletedRuns != 3 || sum.StopReason != "max_runs reached" {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.VerifiedRuns != 0 {
		t.Errorf("fresh runs cannot be verified, got %d", sum.VerifiedRuns)
	}

	runs, err := f.store.List(context.Background(), runstore.Filter{Framework: "alpha"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("stored %d runs, want 3", len(runs))
	}
	for _, rec := range runs {
		if rec.Experiment != "exp" || rec.State != models.RunCompleted || len(rec.Steps) != 2 {
			t.Errorf("stored run = %+v", rec)
		}
		runDir := filepath.Join(f.exp.RunsDir, "alpha", rec.RunID)
		for _, name := range []string{"run.json", "config.json"} {
			if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
				t.Errorf("missing %s in run dir: %v", name, err)
			}
		}
	}
	for _, a := range f.adapters {
		if a.stopCalls != 1 {
			t.Errorf("adapter stopped %d times", a.stopCalls)
		}
	}
}

func verifiedRun(id string, offset time.Duration) *models.RunRecord {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(offset)
	counts := models.UsageCounts{TokensIn: 1000, TokensOut: 500, APICalls: 4}
	return &models.RunRecord{
		RunID:      id,
		Experiment: "exp",
		Framework:  "alpha",
		Adapter:    "fake",
		State:      models.RunCompleted,
		StartedAt:  start,
		EndedAt:    start.Add(time.Minute),
		Aggregate:  models.AggregateMetrics{models.MetricAUTR: 1, models.MetricTokensIn: 900},
		Usage: models.ReconciliationState{
			MinInterval: time.Hour,
			Attempts: []models.UsageAttempt{
				{Timestamp: start.Add(time.Hour), UsageCounts: counts},
				{Timestamp: start.Add(3 * time.Hour), UsageCounts: counts},
			},
		},
	}
}

func TestOrchestratorResumesFromStoredRuns(t *testing.T) {
	f := newFixture(t, "alpha")
	ctx := context.Background()
	for i, id := range []string{"old-1", "old-2"} {
		if err := f.store.Save(ctx, verifiedRun(id, time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	res, err := f.orchestrator(t).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum := res.Frameworks["alpha"]
	if sum.Runs != 0 || sum.StopReason != "converged" || sum.VerifiedRuns != 2 {
		t.Fatalf("summary = %+v, want converged without new runs", sum)
	}
}

func TestOrchestratorStopsFrameworkOnSetupFailure(t *testing.T) {
	f := newFixture(t, "alpha")
	f.registry = adapter.NewRegistry()
	f.registry.Register("fake", func(cfg adapter.Config) (adapter.Adapter, error) {
		return &fakeAdapter{startErr: errors.New("port 8100 still in use")}, nil
	})

	res, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum := res.Frameworks["alpha"]
	if sum.Runs != 1 || sum.FailedRuns != 1 || sum.StopReason != StopSetupFailed {
		t.Fatalf("summary = %+v", sum)
	}
	rec, err := f.store.Load(context.Background(), sum.RunIDs[0])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Error == nil || rec.Error.Type != models.ErrSetupFailed {
		t.Errorf("failed run not persisted with its error: %+v", rec.Error)
	}
}

func TestOrchestratorRunsFrameworksConcurrently(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	f.exp.NConcurrentFrameworks = 2

	res, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	seen := map[string]bool{}
	for _, name := range []string{"alpha", "beta"} {
		sum := res.Frameworks[name]
		if sum.Runs != 3 {
			t.Errorf("%s ran %d times, want 3", name, sum.Runs)
		}
		for _, id := range sum.RunIDs {
			if seen[id] {
				t.Errorf("run id %s reused", id)
			}
			seen[id] = true
		}
	}
}

func TestOrchestratorCancelled(t *testing.T) {
	f := newFixture(t, "alpha")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orchestrator(t).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Cancelled || res.Frameworks["alpha"].Runs != 0 || res.Frameworks["alpha"].StopReason != StopCancelled {
		t.Fatalf("result = %+v", res)
	}
}

func TestNewExperimentOrchestratorValidates(t *testing.T) {
	f := newFixture(t, "alpha")
	f.exp.Frameworks[0].Adapter = "missing"
	f.registry = adapter.NewRegistry()
	if _, err := NewExperimentOrchestrator(f.exp, f.store, f.registry); !config.IsValidationError(err) {
		t.Fatalf("expected validation error for unknown adapter, got %v", err)
	}

	f = newFixture(t, "alpha")
	f.exp.Steps = append(f.exp.Steps, f.exp.Steps[0])
	if _, err := NewExperimentOrchestrator(f.exp, f.store, f.registry); !config.IsValidationError(err) {
		t.Fatalf("expected validation error for duplicate step ids, got %v", err)
	}
}
