package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spachava753/stepbench/internal/adapter"
	"github.com/spachava753/stepbench/internal/config"
	"github.com/spachava753/stepbench/internal/models"
	"github.com/spachava753/stepbench/internal/runstore"
	"github.com/spachava753/stepbench/internal/source"
	"github.com/spachava753/stepbench/internal/steps"
	"github.com/spachava753/stepbench/internal/stopping"
)

// Stop reasons besides the stopping rule's own.
const (
	StopCancelled   = "cancelled"
	StopSetupFailed = "setup failed"
)

// ExperimentOrchestrator runs every framework of an experiment until its
// stopping rule says enough runs have been collected.
type ExperimentOrchestrator struct {
	exp        models.ExperimentConfig
	steps      *steps.Collection
	store      runstore.Store
	registry   *adapter.Registry
	frameworks map[string]models.FrameworkConfig
	sources    map[string]string

	// NewRunID returns the id of the next run.
	NewRunID func() string
	// NewRunner builds the runner for one run.
	NewRunner func(a adapter.Adapter, cfg adapter.Config, coll *steps.Collection, exp models.ExperimentConfig) *Runner
	// Estimator overrides the stopping rule's interval estimator.
	Estimator stopping.Estimator
}

// NewExperimentOrchestrator validates the steps and loads every framework
// config up front, so that configuration errors surface before any run.
func NewExperimentOrchestrator(exp models.ExperimentConfig, store runstore.Store, registry *adapter.Registry) (*ExperimentOrchestrator, error) {
	coll, err := steps.New(exp.Steps)
	if err != nil {
		return nil, err
	}

	frameworks := make(map[string]models.FrameworkConfig, len(exp.Frameworks))
	var problems []string
	for _, ref := range exp.Frameworks {
		if !registry.Has(ref) {
			problems = append(problems, fmt.Sprintf("framework %q: no adapter %q (known: %v)", ref.Name, ref.Adapter, registry.Names()))
			continue
		}
		fw, err := config.LoadFrameworkConfig(ref.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("loading config for framework %s: %w", ref.Name, err)
		}
		frameworks[ref.Name] = fw
	}
	if len(problems) > 0 {
		return nil, &config.ValidationError{Source: "experiment config", Problems: problems}
	}

	return &ExperimentOrchestrator{
		exp:        exp,
		steps:      coll,
		store:      store,
		registry:   registry,
		frameworks: frameworks,
		sources:    map[string]string{},
		NewRunID:   uuid.NewString,
		NewRunner:  NewRunner,
	}, nil
}

// Frameworks returns the loaded framework configs keyed by name.
func (o *ExperimentOrchestrator) Frameworks() map[string]models.FrameworkConfig {
	return o.frameworks
}

// PrepareSources clones the framework repositories on the host once, so
// runs copy the checkout instead of cloning.
func (o *ExperimentOrchestrator) PrepareSources(ctx context.Context, r *source.Resolver) error {
	dirs, err := r.Resolve(ctx, o.frameworks)
	if err != nil {
		return &adapter.SetupError{Framework: "sources", Err: err}
	}
	o.sources = dirs
	return nil
}

// Run executes the experiment. Frameworks run concurrently up to
// n_concurrent_frameworks; the runs of one framework are sequential.
// Cancelling ctx stops launching runs; the run in flight finishes its
// current step and is recorded as cancelled.
func (o *ExperimentOrchestrator) Run(ctx context.Context) (*models.ExperimentResult, error) {
	started := time.Now()
	result := &models.ExperimentResult{
		Name:       o.exp.Name,
		Frameworks: make(map[string]models.FrameworkSummary, len(o.exp.Frameworks)),
	}

	nWorkers := o.exp.NConcurrentFrameworks
	if nWorkers <= 0 {
		nWorkers = 1
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(nWorkers)
	for _, ref := range o.exp.Frameworks {
		g.Go(func() error {
			summary, err := o.runFramework(ctx, ref)
			mu.Lock()
			result.Frameworks[ref.Name] = summary
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("framework %s: %w", ref.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	result.Cancelled = ctx.Err() != nil

	slog.Info("experiment finished",
		"experiment", o.exp.Name,
		"frameworks", len(result.Frameworks),
		"cancelled", result.Cancelled,
		"duration", time.Since(started).Round(time.Second),
	)
	return result, err
}

// runFramework launches runs of one framework until the stopping rule
// stops it. Runs already stored for the experiment count, so an
// interrupted experiment resumes where it left off.
func (o *ExperimentOrchestrator) runFramework(ctx context.Context, ref models.FrameworkRef) (models.FrameworkSummary, error) {
	log := slog.With("framework", ref.Name)
	rule := stopping.New(o.exp.Stopping, o.Estimator)
	summary := models.FrameworkSummary{}
	storeCtx := context.WithoutCancel(ctx)

	for {
		runs, err := o.store.List(storeCtx, runstore.Filter{Experiment: o.exp.Name, Framework: ref.Name})
		if err != nil {
			return summary, fmt.Errorf("listing runs: %w", err)
		}
		d := rule.EvaluateRuns(runs)
		summary.VerifiedRuns = d.VerifiedRuns
		log.Info("stopping rule evaluated", "decision", d.String())
		if d.Stop {
			summary.StopReason = d.Reason
			return summary, nil
		}
		if ctx.Err() != nil {
			summary.StopReason = StopCancelled
			return summary, nil
		}

		rec, runErr := o.runOnce(ctx, ref)
		if rec == nil {
			return summary, runErr
		}
		if err := o.store.Save(storeCtx, rec); err != nil {
			return summary, fmt.Errorf("saving run %s: %w", rec.RunID, err)
		}
		summary.Runs++
		summary.RunIDs = append(summary.RunIDs, rec.RunID)
		if rec.State == models.RunCompleted {
			summary.CompletedRuns++
		} else {
			summary.FailedRuns++
		}
		if adapter.IsSetupError(runErr) {
			summary.StopReason = StopSetupFailed
			log.Error("framework could not be set up, no further runs", "error", runErr)
			return summary, nil
		}
	}
}

// runOnce executes a single run in runs_dir/<framework>/<run_id>.
func (o *ExperimentOrchestrator) runOnce(ctx context.Context, ref models.FrameworkRef) (*models.RunRecord, error) {
	runID := o.NewRunID()
	runDir := filepath.Join(o.exp.RunsDir, ref.Name, runID)
	if _, err := os.Stat(runDir); err == nil {
		return nil, fmt.Errorf("run directory already exists: %s (will not overwrite existing results)", runDir)
	}
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	cfg := adapter.NewConfig(ref, o.frameworks[ref.Name], o.exp, runID, runDir, o.sources[ref.Name])
	writeJSON(filepath.Join(runDir, "config.json"), cfg.Framework())

	a, err := o.registry.New(cfg)
	if err != nil {
		err = &adapter.SetupError{Framework: ref.Name, Err: err}
		now := time.Now().UTC()
		return &models.RunRecord{
			RunID:      runID,
			Experiment: o.exp.Name,
			Framework:  ref.Name,
			Adapter:    ref.Adapter,
			APIKeyRef:  cfg.APIKeyRef(),
			State:      models.RunFailed,
			StartedAt:  now,
			EndedAt:    now,
			Error:      adapter.RecordError(err),
		}, err
	}

	return o.NewRunner(a, cfg, o.steps, o.exp).Run(ctx)
}

func writeJSON(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Debug("encoding json failed", "path", path, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Debug("writing json failed", "path", path, "error", err)
	}
}
