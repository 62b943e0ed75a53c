package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/spachava753/stepbench/internal/adapter"
	"github.com/spachava753/stepbench/internal/metrics"
	"github.com/spachava753/stepbench/internal/models"
	"github.com/spachava753/stepbench/internal/steps"
	"github.com/spachava753/stepbench/internal/telemetry"
)

// ErrRunCancelled is returned when the driver cancelled the run between steps.
var ErrRunCancelled = errors.New("run cancelled")

const healthTimeout = 30 * time.Second

// Runner executes one run of one framework: start the adapter, run every
// enabled step in declared order, check health, stop the adapter.
type Runner struct {
	adapter adapter.Adapter
	cfg     adapter.Config
	steps   *steps.Collection
	exp     models.ExperimentConfig

	// Ports frees the framework's ports before Start. Nil skips the check.
	Ports *adapter.PortGuard
	// Sleep waits between step attempts.
	Sleep func(time.Duration)
	// Now is the clock used for timestamps.
	Now func() time.Time
}

// NewRunner creates a runner for one run.
func NewRunner(a adapter.Adapter, cfg adapter.Config, coll *steps.Collection, exp models.ExperimentConfig) *Runner {
	return &Runner{
		adapter: a,
		cfg:     cfg,
		steps:   coll,
		exp:     exp,
		Ports:   adapter.NewPortGuard(),
		Sleep:   time.Sleep,
		Now:     time.Now,
	}
}

// Run drives the run to a terminal state and returns its record. The
// record is returned even when the run failed; the error then says why:
// a *adapter.SetupError or ErrRunCancelled. Step failures do not fail the
// run. Cancelling ctx takes effect between steps; the step in flight runs
// to completion or its own timeout. Stop is called exactly once, whatever
// happened before.
func (r *Runner) Run(ctx context.Context) (*models.RunRecord, error) {
	enabled := r.steps.Enabled()
	rec := &models.RunRecord{
		RunID:        r.cfg.RunID(),
		Experiment:   r.exp.Name,
		Framework:    r.cfg.Name(),
		Adapter:      r.cfg.AdapterName(),
		APIKeyRef:    r.cfg.APIKeyRef(),
		State:        models.RunInitializing,
		StartedAt:    r.Now().UTC(),
		EnabledSteps: len(enabled),
		ArtifactsDir: r.cfg.ArtifactsDir(),
	}
	log := slog.With("framework", rec.Framework, "run_id", rec.RunID)
	col := metrics.NewCollector()
	col.MarkStart(rec.StartedAt)

	log.Info("run starting", "state", rec.State, "enabled_steps", len(enabled))
	runErr := r.start(ctx)
	if runErr == nil {
		rec.State = models.RunExecuting
		runErr = r.executeSteps(ctx, log, enabled, col)
		r.checkHealth(ctx, log, len(col.Steps()), col)
	} else {
		log.Error("run setup failed", "error", runErr)
	}

	rec.State = models.RunFinalizing
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout())
	if err := r.adapter.Stop(stopCtx); err != nil {
		log.Warn("stopping adapter failed", "error", err)
	}
	cancel()

	end := r.Now().UTC()
	col.MarkEnd(end)
	rec.EndedAt = end
	rec.Steps = col.Steps()
	rec.Health = col.Health()
	rec.Aggregate = col.Aggregate()

	switch {
	case runErr == nil:
		rec.State = models.RunCompleted
	case errors.Is(runErr, ErrRunCancelled):
		rec.State = models.RunFailed
		rec.Cancelled = true
		rec.Error = &models.RecordedError{Type: models.ErrRunCancelled, Message: runErr.Error()}
	default:
		rec.State = models.RunFailed
		rec.Error = adapter.RecordError(runErr)
	}
	telemetry.RunsTotal.WithLabelValues(rec.Framework, string(rec.State)).Inc()

	log.Info("run finished",
		"state", rec.State,
		"steps", len(rec.Steps),
		"autr", rec.Aggregate[models.MetricAUTR],
		"esr", rec.Aggregate[models.MetricESR],
		"tokens_in", rec.Aggregate[models.MetricTokensIn],
		"duration", rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond),
	)
	return rec, runErr
}

func (r *Runner) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before start: %v", ErrRunCancelled, err)
	}
	if r.Ports != nil {
		if err := r.Ports.EnsureFree(ctx, r.cfg.Name(), r.cfg.Ports()); err != nil {
			return err
		}
	}
	if err := r.adapter.Start(ctx); err != nil {
		if !adapter.IsSetupError(err) {
			err = &adapter.SetupError{Framework: r.cfg.Name(), Err: err}
		}
		return err
	}
	return nil
}

func (r *Runner) executeSteps(ctx context.Context, log *slog.Logger, enabled []models.Step, col *metrics.Collector) error {
	for i, step := range enabled {
		if err := ctx.Err(); err != nil {
			log.Warn("run cancelled between steps", "executed", i, "remaining", len(enabled)-i)
			return fmt.Errorf("%w after %d of %d steps", ErrRunCancelled, i, len(enabled))
		}

		label := steps.ProgressLabel(i+1, len(enabled), step)
		log.Info("executing step " + label)

		res := r.executeStep(ctx, log, step)
		col.Record(res)

		outcome := telemetry.OutcomeSuccess
		if !res.Success {
			outcome = telemetry.OutcomeFailure
			msg := ""
			if res.Error != nil {
				msg = res.Error.Message
			}
			log.Warn("step failed "+label, "retries", res.RetryCount, "error", msg)
		} else {
			log.Info("step completed "+label, "duration_sec", res.DurationSec, "hitl", res.HITLCount, "retries", res.RetryCount)
		}
		telemetry.StepsTotal.WithLabelValues(r.cfg.Name(), outcome).Inc()
		telemetry.StepDuration.WithLabelValues(r.cfg.Name()).Observe(res.DurationSec)

		if r.exp.Health.EveryStep && i < len(enabled)-1 {
			r.checkHealth(ctx, log, i+1, col)
		}
	}
	return nil
}

// executeStep runs the retry loop for one step and returns the single
// result recorded for it. Only infrastructure failures are retried.
func (r *Runner) executeStep(ctx context.Context, log *slog.Logger, step models.Step) models.StepResult {
	start := r.Now().UTC()
	finish := func(res models.StepResult, attempts int) models.StepResult {
		end := r.Now().UTC()
		res.StepID = step.ID
		res.Name = step.Name
		res.RetryCount = attempts - 1
		res.StartedAt = start
		res.EndedAt = end
		res.DurationSec = end.Sub(start).Seconds()
		return res
	}

	prompt, err := r.steps.Prompt(step)
	if err != nil {
		return finish(models.StepResult{
			Error: &models.RecordedError{Type: models.ErrInternalError, Message: err.Error()},
		}, 1)
	}

	// Steps are not interrupted by run cancellation.
	stepParent := context.WithoutCancel(ctx)
	maxAttempts := r.cfg.MaxAttempts()
	for attempt := 1; ; attempt++ {
		telemetry.StepAttemptsTotal.WithLabelValues(r.cfg.Name()).Inc()
		stepCtx, cancel := context.WithTimeout(stepParent, r.cfg.StepTimeout())
		res, err := r.adapter.ExecuteStep(stepCtx, step.ID, prompt)
		cancel()

		if err == nil {
			return finish(res, attempt)
		}
		if _, ok := adapter.AsInfrastructureError(err); !ok {
			return finish(models.StepResult{Error: adapter.RecordError(err)}, attempt)
		}
		if attempt >= maxAttempts {
			return finish(models.StepResult{Error: adapter.RecordError(err)}, attempt)
		}

		delay := r.backoff(attempt)
		log.Warn("step attempt failed, retrying",
			"step_id", step.ID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		if delay > 0 {
			r.Sleep(delay)
		}
	}
}

// backoff returns the delay after the given failed attempt.
func (r *Runner) backoff(attempt int) time.Duration {
	rc := r.exp.Retry
	mult := rc.Multiplier
	if mult < 1 {
		mult = 1
	}
	ms := float64(rc.InitialDelayMs) * math.Pow(mult, float64(attempt-1))
	if rc.MaxDelayMs > 0 && ms > float64(rc.MaxDelayMs) {
		ms = float64(rc.MaxDelayMs)
	}
	return time.Duration(ms) * time.Millisecond
}

// checkHealth records one health observation. Network probes are included
// once executed steps reach deployed_after_step.
func (r *Runner) checkHealth(ctx context.Context, log *slog.Logger, executed int, col *metrics.Collector) {
	phase := adapter.PhaseStartup
	if executed >= r.exp.Health.DeployedAfterStep {
		phase = adapter.PhaseDeployed
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthTimeout)
	healthy := r.adapter.HealthCheck(hctx, phase)
	cancel()

	col.RecordHealth(models.HealthObservation{
		AfterStep: executed,
		Phase:     phase.String(),
		Healthy:   healthy,
		Timestamp: r.Now().UTC(),
	})
	if !healthy {
		telemetry.HealthFailuresTotal.WithLabelValues(r.cfg.Name(), phase.String()).Inc()
		log.Warn("health check failed", "phase", phase, "after_step", executed)
		return
	}
	log.Debug("health check passed", "phase", phase, "after_step", executed)
}

func (r *Runner) stopTimeout() time.Duration {
	if d := r.cfg.StopTimeout(); d > 0 {
		return d
	}
	return 2 * time.Minute
}
