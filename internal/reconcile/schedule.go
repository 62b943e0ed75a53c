package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ParseSchedule parses a standard five-field cron expression or a
// descriptor such as "@every 30m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", expr, err)
	}
	return sched, nil
}

// RunScheduled performs a pass immediately and then on every tick of expr
// until ctx is done. A pass still running when the next tick fires causes
// that tick to be skipped.
func (r *Reconciler) RunScheduled(ctx context.Context, expr string, opts PassOptions) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	pass := func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.ReconcileAll(ctx, opts); err != nil && ctx.Err() == nil {
			slog.Error("scheduled reconciliation pass failed", "error", err)
		}
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(pass))

	pass()
	c.Start()
	slog.Info("reconciliation scheduled", "schedule", expr, "next", sched.Next(r.Now()))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
