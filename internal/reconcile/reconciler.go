// Package reconcile confirms the token counts of finished runs against an
// eventually consistent usage API. Every query appends one attempt to the
// run's trail; the trail's status is derived by models.ComputeStatus.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/stepbench/internal/models"
	"github.com/spachava753/stepbench/internal/runstore"
	"github.com/spachava753/stepbench/internal/telemetry"
)

// ErrRunNotFinished is returned for runs that have not reached a terminal state.
var ErrRunNotFinished = errors.New("run has not finished")

// Reconciler appends usage observations to stored runs.
type Reconciler struct {
	store       runstore.Store
	source      UsageSource
	minInterval time.Duration
	concurrency int

	// Now and LookupKey are replaceable in tests.
	Now       func() time.Time
	LookupKey func(ref string) string

	locks keyedMutex
}

// New returns a reconciler that records attempts in store. minInterval is
// the spacing two identical observations need before a run is verified.
func New(store runstore.Store, source UsageSource, minInterval time.Duration, concurrency int) *Reconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reconciler{
		store:       store,
		source:      source,
		minInterval: minInterval,
		concurrency: concurrency,
		Now:         time.Now,
		LookupKey:   os.Getenv,
	}
}

// ReconcileRun queries the usage API once for the run and appends the
// observation. Calls for the same run are serialized within the process by
// a per-run mutex and across processes by the store's run lock, so attempts
// are appended in query order.
func (r *Reconciler) ReconcileRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	unlock := r.locks.Lock(runID)
	defer unlock()

	lock, err := r.store.Lock(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("locking run %s: %w", runID, err)
	}
	defer lock.Release()

	rec, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !rec.State.Terminal() {
		return nil, fmt.Errorf("run %s is %s: %w", runID, rec.State, ErrRunNotFinished)
	}
	before := rec.Usage.Status()

	q := Query{Start: rec.StartedAt, End: rec.EndedAt}
	if rec.APIKeyRef != "" {
		q.APIKeyID = r.LookupKey(rec.APIKeyRef)
		if q.APIKeyID == "" {
			slog.Warn("api key reference is not set, querying organization-wide usage", "run_id", runID, "api_key_ref", rec.APIKeyRef)
		}
	}

	slog.Debug("querying usage API", "run_id", runID, "framework", rec.Framework, "start", q.Start, "end", q.End)
	report, err := r.source.Usage(ctx, q)
	if err != nil {
		telemetry.ReconcileErrorsTotal.Inc()
		return nil, fmt.Errorf("querying usage for run %s: %w", runID, err)
	}

	attempt := models.UsageAttempt{
		Timestamp:   r.Now().UTC(),
		UsageCounts: report.Total,
		PerStep:     Attribute(report.Buckets, rec.Steps),
	}
	updated, err := r.store.AppendAttempt(ctx, runID, attempt, r.minInterval)
	if err != nil {
		telemetry.ReconcileErrorsTotal.Inc()
		return nil, fmt.Errorf("recording usage attempt for run %s: %w", runID, err)
	}

	after := updated.Usage.Status()
	telemetry.ReconcileAttemptsTotal.WithLabelValues(string(after)).Inc()

	attrs := []any{
		"run_id", runID,
		"framework", updated.Framework,
		"attempt", len(updated.Usage.Attempts),
		"tokens_in", attempt.TokensIn,
		"tokens_out", attempt.TokensOut,
		"api_calls", attempt.APICalls,
		"status", after,
	}
	switch {
	case after == models.StatusWarning && before != models.StatusWarning:
		slog.Warn("usage decreased or changed after verification, run needs investigation", attrs...)
	case after != before:
		slog.Info("reconciliation status changed", append(attrs, "previous", before)...)
	default:
		slog.Debug("recorded usage attempt", attrs...)
	}
	return updated, nil
}

// PassOptions scope a reconciliation pass.
type PassOptions struct {
	Filter runstore.Filter
	// Force re-queries runs that are already Verified or in Warning.
	Force bool
}

// PassResult summarizes a reconciliation pass.
type PassResult struct {
	Reconciled int
	Skipped    int
	ByStatus   map[models.ReconciliationStatus]int
	Errors     map[string]error
}

// Pending returns finished runs whose usage is not yet verified.
func (r *Reconciler) Pending(ctx context.Context, f runstore.Filter) ([]*models.RunRecord, error) {
	runs, err := r.finished(ctx, f)
	if err != nil {
		return nil, err
	}
	var out []*models.RunRecord
	for _, rec := range runs {
		if rec.Usage.Status() != models.StatusVerified {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ReconcileAll runs one attempt for every finished run that still needs
// one. A failure on one run does not stop the others; per-run errors are
// returned in the result.
func (r *Reconciler) ReconcileAll(ctx context.Context, opts PassOptions) (*PassResult, error) {
	runs, err := r.finished(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}

	res := &PassResult{
		ByStatus: map[models.ReconciliationStatus]int{},
		Errors:   map[string]error{},
	}
	var targets []string
	for _, rec := range runs {
		st := rec.Usage.Status()
		if !opts.Force && (st == models.StatusVerified || st == models.StatusWarning) {
			res.Skipped++
			res.ByStatus[st]++
			continue
		}
		targets = append(targets, rec.RunID)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range targets {
		g.Go(func() error {
			updated, err := r.ReconcileRun(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("reconciling run failed", "run_id", id, "error", err)
				res.Errors[id] = err
				return nil
			}
			res.Reconciled++
			res.ByStatus[updated.Usage.Status()]++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	slog.Info("reconciliation pass finished",
		"reconciled", res.Reconciled,
		"skipped", res.Skipped,
		"failed", len(res.Errors),
		"verified", res.ByStatus[models.StatusVerified],
		"pending", res.ByStatus[models.StatusPending],
		"no_data_yet", res.ByStatus[models.StatusNoDataYet],
		"warning", res.ByStatus[models.StatusWarning],
	)
	return res, nil
}

func (r *Reconciler) finished(ctx context.Context, f runstore.Filter) ([]*models.RunRecord, error) {
	if len(f.States) == 0 {
		f.States = []models.RunState{models.RunCompleted, models.RunFailed}
	}
	runs, err := r.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	out := runs[:0]
	for _, rec := range runs {
		if rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FailedRunIDs returns the ids of the errored runs in a stable order.
func (p *PassResult) FailedRunIDs() []string {
	ids := make([]string, 0, len(p.Errors))
	for id := range p.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
