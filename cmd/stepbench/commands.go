package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/spachava753/stepbench/internal/adapter"
	"github.com/spachava753/stepbench/internal/adapter/cliagent"
	"github.com/spachava753/stepbench/internal/adapter/service"
	"github.com/spachava753/stepbench/internal/config"
	"github.com/spachava753/stepbench/internal/executor"
	"github.com/spachava753/stepbench/internal/models"
	"github.com/spachava753/stepbench/internal/reconcile"
	"github.com/spachava753/stepbench/internal/runstore"
	"github.com/spachava753/stepbench/internal/source"
	"github.com/spachava753/stepbench/internal/stopping"
)

var (
	runReconcileSchedule string

	reconcileForce     bool
	reconcileRuns      []string
	reconcileSchedule  string
	reconcileFramework string

	pendingFramework string

	stopCheckFramework string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run [experiment.yaml]",
		Short: "Run the experiment until every framework's stopping rule is met",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runReconcileSchedule, "reconcile-schedule", "", "also reconcile usage on this cron schedule while running, e.g. \"@every 30m\"")
	rootCmd.AddCommand(runCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Query the usage API once for every finished run that is not verified",
		RunE:  runReconcile,
	}
	reconcileCmd.Flags().BoolVar(&reconcileForce, "force", false, "re-query runs that are already verified or in warning")
	reconcileCmd.Flags().StringSliceVar(&reconcileRuns, "run", nil, "reconcile only these run ids")
	reconcileCmd.Flags().StringVar(&reconcileSchedule, "schedule", "", "repeat the pass on this cron schedule until interrupted")
	reconcileCmd.Flags().StringVar(&reconcileFramework, "framework", "", "filter by framework")
	rootCmd.AddCommand(reconcileCmd)

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List finished runs whose usage is not verified",
		RunE:  runPending,
	}
	pendingCmd.Flags().StringVar(&pendingFramework, "framework", "", "filter by framework")
	rootCmd.AddCommand(pendingCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize runs per framework and reconciliation status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	stopCheckCmd := &cobra.Command{
		Use:   "stop-check",
		Short: "Evaluate the stopping rule and print the confidence intervals",
		RunE:  runStopCheck,
	}
	stopCheckCmd.Flags().StringVar(&stopCheckFramework, "framework", "", "framework to evaluate (default: all)")
	rootCmd.AddCommand(stopCheckCmd)
}

// loadExperiment loads the config and applies its log level unless the
// flag was given.
func loadExperiment(cmd *cobra.Command) (models.ExperimentConfig, error) {
	cfg, err := config.LoadExperimentConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		if err := setLogLevel(cfg.LogLevel); err != nil {
			return cfg, err
		}
	}
	if metricsAddr != "" {
		serveMetrics(cmd.Context(), metricsAddr)
	}
	return cfg, nil
}

func openStore(cfg models.ExperimentConfig) (runstore.Store, error) {
	store, err := runstore.Open(cfg.Storage, cfg.RunsDir)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	return store, nil
}

func newRegistry() *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(cliagent.Name, cliagent.New)
	r.Register(service.Name, service.New)
	return r
}

func newReconciler(cfg models.ExperimentConfig, store runstore.Store) (*reconcile.Reconciler, error) {
	client, err := reconcile.NewClient(cfg.Usage)
	if err != nil {
		return nil, err
	}
	minInterval := time.Duration(cfg.Usage.MinIntervalMin * float64(time.Minute))
	return reconcile.New(store, client, minInterval, 4), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		configPath = args[0]
	}
	cfg, err := loadExperiment(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := executor.NewExperimentOrchestrator(cfg, store, newRegistry())
	if err != nil {
		return err
	}
	resolver, err := source.NewResolver(filepath.Join(cfg.RunsDir, ".sources"))
	if err != nil {
		return err
	}
	if err := orch.PrepareSources(ctx, resolver); err != nil {
		return err
	}

	if runReconcileSchedule != "" {
		rec, err := newReconciler(cfg, store)
		if err != nil {
			return err
		}
		if _, err := reconcile.ParseSchedule(runReconcileSchedule); err != nil {
			return err
		}
		stop := startScheduled(ctx, rec, runReconcileSchedule, reconcile.PassOptions{
			Filter: runstore.Filter{Experiment: cfg.Name},
		})
		defer stop()
	}

	result, err := orch.Run(ctx)
	if result != nil {
		printExperiment(result)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, s := range result.Frameworks {
		failed += s.FailedRuns
	}
	if result.Cancelled {
		return errors.New("experiment cancelled")
	}
	if failed > 0 {
		return fmt.Errorf("experiment finished with %d failed runs", failed)
	}
	return nil
}

func printExperiment(res *models.ExperimentResult) {
	fmt.Printf("\nExperiment: %s\n", res.Name)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FRAMEWORK\tRUNS\tCOMPLETED\tFAILED\tVERIFIED\tSTOP REASON")
	for _, name := range sortedKeys(res.Frameworks) {
		s := res.Frameworks[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", name, s.Runs, s.CompletedRuns, s.FailedRuns, s.VerifiedRuns, s.StopReason)
	}
	w.Flush()
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadExperiment(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := newReconciler(cfg, store)
	if err != nil {
		return err
	}

	if len(reconcileRuns) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tSTATUS\tATTEMPTS\tTOKENS IN\tTOKENS OUT")
		var failed int
		for _, id := range reconcileRuns {
			updated, err := rec.ReconcileRun(ctx, id)
			if err != nil {
				fmt.Fprintf(w, "%s\terror: %v\t\t\t\n", id, err)
				failed++
				continue
			}
			latest, _ := updated.Usage.Latest()
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", id, updated.Usage.Status(), len(updated.Usage.Attempts), latest.TokensIn, latest.TokensOut)
		}
		w.Flush()
		if failed > 0 {
			return fmt.Errorf("%d runs could not be reconciled", failed)
		}
		return nil
	}

	opts := reconcile.PassOptions{
		Filter: runstore.Filter{Experiment: cfg.Name, Framework: reconcileFramework},
		Force:  reconcileForce,
	}
	if reconcileSchedule != "" {
		return rec.RunScheduled(ctx, reconcileSchedule, opts)
	}

	res, err := rec.ReconcileAll(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Printf("reconciled %d runs, skipped %d: %d verified, %d pending, %d no data yet, %d warning\n",
		res.Reconciled, res.Skipped,
		res.ByStatus[models.StatusVerified], res.ByStatus[models.StatusPending],
		res.ByStatus[models.StatusNoDataYet], res.ByStatus[models.StatusWarning])
	if ids := res.FailedRunIDs(); len(ids) > 0 {
		for _, id := range ids {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, res.Errors[id])
		}
		return fmt.Errorf("%d runs could not be reconciled", len(ids))
	}
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	cfg, err := loadExperiment(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Listing pending runs needs no usage API access.
	rec := reconcile.New(store, nil, time.Duration(cfg.Usage.MinIntervalMin*float64(time.Minute)), 1)
	runs, err := rec.Pending(cmd.Context(), runstore.Filter{Experiment: cfg.Name, Framework: pendingFramework})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tFRAMEWORK\tSTATE\tSTATUS\tATTEMPTS\tLAST ATTEMPT\tENDED")
	for _, r := range runs {
		last := "-"
		if a, ok := r.Usage.Latest(); ok {
			last = a.Timestamp.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.RunID, r.Framework, r.State, r.Usage.Status(), len(r.Usage.Attempts), last, r.EndedAt.Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadExperiment(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(cmd.Context(), runstore.Filter{Experiment: cfg.Name})
	if err != nil {
		return err
	}

	type counts struct {
		states   map[models.RunState]int
		statuses map[models.ReconciliationStatus]int
	}
	byFramework := map[string]*counts{}
	for _, r := range runs {
		c, ok := byFramework[r.Framework]
		if !ok {
			c = &counts{states: map[models.RunState]int{}, statuses: map[models.ReconciliationStatus]int{}}
			byFramework[r.Framework] = c
		}
		c.states[r.State]++
		if r.State.Terminal() {
			c.statuses[r.Usage.Status()]++
		}
	}

	fmt.Printf("Experiment: %s (%d runs)\n", cfg.Name, len(runs))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FRAMEWORK\tCOMPLETED\tFAILED\tIN PROGRESS\tNO DATA\tPENDING\tVERIFIED\tWARNING")
	for _, name := range sortedKeys(byFramework) {
		c := byFramework[name]
		inProgress := 0
		for st, n := range c.states {
			if !st.Terminal() {
				inProgress += n
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", name,
			c.states[models.RunCompleted], c.states[models.RunFailed], inProgress,
			c.statuses[models.StatusNoDataYet], c.statuses[models.StatusPending],
			c.statuses[models.StatusVerified], c.statuses[models.StatusWarning])
	}
	w.Flush()
	return nil
}

func runStopCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadExperiment(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var frameworks []string
	for _, ref := range cfg.Frameworks {
		if stopCheckFramework == "" || ref.Name == stopCheckFramework {
			frameworks = append(frameworks, ref.Name)
		}
	}
	if len(frameworks) == 0 {
		return fmt.Errorf("framework %q is not part of experiment %s", stopCheckFramework, cfg.Name)
	}

	rule := stopping.New(cfg.Stopping, nil)
	for _, name := range frameworks {
		runs, err := store.List(cmd.Context(), runstore.Filter{Experiment: cfg.Name, Framework: name})
		if err != nil {
			return err
		}
		d := rule.EvaluateRuns(runs)
		fmt.Printf("%s: %s\n", name, d)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  METRIC\tN\tMEAN\t%.0f%% CI\tHALF-WIDTH\tTARGET\tCONVERGED\n", cfg.Stopping.Confidence*100)
		for _, m := range d.Metrics {
			fmt.Fprintf(w, "  %s\t%d\t%.4g\t[%.4g, %.4g]\t%.2f%%\t%.2f%%\t%t\n",
				m.Name, m.Samples, m.Mean, m.Lower, m.Upper, m.HalfWidthPct, m.MaxHalfWidthPct, m.Converged)
		}
		w.Flush()
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type scheduledPasses interface {
	RunScheduled(ctx context.Context, expr string, opts reconcile.PassOptions) error
}

// startScheduled runs reconciliation passes in the background. The returned
// stop cancels the schedule and blocks until the in-flight pass returns, so
// the store can be closed afterwards.
func startScheduled(ctx context.Context, rec scheduledPasses, expr string, opts reconcile.PassOptions) (stop func()) {
	bgCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := rec.RunScheduled(bgCtx, expr, opts); err != nil {
			slog.Error("scheduled reconciliation stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
