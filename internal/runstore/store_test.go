package runstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spachava753/stepbench/internal/models"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fileStore, err := Open(models.StorageConfig{Type: models.StorageFile}, filepath.Join(dir, "file"))
	if err != nil {
		t.Fatalf("opening file store: %v", err)
	}
	sqliteStore, err := Open(models.StorageConfig{Type: models.StorageSQLite}, filepath.Join(dir, "sqlite"))
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	t.Cleanup(func() {
		fileStore.Close()
		sqliteStore.Close()
	})
	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func record(id, framework string, offset time.Duration, state models.RunState) *models.RunRecord {
	return &models.RunRecord{
		RunID:      id,
		Experiment: "exp",
		Framework:  framework,
		Adapter:    "cliagent",
		State:      state,
		StartedAt:  base.Add(offset),
		EndedAt:    base.Add(offset + time.Minute),
		Steps: []models.StepResult{
			{StepID: 1, Name: "one", Success: true, TokensIn: 10},
			{StepID: 3, Name: "three", Success: true, TokensIn: 20},
		},
		Aggregate: models.AggregateMetrics{models.MetricUTT: 2, models.MetricAUTR: 1},
	}
}

func TestSaveLoadList(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, rec := range []*models.RunRecord{
				record("r2", "alpha", 2*time.Minute, models.RunCompleted),
				record("r1", "alpha", time.Minute, models.RunFailed),
				record("r3", "beta", 3*time.Minute, models.RunCompleted),
			} {
				if err := s.Save(ctx, rec); err != nil {
					t.Fatalf("Save(%s): %v", rec.RunID, err)
				}
			}

			got, err := s.Load(ctx, "r1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Framework != "alpha" || got.State != models.RunFailed || len(got.Steps) != 2 || got.Steps[1].StepID != 3 {
				t.Errorf("loaded %+v", got)
			}
			if got.Aggregate[models.MetricUTT] != 2 {
				t.Errorf("aggregate = %v", got.Aggregate)
			}

			all, err := s.List(ctx, Filter{})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if ids := runIDs(all); ids != "r1,r2,r3" {
				t.Errorf("List order = %s", ids)
			}

			alpha, _ := s.List(ctx, Filter{Framework: "alpha", States: []models.RunState{models.RunCompleted}})
			if ids := runIDs(alpha); ids != "r2" {
				t.Errorf("filtered = %s", ids)
			}

			other, _ := s.List(ctx, Filter{Experiment: "other"})
			if len(other) != 0 {
				t.Errorf("experiment filter returned %d runs", len(other))
			}

			if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAppendAttemptIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Save(ctx, record("r1", "alpha", 0, models.RunCompleted)); err != nil {
				t.Fatal(err)
			}

			counts := models.UsageCounts{TokensIn: 1000, TokensOut: 500}
			for i := 0; i < 3; i++ {
				a := models.UsageAttempt{
					Timestamp:   base.Add(time.Duration(i) * 45 * time.Minute),
					UsageCounts: counts,
					PerStep:     map[int]models.UsageCounts{1: {TokensIn: 400}, 3: {TokensIn: 600}},
				}
				rec, err := s.AppendAttempt(ctx, "r1", a, time.Hour)
				if err != nil {
					t.Fatalf("AppendAttempt %d: %v", i, err)
				}
				if len(rec.Usage.Attempts) != i+1 {
					t.Fatalf("after %d appends got %d attempts", i+1, len(rec.Usage.Attempts))
				}
			}

			// Re-saving the run must not drop the trail.
			if err := s.Save(ctx, record("r1", "alpha", 0, models.RunCompleted)); err != nil {
				t.Fatal(err)
			}
			rec, err := s.Load(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if len(rec.Usage.Attempts) != 3 {
				t.Fatalf("attempts after re-save = %d", len(rec.Usage.Attempts))
			}
			if rec.Usage.MinInterval != time.Hour {
				t.Errorf("MinInterval = %s", rec.Usage.MinInterval)
			}
			if rec.Usage.Status() != models.StatusVerified {
				t.Errorf("status = %s, want verified", rec.Usage.Status())
			}
			if !rec.Usage.Attempts[2].Timestamp.Equal(base.Add(90 * time.Minute)) {
				t.Errorf("attempt order broken: %v", rec.Usage.Attempts[2].Timestamp)
			}
			if rec.Usage.Attempts[0].PerStep[3].TokensIn != 600 {
				t.Errorf("per-step breakdown = %v", rec.Usage.Attempts[0].PerStep)
			}

			if _, err := s.AppendAttempt(ctx, "missing", models.UsageAttempt{}, time.Hour); !errors.Is(err, ErrNotFound) {
				t.Errorf("AppendAttempt missing = %v", err)
			}
		})
	}
}

func TestLockSerializesRun(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l, err := s.Lock(ctx, "r1")
			if err != nil {
				t.Fatalf("Lock: %v", err)
			}
			waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			if _, err := s.Lock(waitCtx, "r1"); err == nil {
				t.Fatal("second Lock on the same run should block")
			}
			other, err := s.Lock(ctx, "r2")
			if err != nil {
				t.Fatalf("Lock on another run: %v", err)
			}
			other.Release()
			l.Release()

			if _, err := s.Lock(ctx, "../escape"); err == nil {
				t.Error("expected invalid id error")
			}
		})
	}
}

func TestSQLiteRejectsAttemptUpdates(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Save(ctx, record("r1", "alpha", 0, models.RunCompleted)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendAttempt(ctx, "r1", models.UsageAttempt{Timestamp: base}, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM usage_attempts`); err == nil {
		t.Error("delete on usage_attempts should be rejected")
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE usage_attempts SET tokens_in = 5`); err == nil {
		t.Error("update on usage_attempts should be rejected")
	}
}

func runIDs(recs []*models.RunRecord) string {
	out := ""
	for i, r := range recs {
		if i > 0 {
			out += ","
		}
		out += r.RunID
	}
	return out
}

func TestPatternIDsDoNotMatchOtherRuns(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Save(ctx, record("r1", "alpha", 0, models.RunCompleted)); err != nil {
				t.Fatal(err)
			}
			for _, id := range []string{"*", "r?", "r[0-9]", `r\1`} {
				if _, err := s.Load(ctx, id); err == nil {
					t.Errorf("Load(%q) succeeded", id)
				}
				a := models.UsageAttempt{Timestamp: base, UsageCounts: models.UsageCounts{TokensIn: 1}}
				if _, err := s.AppendAttempt(ctx, id, a, time.Hour); err == nil {
					t.Errorf("AppendAttempt(%q) succeeded", id)
				}
			}
			rec, err := s.Load(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if len(rec.Usage.Attempts) != 0 {
				t.Errorf("r1 gained %d attempts through a pattern id", len(rec.Usage.Attempts))
			}
		})
	}
}
