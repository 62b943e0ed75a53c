// Package runstore persists run records. The usage reconciliation trail of
// a stored record only ever grows through AppendAttempt.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spachava753/stepbench/internal/flock"
	"github.com/spachava753/stepbench/internal/models"
)

// ErrNotFound is returned when no run has the requested id.
var ErrNotFound = errors.New("run not found")

// Filter selects runs in List. Zero fields match everything.
type Filter struct {
	Experiment string
	Framework  string
	States     []models.RunState
}

func (f Filter) match(r *models.RunRecord) bool {
	if f.Experiment != "" && r.Experiment != f.Experiment {
		return false
	}
	if f.Framework != "" && r.Framework != f.Framework {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	return true
}

// Store persists run records.
type Store interface {
	// Save writes the record. Attempts already stored for the run are kept;
	// the record's own attempts are only written for a new run.
	Save(ctx context.Context, rec *models.RunRecord) error

	// Load returns the run with the given id or ErrNotFound.
	Load(ctx context.Context, runID string) (*models.RunRecord, error)

	// List returns matching runs ordered by start time.
	List(ctx context.Context, f Filter) ([]*models.RunRecord, error)

	// AppendAttempt adds a usage observation to the run's trail and returns
	// the updated record.
	AppendAttempt(ctx context.Context, runID string, a models.UsageAttempt, minInterval time.Duration) (*models.RunRecord, error)

	// Lock takes the cross-process lock serializing writers of one run.
	Lock(ctx context.Context, runID string) (*flock.Lock, error)

	Close() error
}

// Open returns the store selected by cfg. runsDir is the root for the file
// store and for lock files.
func Open(cfg models.StorageConfig, runsDir string) (Store, error) {
	switch cfg.Type {
	case models.StorageFile, "":
		return NewFileStore(runsDir)
	case models.StorageSQLite:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(runsDir, "runs.db")
		}
		return NewSQLiteStore(path, filepath.Join(runsDir, ".locks"))
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func lockPath(dir, runID string) string {
	return filepath.Join(dir, runID+".lock")
}

func sortRecords(recs []*models.RunRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.Before(recs[j].StartedAt)
		}
		return recs[i].RunID < recs[j].RunID
	})
}

// validateID accepts ids that name exactly one directory. Glob
// metacharacters are rejected since the file store looks runs up by pattern.
func validateID(runID string) error {
	if runID == "" || filepath.Base(runID) != runID || runID == "." || runID == ".." ||
		strings.ContainsAny(runID, `*?[\`) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}
