package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spachava753/stepbench/internal/flock"
	"github.com/spachava753/stepbench/internal/models"
)

// RecordFile is the name of the record inside a run directory.
const RecordFile = "run.json"

// FileStore keeps each run as runs_dir/<framework>/<run_id>/run.json.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating runs dir: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// RunDir returns the directory owned by a run.
func (s *FileStore) RunDir(framework, runID string) string {
	return filepath.Join(s.root, framework, runID)
}

func (s *FileStore) find(runID string) (string, error) {
	if err := validateID(runID); err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "*", runID, RecordFile))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return matches[0], nil
}

// Save writes the record atomically.
func (s *FileStore) Save(ctx context.Context, rec *models.RunRecord) error {
	if err := validateID(rec.RunID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.RunDir(rec.Framework, rec.RunID), RecordFile)
	out := *rec
	if existing, err := readRecord(path); err == nil {
		out.Usage.Attempts = existing.Usage.Attempts
		if out.Usage.MinInterval == 0 {
			out.Usage.MinInterval = existing.Usage.MinInterval
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return writeRecord(path, &out)
}

// Load reads a run by id.
func (s *FileStore) Load(ctx context.Context, runID string) (*models.RunRecord, error) {
	path, err := s.find(runID)
	if err != nil {
		return nil, err
	}
	return readRecord(path)
}

// List walks the runs directory.
func (s *FileStore) List(ctx context.Context, f Filter) ([]*models.RunRecord, error) {
	pattern := filepath.Join(s.root, "*", "*", RecordFile)
	if f.Framework != "" {
		pattern = filepath.Join(s.root, f.Framework, "*", RecordFile)
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var recs []*models.RunRecord
	for _, p := range paths {
		rec, err := readRecord(p)
		if err != nil {
			return nil, err
		}
		if f.match(rec) {
			recs = append(recs, rec)
		}
	}
	sortRecords(recs)
	return recs, nil
}

// AppendAttempt rewrites run.json with one more attempt.
func (s *FileStore) AppendAttempt(ctx context.Context, runID string, a models.UsageAttempt, minInterval time.Duration) (*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.find(runID)
	if err != nil {
		return nil, err
	}
	rec, err := readRecord(path)
	if err != nil {
		return nil, err
	}
	rec.Usage.Attempts = append(rec.Usage.Attempts, a)
	rec.Usage.MinInterval = minInterval
	if err := writeRecord(path, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Lock takes runs_dir/.locks/<run_id>.lock.
func (s *FileStore) Lock(ctx context.Context, runID string) (*flock.Lock, error) {
	if err := validateID(runID); err != nil {
		return nil, err
	}
	return flock.Acquire(ctx, lockPath(filepath.Join(s.root, ".locks"), runID))
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func readRecord(path string) (*models.RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec models.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &rec, nil
}

func writeRecord(path string, rec *models.RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".run-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing run record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing run record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing run record: %w", err)
	}
	return nil
}
