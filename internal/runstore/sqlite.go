package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spachava753/stepbench/internal/flock"
	"github.com/spachava753/stepbench/internal/models"

	_ "modernc.org/sqlite"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	experiment      TEXT NOT NULL,
	framework       TEXT NOT NULL,
	state           TEXT NOT NULL,
	started_at_unix INTEGER NOT NULL DEFAULT 0,
	min_interval_ns INTEGER NOT NULL DEFAULT 0,
	record_json     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_framework ON runs(experiment, framework, started_at_unix);

CREATE TABLE IF NOT EXISTS usage_attempts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL REFERENCES runs(run_id),
	seq_no          INTEGER NOT NULL,
	observed_at     TEXT NOT NULL,
	tokens_in       INTEGER NOT NULL DEFAULT 0,
	tokens_out      INTEGER NOT NULL DEFAULT 0,
	api_calls       INTEGER NOT NULL DEFAULT 0,
	cached_tokens   INTEGER NOT NULL DEFAULT 0,
	per_step_json   TEXT NOT NULL DEFAULT '{}',
	UNIQUE(run_id, seq_no)
);

CREATE TRIGGER IF NOT EXISTS usage_attempts_no_update BEFORE UPDATE ON usage_attempts
BEGIN
	SELECT RAISE(ABORT, 'usage attempts are append-only');
END;
CREATE TRIGGER IF NOT EXISTS usage_attempts_no_delete BEFORE DELETE ON usage_attempts
BEGIN
	SELECT RAISE(ABORT, 'usage attempts are append-only');
END;
`

// SQLiteStore keeps run records in a SQLite database. Usage attempts live
// in their own append-only table.
type SQLiteStore struct {
	db      *sql.DB
	lockDir string
}

// NewSQLiteStore opens (and migrates) the database at path. Run locks are
// files under lockDir.
func NewSQLiteStore(path, lockDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// WAL allows concurrent readers but a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLiteStore{db: db, lockDir: lockDir}, nil
}

// Save upserts the run row. Stored attempts are never touched; a new run's
// attempts are inserted.
func (s *SQLiteStore) Save(ctx context.Context, rec *models.RunRecord) error {
	if err := validateID(rec.RunID); err != nil {
		return err
	}
	body := *rec
	body.Usage.Attempts = nil
	data, err := json.Marshal(&body)
	if err != nil {
		return fmt.Errorf("marshaling run record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = ?)`, rec.RunID).Scan(&exists); err != nil {
		return fmt.Errorf("checking run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, experiment, framework, state, started_at_unix, min_interval_ns, record_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			experiment = excluded.experiment,
			framework = excluded.framework,
			state = excluded.state,
			started_at_unix = excluded.started_at_unix,
			min_interval_ns = CASE WHEN excluded.min_interval_ns > 0 THEN excluded.min_interval_ns ELSE runs.min_interval_ns END,
			record_json = excluded.record_json
	`, rec.RunID, rec.Experiment, rec.Framework, string(rec.State), rec.StartedAt.UnixNano(), int64(rec.Usage.MinInterval), string(data))
	if err != nil {
		return fmt.Errorf("saving run %s: %w", rec.RunID, err)
	}

	if !exists {
		for i, a := range rec.Usage.Attempts {
			if err := insertAttempt(ctx, tx, rec.RunID, i+1, a); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Load reads a run and its attempts.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record_json, min_interval_ns FROM runs WHERE run_id = ?`, runID)
	rec, err := s.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAttempts(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List queries runs by experiment and framework; states are filtered after.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*models.RunRecord, error) {
	query := `SELECT record_json, min_interval_ns FROM runs WHERE 1=1`
	var args []any
	if f.Experiment != "" {
		query += " AND experiment = ?"
		args = append(args, f.Experiment)
	}
	if f.Framework != "" {
		query += " AND framework = ?"
		args = append(args, f.Framework)
	}
	query += " ORDER BY started_at_unix, run_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	var recs []*models.RunRecord
	for rows.Next() {
		rec, err := s.scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if f.match(rec) {
			recs = append(recs, rec)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Attempts are loaded after the cursor closes; the pool has one connection.
	for _, rec := range recs {
		if err := s.loadAttempts(ctx, rec); err != nil {
			return nil, err
		}
	}
	sortRecords(recs)
	return recs, nil
}

// AppendAttempt inserts the next attempt for the run.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, runID string, a models.UsageAttempt, minInterval time.Duration) (*models.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(a.seq_no), 0) + 1 FROM runs r
		LEFT JOIN usage_attempts a ON a.run_id = r.run_id
		WHERE r.run_id = ? GROUP BY r.run_id`, runID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading attempt sequence: %w", err)
	}

	if err := insertAttempt(ctx, tx, runID, next, a); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET min_interval_ns = ? WHERE run_id = ?`, int64(minInterval), runID); err != nil {
		return nil, fmt.Errorf("updating min interval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.Load(ctx, runID)
}

// Lock takes the run's lock file under the store's lock directory.
func (s *SQLiteStore) Lock(ctx context.Context, runID string) (*flock.Lock, error) {
	if err := validateID(runID); err != nil {
		return nil, err
	}
	return flock.Acquire(ctx, lockPath(s.lockDir, runID))
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRun(row rowScanner) (*models.RunRecord, error) {
	var data string
	var minInterval int64
	if err := row.Scan(&data, &minInterval); err != nil {
		return nil, err
	}
	var rec models.RunRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("parsing run record: %w", err)
	}
	rec.Usage.MinInterval = time.Duration(minInterval)
	return &rec, nil
}

func (s *SQLiteStore) loadAttempts(ctx context.Context, rec *models.RunRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT observed_at, tokens_in, tokens_out, api_calls, cached_tokens, per_step_json
		FROM usage_attempts WHERE run_id = ? ORDER BY seq_no`, rec.RunID)
	if err != nil {
		return fmt.Errorf("loading attempts: %w", err)
	}
	defer rows.Close()

	rec.Usage.Attempts = nil
	for rows.Next() {
		var a models.UsageAttempt
		var observed, perStep string
		if err := rows.Scan(&observed, &a.TokensIn, &a.TokensOut, &a.APICalls, &a.CachedTokens, &perStep); err != nil {
			return fmt.Errorf("scanning attempt: %w", err)
		}
		if a.Timestamp, err = time.Parse(time.RFC3339Nano, observed); err != nil {
			return fmt.Errorf("parsing attempt time: %w", err)
		}
		if err := json.Unmarshal([]byte(perStep), &a.PerStep); err != nil {
			return fmt.Errorf("parsing per-step breakdown: %w", err)
		}
		rec.Usage.Attempts = append(rec.Usage.Attempts, a)
	}
	return rows.Err()
}

func insertAttempt(ctx context.Context, tx *sql.Tx, runID string, seq int, a models.UsageAttempt) error {
	perStep, err := json.Marshal(a.PerStep)
	if err != nil {
		return fmt.Errorf("marshaling per-step breakdown: %w", err)
	}
	if a.PerStep == nil {
		perStep = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_attempts (run_id, seq_no, observed_at, tokens_in, tokens_out, api_calls, cached_tokens, per_step_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, a.Timestamp.UTC().Format(time.RFC3339Nano), a.TokensIn, a.TokensOut, a.APICalls, a.CachedTokens, string(perStep))
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	return nil
}
