// Package history persists pipeline runs in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// ErrRunNotFound is returned by Get for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Trigger is what started a run.
type Trigger string

// Run triggers.
const (
	TriggerManual Trigger = "manual"
	TriggerWatch  Trigger = "watch"
)

// Status is the final state of a run.
type Status string

// Run statuses.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
	StatusSkipped Status = "skipped" // build requested while not ready
	StatusEmpty   Status = "empty"   // nothing to build
)

// Run is one pass of the detect, build and sync pipeline.
type Run struct {
	ID         string          `json:"id"`
	Root       string          `json:"root"`
	Trigger    Trigger         `json:"trigger"`
	Status     Status          `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Targets    int             `json:"targets"`
	Built      int             `json:"built"`
	Failed     int             `json:"failed"`
	Error      string          `json:"error,omitempty"`
	Packages   []PackageResult `json:"packages,omitempty"`
}

// PackageResult is the build outcome of one package within a run.
type PackageResult struct {
	Name     string        `json:"name"`
	Reason   string        `json:"reason"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// schema contains the DDL executed on first open. Using IF NOT EXISTS makes
// it safe to run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    root        TEXT NOT NULL,
    run_trigger TEXT NOT NULL,
    status      TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    targets     INTEGER NOT NULL DEFAULT 0,
    built       INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS runs_root_started ON runs (root, started_at);

CREATE TABLE IF NOT EXISTS package_results (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    reason      TEXT NOT NULL,
    status      TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT ''
);
`

// Store records runs in a SQLite database in WAL mode.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath, enables WAL mode and busy
// timeout, and creates the schema if needed.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// SQLite has a single writer; one connection keeps the PRAGMAs below in
	// effect for every query.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts a run and its package results in a single transaction.
// A run without an ID gets a new one.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const insertRun = `
		INSERT INTO runs (id, root, run_trigger, status, started_at, finished_at, targets, built, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertRun,
		run.ID, run.Root, string(run.Trigger), string(run.Status),
		formatTimestamp(run.StartedAt), formatTimestamp(run.FinishedAt),
		run.Targets, run.Built, run.Failed, run.Error,
	); err != nil {
		return "", fmt.Errorf("history: insert run %s: %w", run.ID, err)
	}

	if len(run.Packages) > 0 {
		const insertPkg = `
			INSERT INTO package_results (run_id, name, reason, status, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?)`
		stmt, err := tx.PrepareContext(ctx, insertPkg)
		if err != nil {
			return "", fmt.Errorf("history: prepare package insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range run.Packages {
			if _, err := stmt.ExecContext(ctx, run.ID, p.Name, p.Reason, p.Status, p.Duration.Milliseconds(), p.Error); err != nil {
				return "", fmt.Errorf("history: insert result for %s: %w", p.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("history: commit run: %w", err)
	}
	return run.ID, nil
}

// Recent returns up to limit runs for root, newest first. An empty root
// returns runs for every workspace.
func (s *Store) Recent(ctx context.Context, root string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	const cols = `SELECT id, root, run_trigger, status, started_at, finished_at, targets, built, failed, error FROM runs`
	var (
		rows *sql.Rows
		err  error
	)
	if root == "" {
		rows, err = s.db.QueryContext(ctx, cols+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, cols+` WHERE root = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, root, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	for i := range runs {
		pkgs, err := s.packages(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Packages = pkgs
	}
	return runs, nil
}

// Get returns a single run with its package results.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, root, run_trigger, status, started_at, finished_at, targets, built, failed, error FROM runs WHERE id = ?`, id)
	if err != nil {
		return Run{}, fmt.Errorf("history: query run %s: %w", id, err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run := runs[0]
	if run.Packages, err = s.packages(ctx, id); err != nil {
		return Run{}, err
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()

	var result []Run
	for rows.Next() {
		var r Run
		var trigger, status, started, finished string
		if err := rows.Scan(&r.ID, &r.Root, &trigger, &status, &started, &finished, &r.Targets, &r.Built, &r.Failed, &r.Error); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		r.Trigger = Trigger(trigger)
		r.Status = Status(status)
		var err error
		if r.StartedAt, err = parseTimestamp(started); err != nil {
			return nil, fmt.Errorf("history: parse start time: %w", err)
		}
		if r.FinishedAt, err = parseTimestamp(finished); err != nil {
			return nil, fmt.Errorf("history: parse finish time: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) packages(ctx context.Context, runID string) ([]PackageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, reason, status, duration_ms, error FROM package_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: query package results: %w", err)
	}
	defer rows.Close()

	var result []PackageResult
	for rows.Next() {
		var p PackageResult
		var ms int64
		if err := rows.Scan(&p.Name, &p.Reason, &p.Status, &ms, &p.Error); err != nil {
			return nil, fmt.Errorf("history: scan package result: %w", err)
		}
		p.Duration = time.Duration(ms) * time.Millisecond
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate package results: %w", err)
	}
	return result, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// storedLayout has a fixed-width fraction so stored timestamps sort
// lexically.
const storedLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timestampFormats lists the layouts accepted when reading timestamps back.
var timestampFormats = []string{
	storedLayout,
	time.RFC3339Nano,
	time.RFC3339,
	time.DateTime,
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(storedLayout)
}

// parseTimestamp attempts to parse a stored timestamp using known formats.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
