package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/fetcher/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_status (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    stage      TEXT NOT NULL DEFAULT '',
    progress   INTEGER NOT NULL DEFAULT 0,
    runs       INTEGER NOT NULL DEFAULT 0,
    error      TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_job_status_status ON job_status(status);
`

// Repository implements domain.StatusRepository using SQLite. Every
// reported status and progress checkpoint is upserted into one row per job.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.StatusRepository = (*Repository)(nil)

// New opens the ledger, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Concurrent jobs write here; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// EmitStatus records status for jobID. Entering running or resumable
// counts as a new run; detail is kept as the row's error text.
func (r *Repository) EmitStatus(ctx context.Context, jobID string, status domain.Status, detail string) error {
	runs := 0
	if status == domain.StatusRunning || status == domain.StatusResumable {
		runs = 1
	}
	now := r.now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_status (id, status, runs, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     status = excluded.status,
		     runs = runs + excluded.runs,
		     error = excluded.error,
		     updated_at = excluded.updated_at`,
		jobID, string(status), runs, detail, now, now,
	)
	if err != nil {
		return fmt.Errorf("record status %s for %s: %w", status, jobID, err)
	}
	return nil
}

// EmitProgress records the latest progress checkpoint for jobID.
func (r *Repository) EmitProgress(ctx context.Context, jobID string, stage domain.Stage, percent int) error {
	now := r.now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_status (id, status, stage, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     stage = excluded.stage,
		     progress = excluded.progress,
		     updated_at = excluded.updated_at`,
		jobID, string(domain.StatusRunning), string(stage), percent, now, now,
	)
	if err != nil {
		return fmt.Errorf("record progress for %s: %w", jobID, err)
	}
	return nil
}

// Get retrieves the ledger row for jobID.
func (r *Repository) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, status, stage, progress, runs, error, created_at, updated_at
		 FROM job_status WHERE id = ?`, jobID,
	)
	return scanRecord(row)
}

// RecoverStale resets jobs left mid-run by a crash back to init so the
// ledger does not report them as running forever.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE job_status SET status = ?, error = 'recovered after crash', updated_at = ?
		 WHERE status NOT IN (?, ?, ?, ?)`,
		string(domain.StatusInit), r.now(),
		string(domain.StatusInit), string(domain.StatusDone),
		string(domain.StatusStalled), string(domain.StatusFailed),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.JobRecord, error) {
	var rec domain.JobRecord
	var status, stage string
	err := row.Scan(&rec.ID, &status, &stage, &rec.Progress, &rec.Runs, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = domain.Status(status)
	rec.Stage = domain.Stage(stage)
	return &rec, nil
}
