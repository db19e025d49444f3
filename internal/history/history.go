// Package history keeps a record of builds in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"hookbuild/internal/build"
	"hookbuild/internal/security"
)

// History manages build history in SQLite
type History struct {
	db *sql.DB
}

// NewHistory opens (creating if needed) the history database at dbPath.
func NewHistory(dbPath string) (*History, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), security.PermDirectory); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if dbPath != ":memory:" {
		if err := os.Chmod(dbPath, security.PermDBFile); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set database permissions: %w", err)
		}
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS builds (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id           TEXT NOT NULL,
		delivery         TEXT NOT NULL DEFAULT '',
		event            TEXT NOT NULL DEFAULT '',
		ref              TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		exit_code        INTEGER NOT NULL DEFAULT 0,
		started_at       TEXT NOT NULL,
		completed_at     TEXT,
		duration_seconds REAL,
		commit_hash      TEXT,
		error_message    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status)`,
}

func (h *History) initSchema() error {
	for _, stmt := range schema {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// RecordFor builds a history record from a finished job.
func RecordFor(job *build.Job, res *build.Result) *BuildRecord {
	record := &BuildRecord{
		JobID:     job.ID,
		Delivery:  job.Request.DeliveryID,
		Event:     job.Request.Event,
		Ref:       job.Request.Ref,
		Status:    StatusFailed,
		StartedAt: job.Started(),
	}
	if job.Request.Commit != "" {
		commit := job.Request.Commit
		record.CommitHash = &commit
	}
	if res == nil {
		return record
	}

	record.ExitCode = res.ExitCode
	seconds := res.Duration.Seconds()
	record.DurationSeconds = &seconds
	completed := record.StartedAt.Add(res.Duration)
	record.CompletedAt = &completed
	if res.Success {
		record.Status = StatusSuccess
	} else if res.Err != "" {
		msg := res.Err
		record.ErrorMessage = &msg
	}
	return record
}

// RecordBuild stores a record and returns its id.
func (h *History) RecordBuild(ctx context.Context, record *BuildRecord) (int64, error) {
	started := record.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	var completedAt *string
	if record.CompletedAt != nil {
		formatted := record.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &formatted
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO builds
		(job_id, delivery, event, ref, status, exit_code, started_at,
		 completed_at, duration_seconds, commit_hash, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.JobID,
		record.Delivery,
		record.Event,
		record.Ref,
		record.Status,
		record.ExitCode,
		started.UTC().Format(time.RFC3339),
		completedAt,
		record.DurationSeconds,
		record.CommitHash,
		record.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert build record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// Prune deletes all but the newest keep records and returns how many were
// removed. A keep of zero or less removes nothing.
func (h *History) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	result, err := h.db.ExecContext(ctx, `
		DELETE FROM builds
		WHERE id <= (SELECT id FROM builds ORDER BY id DESC LIMIT 1 OFFSET ?)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune build history: %w", err)
	}
	return result.RowsAffected()
}

// GetLatestBuild returns the most recent record, or nil when there is none.
func (h *History) GetLatestBuild(ctx context.Context) (*BuildRecord, error) {
	row := h.db.QueryRowContext(ctx, selectColumns+`
		FROM builds
		ORDER BY id DESC
		LIMIT 1
	`)

	record, err := scanBuildRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest build: %w", err)
	}

	return record, nil
}

// GetBuildHistory returns up to limit records, newest first.
func (h *History) GetBuildHistory(ctx context.Context, limit int) ([]BuildRecord, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		FROM builds
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query build history: %w", err)
	}
	defer rows.Close()

	records := []BuildRecord{}
	for rows.Next() {
		record, err := scanBuildRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// GetSummary returns per-status counts plus the latest limit records.
func (h *History) GetSummary(ctx context.Context, limit int) (*Summary, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count builds: %w", err)
	}
	defer rows.Close()

	summary := &Summary{Counts: map[string]int{}}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan build count: %w", err)
		}
		summary.Counts[status] = n
		summary.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	summary.Recent, err = h.GetBuildHistory(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(summary.Recent) > 0 {
		latest := summary.Recent[0]
		summary.Latest = &latest
	}

	return summary, nil
}

const selectColumns = `
		SELECT id, job_id, delivery, event, ref, status, exit_code, started_at,
		       completed_at, duration_seconds, commit_hash, error_message`

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBuildRecord(s scanner) (*BuildRecord, error) {
	var record BuildRecord
	var startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&record.ID,
		&record.JobID,
		&record.Delivery,
		&record.Event,
		&record.Ref,
		&record.Status,
		&record.ExitCode,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.CommitHash,
		&record.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	startedAt, err := time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &completedAt
	}

	return &record, nil
}
