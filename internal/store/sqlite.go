package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rvail/pgarc/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    kind              TEXT NOT NULL,
    source_kind       TEXT NOT NULL,
    name              TEXT NOT NULL,
    status            TEXT NOT NULL,
    targets           INTEGER NOT NULL DEFAULT 0,
    completed_targets INTEGER NOT NULL DEFAULT 0,
    fail_fast         INTEGER NOT NULL DEFAULT 1,
    error             TEXT,
    timeout_s         INTEGER,
    duration_ms       INTEGER,
    restore_of        TEXT,
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    finished_at       DATETIME
)`

const createBackupsTable = `
CREATE TABLE IF NOT EXISTS backups (
    id           TEXT PRIMARY KEY,
    job_id       TEXT NOT NULL,
    target       TEXT NOT NULL,
    path         TEXT NOT NULL,
    raw_bytes    INTEGER NOT NULL,
    stored_bytes INTEGER NOT NULL,
    sha256       TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`

const createJobLogsTable = `
CREATE TABLE IF NOT EXISTS job_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

// ErrNotFound is returned when a job or backup is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createBackupsTable, createJobLogsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, kind, source_kind, name, status, targets, completed_targets,
			fail_fast, error, timeout_s, duration_ms, restore_of,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, j.SourceKind, j.Name, j.Status, j.Targets, j.CompletedTargets,
		j.FailFast, j.Error, j.TimeoutS, j.DurationMS, j.RestoreOf,
		j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j := &model.Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, source_kind, name, status, targets, completed_targets,
			fail_fast, COALESCE(error, ''), timeout_s, duration_ms, COALESCE(restore_of, ''),
			created_at, started_at, finished_at
		FROM jobs WHERE id = ?`, id,
	).Scan(
		&j.ID, &j.Kind, &j.SourceKind, &j.Name, &j.Status, &j.Targets, &j.CompletedTargets,
		&j.FailFast, &j.Error, &j.TimeoutS, &j.DurationMS, &j.RestoreOf,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC, along
// with the total count of all jobs. A non-positive limit returns all rows.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	if limit <= 0 {
		limit = -1
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind, source_kind, name, status, targets, completed_targets,
			fail_fast, COALESCE(error, ''), timeout_s, duration_ms, COALESCE(restore_of, ''),
			created_at, started_at, finished_at
		FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		if err := rows.Scan(
			&j.ID, &j.Kind, &j.SourceKind, &j.Name, &j.Status, &j.Targets, &j.CompletedTargets,
			&j.FailFast, &j.Error, &j.TimeoutS, &j.DurationMS, &j.RestoreOf,
			&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobStatus updates the status of a job, enforcing the model transition
// table. For terminal statuses (killed, completed, failed), it also sets
// finished_at.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if status == model.StatusKilled || status == model.StatusCompleted || status == model.StatusFailed {
		_, err = s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		if status == model.StatusRunning {
			_, err = s.db.ExecContext(ctx,
				"UPDATE jobs SET status = ?, started_at = ? WHERE id = ?",
				status, time.Now().UTC(), id,
			)
		} else {
			_, err = s.db.ExecContext(ctx,
				"UPDATE jobs SET status = ? WHERE id = ?",
				status, id,
			)
		}
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	return nil
}

// UpdateJob updates the mutable fields of a job record.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, targets = ?, completed_targets = ?, error = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		j.Status, j.Targets, j.CompletedTargets, j.Error,
		j.DurationMS, j.StartedAt, j.FinishedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetJobStats returns aggregate statistics across all jobs and backups.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, kind, COUNT(*) FROM jobs GROUP BY status, kind")
	if err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, kind string
		var count int
		if err := rows.Scan(&status, &kind, &count); err != nil {
			return nil, fmt.Errorf("scan job aggregate: %w", err)
		}
		stats.Total += count
		stats.CountByStatus[status] += count
		stats.CountByKind[kind] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job aggregates: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(duration_ms), 0) FROM jobs WHERE duration_ms IS NOT NULL",
	).Scan(&stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(stored_bytes), 0) FROM backups",
	).Scan(&stats.StoredBytes); err != nil {
		return nil, fmt.Errorf("sum stored bytes: %w", err)
	}

	return stats, nil
}

// CreateBackup inserts a catalog entry for a produced backup.
func (s *SQLiteStore) CreateBackup(ctx context.Context, b *model.Backup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (id, job_id, target, path, raw_bytes, stored_bytes, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.JobID, b.Target, b.Path, b.RawBytes, b.StoredBytes, b.SHA256, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a catalog entry by ID.
func (s *SQLiteStore) GetBackup(ctx context.Context, id string) (*model.Backup, error) {
	b := &model.Backup{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, target, path, raw_bytes, stored_bytes, sha256, created_at
		FROM backups WHERE id = ?`, id,
	).Scan(&b.ID, &b.JobID, &b.Target, &b.Path, &b.RawBytes, &b.StoredBytes, &b.SHA256, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

// ListBackups returns a paginated list of catalog entries ordered by
// created_at DESC, optionally filtered by job ID, along with the total count
// for the filter. A non-positive limit returns all rows.
func (s *SQLiteStore) ListBackups(ctx context.Context, jobID string, limit, offset int) ([]*model.Backup, int, error) {
	if limit <= 0 {
		limit = -1
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	args := []any{}
	if jobID != "" {
		where = " WHERE job_id = ?"
		args = append(args, jobID)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM backups"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count backups: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, job_id, target, path, raw_bytes, stored_bytes, sha256, created_at
		FROM backups`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []*model.Backup
	for rows.Next() {
		b := &model.Backup{}
		if err := rows.Scan(&b.ID, &b.JobID, &b.Target, &b.Path, &b.RawBytes, &b.StoredBytes, &b.SHA256, &b.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate backups: %w", err)
	}

	return backups, total, nil
}

// InsertLogLine appends a log line for a job.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, jobID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_logs (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		jobID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all persisted log lines for a job in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, seq, line, created_at FROM job_logs WHERE job_id = ? ORDER BY seq ASC",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}

	return lines, nil
}
