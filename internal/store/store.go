package store

import (
	"context"
	"errors"

	"github.com/rvail/pgarc/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate execution statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	StoredBytes   int64          `json:"stored_bytes"`
}

// Store defines the persistence operations for jobs and the backup catalog.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	UpdateJob(ctx context.Context, j *model.Job) error
	GetJobStats(ctx context.Context) (*JobStats, error)

	CreateBackup(ctx context.Context, b *model.Backup) error
	GetBackup(ctx context.Context, id string) (*model.Backup, error)
	ListBackups(ctx context.Context, jobID string, limit, offset int) ([]*model.Backup, int, error)

	InsertLogLine(ctx context.Context, jobID string, seq int, line string) error
	GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error)

	Close() error
}
