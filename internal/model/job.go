package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// Job kind constants.
const (
	KindBackup  = "backup"
	KindRestore = "restore"
)

// Source kind constants.
const (
	SourcePostgres = "postgres"
	SourceFiles    = "files"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidKind reports whether kind is a known job kind.
func ValidKind(kind string) bool {
	return kind == KindBackup || kind == KindRestore
}

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// Job represents one backup or restore run submitted to the service. A job
// fans out into one worker per target; Targets records how many were planned
// and CompletedTargets how many finished before the job reached a terminal
// state.
type Job struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	SourceKind       string     `json:"source_kind"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	Targets          int        `json:"targets"`
	CompletedTargets int        `json:"completed_targets"`
	FailFast         bool       `json:"fail_fast"`
	Error            string     `json:"error,omitempty"`
	TimeoutS         *int       `json:"timeout_s,omitempty"`
	DurationMS       *int       `json:"duration_ms,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`

	// RestoreOf is the backup set being restored; only set for restore jobs.
	RestoreOf string `json:"restore_of,omitempty"`
}

// Backup is one catalog entry: a single target's archive produced by a backup
// job, stored in the repository.
type Backup struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Target      string    `json:"target"`
	Path        string    `json:"path"`
	RawBytes    int64     `json:"raw_bytes"`
	StoredBytes int64     `json:"stored_bytes"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogLine represents a single persisted log line from a job run.
type LogLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
