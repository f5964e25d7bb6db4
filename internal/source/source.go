package source

import (
	"context"
	"io"
)

// Source is the interface that all backup sources must implement. Each source
// kind (PostgreSQL cluster, local file trees) provides its own implementation
// of these methods.
type Source interface {
	// Targets enumerates the backup targets for the given job: database names
	// for a cluster source, directory paths for a files source.
	Targets(ctx context.Context, spec JobSpec) ([]string, error)

	// Backup streams one target's data into w. The context carries the
	// supervisor's kill signal; implementations must stop promptly when it is
	// canceled.
	Backup(ctx context.Context, spec JobSpec, target string, w io.Writer) error

	// Restore streams one target's archived data from r back into the source.
	Restore(ctx context.Context, spec JobSpec, target string, r io.Reader) error

	// Capabilities reports what this source supports.
	Capabilities() Capabilities
}

// JobSpec carries the per-job parameters a source needs, resolved from the
// job definitions file.
type JobSpec struct {
	JobID   string   `json:"job_id"`
	Name    string   `json:"name"`
	DSN     string   `json:"dsn,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`

	// LogWriter is an optional callback that sources invoke to emit log lines
	// during execution. Each call delivers one line to connected SSE
	// subscribers.
	LogWriter func(line string) `json:"-"`
}

// Log emits a line through the spec's LogWriter, if one is set.
func (s JobSpec) Log(line string) {
	if s.LogWriter != nil {
		s.LogWriter(line)
	}
}

// Capabilities describes what a source supports.
type Capabilities struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	CanRestore  bool   `json:"can_restore"`
}
