package postgres

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rvail/pgarc/internal/fdio"
	"github.com/rvail/pgarc/internal/source"
)

func newTestSource(t *testing.T) *Source {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(2*time.Second, logger)
}

func fakeList(names []string, err error) func(context.Context, string) ([]string, error) {
	return func(context.Context, string) ([]string, error) {
		return names, err
	}
}

// shCmd ignores the requested binary and runs a shell script instead, so
// tests exercise the subprocess plumbing without a live cluster.
func shCmd(script string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestTargetsFiltering(t *testing.T) {
	all := []string{"appdb", "authdb", "postgres", "staging"}

	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{"no filters", nil, nil, all},
		{"include", []string{"appdb", "authdb"}, nil, []string{"appdb", "authdb"}},
		{"exclude", nil, []string{"postgres"}, []string{"appdb", "authdb", "staging"}},
		{"include and exclude", []string{"appdb", "staging"}, []string{"staging"}, []string{"appdb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSource(t)
			s.listFn = fakeList(all, nil)

			got, err := s.Targets(context.Background(), source.JobSpec{
				Include: tt.include,
				Exclude: tt.exclude,
			})
			if err != nil {
				t.Fatalf("Targets: %v", err)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Targets = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTargetsNoMatch(t *testing.T) {
	s := newTestSource(t)
	s.listFn = fakeList([]string{"appdb"}, nil)

	if _, err := s.Targets(context.Background(), source.JobSpec{Include: []string{"other"}}); err == nil {
		t.Error("expected error when filters exclude every database")
	}
}

func TestTargetsListError(t *testing.T) {
	s := newTestSource(t)
	s.listFn = fakeList(nil, errors.New("connection refused"))

	if _, err := s.Targets(context.Background(), source.JobSpec{}); err == nil {
		t.Error("expected error when listing databases fails")
	}
}

func TestWithDatabase(t *testing.T) {
	tests := []struct {
		dsn  string
		db   string
		want string
	}{
		{"postgres://pgarc@localhost:5432/postgres", "appdb", "postgres://pgarc@localhost:5432/appdb"},
		{"postgres://pgarc@localhost/postgres?sslmode=disable", "appdb", "postgres://pgarc@localhost/appdb?sslmode=disable"},
		{"host=localhost user=pgarc", "appdb", "host=localhost user=pgarc dbname=appdb"},
		{"host=localhost dbname=postgres user=pgarc", "appdb", "host=localhost user=pgarc dbname=appdb"},
	}

	for _, tt := range tests {
		got, err := withDatabase(tt.dsn, tt.db)
		if err != nil {
			t.Errorf("withDatabase(%q, %q): %v", tt.dsn, tt.db, err)
			continue
		}
		if got != tt.want {
			t.Errorf("withDatabase(%q, %q) = %q, want %q", tt.dsn, tt.db, got, tt.want)
		}
	}
}

func TestBackupStreamsDump(t *testing.T) {
	s := newTestSource(t)
	s.newCmd = shCmd(`printf 'CREATE TABLE t (id int);\n'`)

	var out bytes.Buffer
	err := s.Backup(context.Background(), source.JobSpec{DSN: "host=localhost"}, "appdb", &out)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if out.String() != "CREATE TABLE t (id int);\n" {
		t.Errorf("archive = %q", out.String())
	}
}

func TestBackupForwardsStderr(t *testing.T) {
	s := newTestSource(t)
	s.newCmd = shCmd(`echo 'pg_dump: dumping contents' >&2; printf data`)

	var lines []string
	spec := source.JobSpec{
		DSN:       "host=localhost",
		LogWriter: func(line string) { lines = append(lines, line) },
	}

	var out bytes.Buffer
	if err := s.Backup(context.Background(), spec, "appdb", &out); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	found := false
	for _, line := range lines {
		if strings.Contains(line, "dumping contents") {
			found = true
		}
	}
	if !found {
		t.Errorf("stderr line not forwarded, got %v", lines)
	}
}

func TestBackupCommandFailure(t *testing.T) {
	s := newTestSource(t)
	s.newCmd = shCmd(`echo 'pg_dump: error: connection failed' >&2; exit 1`)

	var out bytes.Buffer
	err := s.Backup(context.Background(), source.JobSpec{DSN: "host=localhost"}, "appdb", &out)
	if err == nil {
		t.Fatal("expected error when pg_dump exits non-zero")
	}
}

func TestBackupReadTimeout(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := New(100*time.Millisecond, logger)
	s.newCmd = shCmd(`sleep 1`)

	var out bytes.Buffer
	err := s.Backup(context.Background(), source.JobSpec{DSN: "host=localhost"}, "appdb", &out)

	var timeoutErr *fdio.ReadTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want ReadTimeoutError", err)
	}
}

func TestBackupContextCanceled(t *testing.T) {
	s := newTestSource(t)
	s.newCmd = shCmd(`sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	var out bytes.Buffer
	err := s.Backup(ctx, source.JobSpec{DSN: "host=localhost"}, "appdb", &out)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRestoreFeedsStdin(t *testing.T) {
	s := newTestSource(t)
	s.newCmd = shCmd(`cat > /dev/null`)

	err := s.Restore(context.Background(), source.JobSpec{DSN: "host=localhost"}, "appdb",
		strings.NewReader("CREATE TABLE t (id int);\n"))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
}

func TestRestoreCommandFailure(t *testing.T) {
	s := newTestSource(t)
	s.newCmd = shCmd(`echo 'psql: error: syntax error' >&2; exit 3`)

	err := s.Restore(context.Background(), source.JobSpec{DSN: "host=localhost"}, "appdb",
		strings.NewReader("bogus"))
	if err == nil {
		t.Fatal("expected error when psql exits non-zero")
	}
}

func TestCapabilities(t *testing.T) {
	caps := newTestSource(t).Capabilities()
	if caps.Kind != Kind || !caps.CanRestore {
		t.Errorf("Capabilities = %+v", caps)
	}
}
