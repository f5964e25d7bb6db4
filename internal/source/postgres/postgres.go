// Package postgres implements the PostgreSQL backup source. Targets are the
// databases of a cluster; each one is dumped with pg_dump and restored with
// psql, streaming through a pipe guarded by a per-read timeout.
package postgres

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rvail/pgarc/internal/fdio"
	"github.com/rvail/pgarc/internal/source"
)

// Kind is the name used when registering with the source registry.
const Kind = "postgres"

// copyBufSize is the chunk size for pumping dump output into the archive.
const copyBufSize = 32 * 1024

// Source implements source.Source for a PostgreSQL cluster.
type Source struct {
	readTimeout time.Duration
	logger      *slog.Logger

	// listFn and newCmd are swapped out in tests.
	listFn func(ctx context.Context, dsn string) ([]string, error)
	newCmd func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates a PostgreSQL source. readTimeout bounds each read from the dump
// pipe; a dump that produces no output for that long fails the target.
func New(readTimeout time.Duration, logger *slog.Logger) *Source {
	return &Source{
		readTimeout: readTimeout,
		logger:      logger,
		listFn:      listDatabases,
		newCmd:      exec.CommandContext,
	}
}

// Targets lists the cluster's databases, filtered by the job's include and
// exclude lists.
func (s *Source) Targets(ctx context.Context, spec source.JobSpec) ([]string, error) {
	names, err := s.listFn(ctx, spec.DSN)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}

	filtered := make([]string, 0, len(names))
	for _, name := range names {
		if len(spec.Include) > 0 && !slices.Contains(spec.Include, name) {
			continue
		}
		if slices.Contains(spec.Exclude, name) {
			continue
		}
		filtered = append(filtered, name)
	}

	if len(filtered) == 0 {
		return nil, fmt.Errorf("no databases match the job's include/exclude filters")
	}
	return filtered, nil
}

// Backup dumps one database into w. pg_dump's stdout goes through a pipe read
// with a per-call timeout so a stalled dump fails instead of hanging the
// worker forever.
func (s *Source) Backup(ctx context.Context, spec source.JobSpec, target string, w io.Writer) error {
	start := time.Now()

	dsn, err := withDatabase(spec.DSN, target)
	if err != nil {
		dumpsTotal.WithLabelValues(statusFailed).Inc()
		return err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		dumpsTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("create pipe: %w", err)
	}
	defer pr.Close()

	cmd := s.newCmd(ctx, "pg_dump", "--format=plain", "--no-password", "--dbname="+dsn)
	cmd.Stdout = pw

	stderr, err := cmd.StderrPipe()
	if err != nil {
		pw.Close()
		dumpsTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		pw.Close()
		dumpsTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("start pg_dump: %w", err)
	}

	// The child holds its own copy of the write end; closing ours lets the
	// reader see EOF when pg_dump exits.
	pw.Close()

	go forwardLines(stderr, spec, s.logger, target)

	written, pumpErr := s.pump(ctx, pr, w, target)
	if pumpErr != nil {
		// A stalled or failed pump leaves pg_dump running; kill it so Wait
		// cannot block.
		cmd.Process.Kill()
	}

	waitErr := cmd.Wait()

	if pumpErr != nil {
		if ctx.Err() != nil {
			dumpsTotal.WithLabelValues(statusKilled).Inc()
			return fmt.Errorf("dump %s: %w", target, ctx.Err())
		}
		dumpsTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("dump %s: %w", target, pumpErr)
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			dumpsTotal.WithLabelValues(statusKilled).Inc()
			return fmt.Errorf("dump %s: %w", target, ctx.Err())
		}
		dumpsTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("pg_dump %s: %w", target, waitErr)
	}

	dumpsTotal.WithLabelValues(statusCompleted).Inc()
	dumpBytesTotal.Add(float64(written))
	dumpDuration.Observe(time.Since(start).Seconds())

	s.logger.Info("database dumped",
		"target", target,
		"bytes", written,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// pump copies the dump pipe into w until EOF, enforcing the read timeout on
// every pass.
func (s *Source) pump(ctx context.Context, pr *os.File, w io.Writer, target string) (int64, error) {
	reader, err := fdio.NewReader("pg_dump "+target, int(pr.Fd()), s.readTimeout)
	if err != nil {
		return 0, err
	}

	var written int64
	buf := make([]byte, copyBufSize)
	for {
		n, err := reader.Read(buf, false)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write archive: %w", werr)
			}
			written += int64(n)
		}
		if err != nil {
			return written, err
		}
		if reader.EOF() {
			return written, nil
		}
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
	}
}

// Restore feeds one database's archived dump into psql.
func (s *Source) Restore(ctx context.Context, spec source.JobSpec, target string, r io.Reader) error {
	dsn, err := withDatabase(spec.DSN, target)
	if err != nil {
		restoresTotal.WithLabelValues(statusFailed).Inc()
		return err
	}

	cmd := s.newCmd(ctx, "psql", "--no-password", "--set=ON_ERROR_STOP=1", "--dbname="+dsn)
	cmd.Stdin = r

	stderr, err := cmd.StderrPipe()
	if err != nil {
		restoresTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		restoresTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("start psql: %w", err)
	}

	go forwardLines(stderr, spec, s.logger, target)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			restoresTotal.WithLabelValues(statusKilled).Inc()
			return fmt.Errorf("restore %s: %w", target, ctx.Err())
		}
		restoresTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("psql %s: %w", target, err)
	}

	restoresTotal.WithLabelValues(statusCompleted).Inc()
	s.logger.Info("database restored", "target", target)
	return nil
}

// Capabilities reports what this source supports.
func (s *Source) Capabilities() source.Capabilities {
	return source.Capabilities{
		Kind:        Kind,
		Description: "PostgreSQL cluster via pg_dump and psql",
		CanRestore:  true,
	}
}

// forwardLines relays a subprocess's stderr lines to the job log.
func forwardLines(r io.Reader, spec source.JobSpec, logger *slog.Logger, target string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		spec.Log(line)
		logger.Debug("tool output", "target", target, "line", line)
	}
}

// listDatabases connects to the cluster and lists its connectable,
// non-template databases.
func listDatabases(ctx context.Context, dsn string) ([]string, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx,
		`SELECT datname FROM pg_database
		 WHERE datallowconn AND NOT datistemplate
		 ORDER BY datname`)
	if err != nil {
		return nil, fmt.Errorf("query pg_database: %w", err)
	}

	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// withDatabase rewrites a cluster DSN to point at a specific database.
// URL-form DSNs get their path replaced; keyword-form DSNs get a dbname
// appended, overriding any earlier one.
func withDatabase(dsn, db string) (string, error) {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		u.Path = "/" + db
		return u.String(), nil
	}

	parts := make([]string, 0, 4)
	for _, field := range strings.Fields(dsn) {
		if strings.HasPrefix(field, "dbname=") {
			continue
		}
		parts = append(parts, field)
	}
	parts = append(parts, "dbname="+db)
	return strings.Join(parts, " "), nil
}
