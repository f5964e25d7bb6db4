// Package files implements the local-filesystem backup source. Targets are
// the directory trees named by the job; each one is archived as a tar stream
// and restored by extraction.
package files

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rvail/pgarc/internal/source"
)

// Kind is the name used when registering with the source registry.
const Kind = "files"

// Source implements source.Source for local directory trees.
type Source struct {
	logger *slog.Logger
}

// New creates a files source.
func New(logger *slog.Logger) *Source {
	return &Source{logger: logger}
}

// Targets returns the job's configured paths, filtered by the include and
// exclude lists, after checking that each one exists.
func (s *Source) Targets(ctx context.Context, spec source.JobSpec) ([]string, error) {
	targets := make([]string, 0, len(spec.Paths))
	for _, p := range spec.Paths {
		if len(spec.Include) > 0 && !slices.Contains(spec.Include, p) {
			continue
		}
		if slices.Contains(spec.Exclude, p) {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", p)
		}
		targets = append(targets, p)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("no paths match the job's include/exclude filters")
	}
	return targets, nil
}

// Backup archives one directory tree into w as a tar stream. Entry names are
// relative to the target so the archive restores into any destination.
func (s *Source) Backup(ctx context.Context, spec source.JobSpec, target string, w io.Writer) error {
	start := time.Now()
	tw := tar.NewWriter(w)

	var files, bytes int64
	err := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(target, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := io.Copy(tw, f)
		if err != nil {
			return err
		}
		files++
		bytes += n
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", target, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive %s: %w", target, err)
	}

	spec.Log(fmt.Sprintf("archived %s: %d files, %d bytes", target, files, bytes))
	s.logger.Info("tree archived",
		"target", target,
		"files", files,
		"bytes", bytes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Restore extracts a tar stream from r into the target directory, creating it
// if needed. Entries that would escape the target are rejected.
func (s *Source) Restore(ctx context.Context, spec source.JobSpec, target string, r io.Reader) error {
	if err := os.MkdirAll(target, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	tr := tar.NewReader(r)
	var files int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		dst, err := securePath(target, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, fs.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			os.Remove(dst)
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
				return fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
			f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
			files++
		default:
			s.logger.Warn("skipping unsupported archive entry",
				"name", hdr.Name, "type", hdr.Typeflag)
		}
	}

	spec.Log(fmt.Sprintf("restored %s: %d files", target, files))
	s.logger.Info("tree restored", "target", target, "files", files)
	return nil
}

// Capabilities reports what this source supports.
func (s *Source) Capabilities() source.Capabilities {
	return source.Capabilities{
		Kind:        Kind,
		Description: "local directory trees via tar streams",
		CanRestore:  true,
	}
}

// securePath joins an archive entry name onto root, rejecting names that
// escape it.
func securePath(root, name string) (string, error) {
	dst := filepath.Join(root, filepath.FromSlash(name))
	if dst != root && !strings.HasPrefix(dst, root+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes restore target", name)
	}
	return dst, nil
}
