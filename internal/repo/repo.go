// Package repo implements the filesystem backup repository. Each backup job
// gets a directory named after its ID; each target's archive is written there
// as a gzip-compressed, sha256-summed file, finalized atomically via a rename.
package repo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	archiveSuffix = ".dump.gz"
	partialSuffix = ".partial"
)

// Info describes a finalized archive.
type Info struct {
	// Path is relative to the repository root and is what the catalog stores.
	Path        string
	RawBytes    int64
	StoredBytes int64
	SHA256      string
}

// Repo is a backup repository rooted at a local directory.
type Repo struct {
	root   string
	logger *slog.Logger
}

// New creates the repository directory if needed and returns a Repo.
func New(root string, logger *slog.Logger) (*Repo, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create repository root: %w", err)
	}
	return &Repo{root: root, logger: logger}, nil
}

// Root returns the repository root directory.
func (r *Repo) Root() string {
	return r.root
}

// Create opens a Writer for one target's archive under the given job
// directory. level is the gzip compression level; 0 selects the default.
func (r *Repo) Create(jobID, target string, level int) (*Writer, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}

	dir := filepath.Join(r.root, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create job directory: %w", err)
	}

	rel := filepath.Join(jobID, sanitizeTarget(target)+archiveSuffix)
	final := filepath.Join(r.root, rel)
	partial := final + partialSuffix

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}

	gz, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		f.Close()
		os.Remove(partial)
		return nil, fmt.Errorf("gzip level %d: %w", level, err)
	}

	r.logger.Debug("archive opened", "path", rel, "level", level)

	return &Writer{
		f:       f,
		gz:      gz,
		hash:    sha256.New(),
		rel:     rel,
		partial: partial,
		final:   final,
	}, nil
}

// Open returns a decompressing reader over a previously committed archive.
// On Close the reader drains any unread remainder and checks the sha256 of
// the decompressed stream against sha256sum, so a corrupted archive fails the
// restore even if the consumer stopped early. An empty sha256sum skips the
// check. The caller must close it.
func (r *Repo) Open(rel, sha256sum string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(r.root, rel))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open archive %s: %w", rel, err)
	}

	return &readCloser{gz: gz, f: f, hash: sha256.New(), rel: rel, want: sha256sum}, nil
}

// Writer writes one target's archive. Data is checksummed before compression,
// so the recorded sha256 covers the raw stream and can be re-verified on
// restore.
type Writer struct {
	f       *os.File
	gz      *gzip.Writer
	hash    hash.Hash
	raw     int64
	rel     string
	partial string
	final   string
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.gz.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
		w.raw += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("write archive: %w", err)
	}
	return n, nil
}

// Commit flushes, closes, and renames the archive into place, returning its
// final description.
func (w *Writer) Commit() (Info, error) {
	if err := w.gz.Close(); err != nil {
		w.f.Close()
		os.Remove(w.partial)
		return Info{}, fmt.Errorf("finish compression: %w", err)
	}

	stored, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		w.f.Close()
		os.Remove(w.partial)
		return Info{}, fmt.Errorf("measure archive: %w", err)
	}

	if err := w.f.Close(); err != nil {
		os.Remove(w.partial)
		return Info{}, fmt.Errorf("close archive: %w", err)
	}

	if err := os.Rename(w.partial, w.final); err != nil {
		os.Remove(w.partial)
		return Info{}, fmt.Errorf("finalize archive: %w", err)
	}

	return Info{
		Path:        w.rel,
		RawBytes:    w.raw,
		StoredBytes: stored,
		SHA256:      hex.EncodeToString(w.hash.Sum(nil)),
	}, nil
}

// Abort discards the partial archive. Safe to call after Commit, where it is
// a no-op.
func (w *Writer) Abort() {
	w.gz.Close()
	w.f.Close()
	os.Remove(w.partial)
}

type readCloser struct {
	gz   *gzip.Reader
	f    *os.File
	hash hash.Hash
	rel  string
	want string
}

func (rc *readCloser) Read(p []byte) (int, error) {
	n, err := rc.gz.Read(p)
	if n > 0 {
		rc.hash.Write(p[:n])
	}
	return n, err
}

// Close drains the remaining stream so the checksum covers the whole archive,
// then reports any mismatch against the sum recorded at backup time.
func (rc *readCloser) Close() error {
	_, drainErr := io.Copy(rc.hash, rc.gz)
	gzErr := rc.gz.Close()
	fErr := rc.f.Close()

	if drainErr != nil {
		return fmt.Errorf("read archive %s: %w", rc.rel, drainErr)
	}
	if rc.want != "" {
		if got := hex.EncodeToString(rc.hash.Sum(nil)); got != rc.want {
			return fmt.Errorf("archive %s: checksum mismatch: got %s, want %s", rc.rel, got, rc.want)
		}
	}
	if fErr != nil {
		return fErr
	}
	return gzErr
}

// sanitizeTarget maps a target name to a safe file name component.
func sanitizeTarget(target string) string {
	repl := strings.NewReplacer("/", "_", string(filepath.Separator), "_", " ", "_")
	s := repl.Replace(strings.Trim(target, "/"))
	if s == "" {
		s = "root"
	}
	return s
}
