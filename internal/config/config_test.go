package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		envListenAddr, envDBPath, envRepoDir, envLogLevel,
		envReadTimeoutMS, envJobTimeoutS, envPostgresDSN, envJobsFile,
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.RepoDir != defaultRepoDir {
		t.Errorf("RepoDir = %q, want %q", cfg.RepoDir, defaultRepoDir)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.ReadTimeout != defaultReadTimeout {
		t.Errorf("ReadTimeout = %v, want %v", cfg.ReadTimeout, defaultReadTimeout)
	}
	if cfg.JobTimeoutS != defaultJobTimeoutS {
		t.Errorf("JobTimeoutS = %d, want %d", cfg.JobTimeoutS, defaultJobTimeoutS)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9999")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envRepoDir, "/tmp/repo")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envReadTimeoutMS, "250")
	t.Setenv(envJobTimeoutS, "120")
	t.Setenv(envPostgresDSN, "postgres://pgarc@localhost/postgres")

	cfg := Load()
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want /tmp/test.db", cfg.DBPath)
	}
	if cfg.RepoDir != "/tmp/repo" {
		t.Errorf("RepoDir = %q, want /tmp/repo", cfg.RepoDir)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.ReadTimeout != 250*time.Millisecond {
		t.Errorf("ReadTimeout = %v, want 250ms", cfg.ReadTimeout)
	}
	if cfg.JobTimeoutS != 120 {
		t.Errorf("JobTimeoutS = %d, want 120", cfg.JobTimeoutS)
	}
	if cfg.PostgresDSN == "" {
		t.Error("PostgresDSN not loaded")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

const testJobsYAML = `
jobs:
  - name: nightly
    source: postgres
    dsn: postgres://pgarc@localhost/postgres
    include: [appdb, authdb]
    timeout_s: 600
    fail_fast: false
    compress: 6
  - name: etc-backup
    source: files
    paths:
      - /etc
`

func writeJobsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}
	return path
}

func TestLoadJobs(t *testing.T) {
	defs, err := LoadJobs(writeJobsFile(t, testJobsYAML))
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}

	nightly, ok := defs["nightly"]
	if !ok {
		t.Fatal("nightly job not loaded")
	}
	if nightly.SourceKind != "postgres" {
		t.Errorf("SourceKind = %q, want postgres", nightly.SourceKind)
	}
	if len(nightly.Include) != 2 {
		t.Errorf("Include = %v, want 2 entries", nightly.Include)
	}
	if nightly.TimeoutS != 600 {
		t.Errorf("TimeoutS = %d, want 600", nightly.TimeoutS)
	}
	if nightly.FailFast == nil || *nightly.FailFast {
		t.Error("FailFast not parsed as false")
	}
	if nightly.Compress != 6 {
		t.Errorf("Compress = %d, want 6", nightly.Compress)
	}

	etc := defs["etc-backup"]
	if etc.SourceKind != "files" || len(etc.Paths) != 1 {
		t.Errorf("etc-backup = %+v, want files source with one path", etc)
	}
}

func TestLoadJobsValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "jobs:\n  - source: files\n    paths: [/etc]\n"},
		{"unknown source", "jobs:\n  - name: x\n    source: tape\n"},
		{"postgres without dsn", "jobs:\n  - name: x\n    source: postgres\n"},
		{"files without paths", "jobs:\n  - name: x\n    source: files\n"},
		{"bad compress", "jobs:\n  - name: x\n    source: files\n    paths: [/etc]\n    compress: 11\n"},
		{"duplicate name", "jobs:\n  - name: x\n    source: files\n    paths: [/etc]\n  - name: x\n    source: files\n    paths: [/var]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadJobs(writeJobsFile(t, tt.yaml)); err == nil {
				t.Errorf("LoadJobs accepted invalid input")
			}
		})
	}
}

func TestLoadJobsMissingFile(t *testing.T) {
	if _, err := LoadJobs("/nonexistent/jobs.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
