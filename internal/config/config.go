package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "pgarc.db"
	defaultRepoDir     = "repo"
	defaultReadTimeout = 5 * time.Second
	defaultJobTimeoutS = 3600

	envListenAddr    = "PGARC_LISTEN_ADDR"
	envDBPath        = "PGARC_DB_PATH"
	envRepoDir       = "PGARC_REPO_DIR"
	envLogLevel      = "PGARC_LOG_LEVEL"
	envReadTimeoutMS = "PGARC_READ_TIMEOUT_MS"
	envJobTimeoutS   = "PGARC_JOB_TIMEOUT_S"
	envPostgresDSN   = "PGARC_POSTGRES_DSN"
	envJobsFile      = "PGARC_JOBS_FILE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	RepoDir    string
	LogLevel   slog.Level

	// ReadTimeout bounds each readiness wait on a dump subprocess pipe.
	ReadTimeout time.Duration

	// JobTimeoutS is the default wall-clock budget for a whole job when the
	// submitted job does not carry its own.
	JobTimeoutS int

	// PostgresDSN is the admin connection string used to enumerate databases.
	PostgresDSN string

	// JobsFile optionally points at a YAML file of named job definitions.
	JobsFile string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		RepoDir:     defaultRepoDir,
		LogLevel:    slog.LevelInfo,
		ReadTimeout: defaultReadTimeout,
		JobTimeoutS: defaultJobTimeoutS,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envRepoDir); v != "" {
		cfg.RepoDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envReadTimeoutMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ReadTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(envJobTimeoutS); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.JobTimeoutS = s
		}
	}
	cfg.PostgresDSN = os.Getenv(envPostgresDSN)
	cfg.JobsFile = os.Getenv(envJobsFile)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
