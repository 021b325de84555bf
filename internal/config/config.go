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
	defaultListenAddr        = ":8080"
	defaultDBPath            = "labforge.db"
	defaultTerraformPath     = "terraform"
	defaultStatePrefix       = "terraform-state"
	defaultLogFlushInterval  = 30 * time.Second
	defaultTerminateGrace    = 3 * time.Second
	defaultMaxConcurrentRuns = 4
	defaultSweepInterval     = 5 * time.Minute

	envListenAddr        = "LABFORGE_LISTEN_ADDR"
	envDBPath            = "LABFORGE_DB_PATH"
	envLogLevel          = "LABFORGE_LOG_LEVEL"
	envTerraformPath     = "LABFORGE_TERRAFORM_PATH"
	envStateBucket       = "LABFORGE_STATE_BUCKET"
	envStatePrefix       = "LABFORGE_STATE_PREFIX"
	envMaxConcurrentRuns = "LABFORGE_MAX_CONCURRENT_RUNS"
	envSweepInterval     = "LABFORGE_SWEEP_INTERVAL"
	envWorkDirRoot       = "LABFORGE_WORK_DIR"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr        string
	DBPath            string
	LogLevel          slog.Level
	TerraformPath     string
	StateBucket       string
	StatePrefix       string
	WorkDirRoot       string
	LogFlushInterval  time.Duration
	TerminateGrace    time.Duration
	MaxConcurrentRuns int
	SweepInterval     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		TerraformPath:     defaultTerraformPath,
		StatePrefix:       defaultStatePrefix,
		WorkDirRoot:       os.TempDir(),
		LogFlushInterval:  defaultLogFlushInterval,
		TerminateGrace:    defaultTerminateGrace,
		MaxConcurrentRuns: defaultMaxConcurrentRuns,
		SweepInterval:     defaultSweepInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envTerraformPath); v != "" {
		cfg.TerraformPath = v
	}
	cfg.StateBucket = os.Getenv(envStateBucket)
	if v := os.Getenv(envStatePrefix); v != "" {
		cfg.StatePrefix = v
	}
	if v := os.Getenv(envWorkDirRoot); v != "" {
		cfg.WorkDirRoot = v
	}
	if v := os.Getenv(envMaxConcurrentRuns); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv(envSweepInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}

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
