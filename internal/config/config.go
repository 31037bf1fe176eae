package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = "127.0.0.1:17832"
	defaultDBPath       = "sdvbridge.db"
	defaultBackend      = "session"
	defaultPollInterval = 300 * time.Millisecond
	defaultJobTimeout   = 30 * time.Minute
	defaultMaxJobs      = 200
	defaultSessionStep  = 50 * time.Millisecond

	envListenAddr   = "SDVBRIDGE_LISTEN_ADDR"
	envDBPath       = "SDVBRIDGE_DB_PATH"
	envLogLevel     = "SDVBRIDGE_LOG_LEVEL"
	envWorkDir      = "SDVBRIDGE_WORK_DIR"
	envBackend      = "SDVBRIDGE_BACKEND"
	envCatalog      = "SDVBRIDGE_CATALOG"
	envBatchCommand = "SDVBRIDGE_BATCH_COMMAND"
	envPollInterval = "SDVBRIDGE_POLL_INTERVAL"
	envJobTimeout   = "SDVBRIDGE_JOB_TIMEOUT"
	envMaxJobs      = "SDVBRIDGE_MAX_JOBS"
	envSettings     = "SDVBRIDGE_SETTINGS"
	envSessionStep  = "SDVBRIDGE_SESSION_STEP"
	envSpoolDir     = "SDVBRIDGE_SPOOL_DIR"
	envTempFilerefs = "SDVBRIDGE_TEMP_FILEREFS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// WorkDir holds job folders and dataset exports.
	WorkDir string

	// Backend names the execution adapter: "session" or "batch".
	Backend      string
	CatalogPath  string
	BatchCommand string

	PollInterval time.Duration
	JobTimeout   time.Duration
	MaxJobs      int

	SettingsPath string

	SessionStep  time.Duration
	SpoolDir     string
	TempFilerefs bool
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable values fall back to the default.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		WorkDir:      filepath.Join(os.TempDir(), "SDVBridge"),
		Backend:      defaultBackend,
		PollInterval: defaultPollInterval,
		JobTimeout:   defaultJobTimeout,
		MaxJobs:      defaultMaxJobs,
		SessionStep:  defaultSessionStep,
	}
	if p, err := DefaultSettingsPath(); err == nil {
		cfg.SettingsPath = p
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
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(envCatalog); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv(envBatchCommand); v != "" {
		cfg.BatchCommand = v
	}
	cfg.PollInterval = parseDuration(os.Getenv(envPollInterval), cfg.PollInterval)
	cfg.JobTimeout = parseDuration(os.Getenv(envJobTimeout), cfg.JobTimeout)
	cfg.SessionStep = parseDuration(os.Getenv(envSessionStep), cfg.SessionStep)
	if v, err := strconv.Atoi(os.Getenv(envMaxJobs)); err == nil && v > 0 {
		cfg.MaxJobs = v
	}
	if v := os.Getenv(envSettings); v != "" {
		cfg.SettingsPath = v
	}
	if v := os.Getenv(envSpoolDir); v != "" {
		cfg.SpoolDir = v
	}
	if v, err := strconv.ParseBool(os.Getenv(envTempFilerefs)); err == nil {
		cfg.TempFilerefs = v
	}

	return cfg
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
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
