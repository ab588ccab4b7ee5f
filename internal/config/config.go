package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/modelrun/internal/samples"
	"github.com/seantiz/modelrun/internal/script"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "modelrun.db"
	defaultWorkers    = 1
	defaultOutputDir  = "modelrun-out"

	envListenAddr   = "MODELRUN_LISTEN_ADDR"
	envDBPath       = "MODELRUN_DB_PATH"
	envLogLevel     = "MODELRUN_LOG_LEVEL"
	envWorkers      = "MODELRUN_WORKERS"
	envPython       = "MODELRUN_PYTHON"
	envOutputDir    = "MODELRUN_OUTPUT_DIR"
	envRunTimeout   = "MODELRUN_RUN_TIMEOUT"
	envStageTimeout = "MODELRUN_STAGE_TIMEOUT"
	envProjectDir   = "MODELRUN_PROJECT_DIR"
	envCORSOrigins  = "MODELRUN_CORS_ORIGINS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// CORSOrigins lists the browser origins allowed to call the API. Empty
	// disables cross-origin access.
	CORSOrigins []string

	// Run holds the defaults every run starts from.
	Run RunConfig
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable numeric values are ignored in favour of the default.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Run:        DefaultRunConfig(),
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
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.Workers = n
		}
	}
	if v := os.Getenv(envPython); v != "" {
		cfg.Run.Python = v
	}
	if v := os.Getenv(envOutputDir); v != "" {
		cfg.Run.OutputDir = v
	}
	if v := os.Getenv(envProjectDir); v != "" {
		cfg.Run.ProjectDir = v
	}
	if v := os.Getenv(envCORSOrigins); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv(envRunTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Run.RunTimeout = Duration(d)
		}
	}
	if v := os.Getenv(envStageTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Run.StageTimeout = Duration(d)
		}
	}

	return cfg
}

// DefaultRunConfig returns the run settings used when nothing overrides them.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Workers:     defaultWorkers,
		ProjectDir:  ".",
		SamplesFile: samples.DefaultFile,
		OutputDir:   defaultOutputDir,
		Python:      script.DefaultPython,
	}
}

// splitList splits a comma-separated value, dropping blank entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
