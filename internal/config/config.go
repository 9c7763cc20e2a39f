package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDBPath          = "jobrunner.db"
	defaultShutdownTimeout = 10 * time.Minute

	envListenAddr      = "JOBRUNNER_LISTEN_ADDR"
	envDBPath          = "JOBRUNNER_DB_PATH"
	envLogLevel        = "JOBRUNNER_LOG_LEVEL"
	envShutdownTimeout = "JOBRUNNER_SHUTDOWN_TIMEOUT"
	envConfigFile      = "JOBRUNNER_CONFIG"
)

// Config holds application configuration loaded from an optional YAML file
// and environment variables.
type Config struct {
	// ListenAddr enables the HTTP API when non-empty.
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	// ShutdownTimeout bounds how long the process waits for background
	// instances before cancelling them.
	ShutdownTimeout time.Duration
}

// fileConfig mirrors the YAML config file layout.
type fileConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	DBPath          string `yaml:"db_path"`
	LogLevel        string `yaml:"log_level"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// Load reads configuration from environment variables with sensible defaults.
// If JOBRUNNER_CONFIG names a YAML file it is applied first, and environment
// variables override it.
func Load() (Config, error) {
	return LoadFile(os.Getenv(envConfigFile))
}

// LoadFile is Load with an explicit config file path. An empty path skips the
// file.
func LoadFile(path string) (Config, error) {
	cfg := Config{
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: defaultShutdownTimeout,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
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
	if v := os.Getenv(envShutdownTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", envShutdownTimeout, err)
		}
		cfg.ShutdownTimeout = d
	}

	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.ShutdownTimeout != "" {
		d, err := time.ParseDuration(fc.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("shutdown_timeout: %w", err)
		}
		c.ShutdownTimeout = d
	}
	return nil
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
