// Package taskengineconfig loads the task engine's recognized options the
// way pkg/config loads the rest of this tree's configuration: a YAML file
// overlaid with godotenv-sourced environment
// variables decoded via envdecode, with a New() that carries conservative
// defaults so a zero-config run still starts.
package taskengineconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/taskengine/internal/app/taskengine"
)

// DatabaseConfig controls the optional PostgreSQL persistence backend. When
// DSN is empty, cmd/taskengine-worker falls back to the in-memory backend.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn" env:"TASKENGINE_DATABASE_DSN"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"TASKENGINE_DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls the worker's logrus-backed logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"TASKENGINE_LOG_LEVEL"`
	Format string `yaml:"format" env:"TASKENGINE_LOG_FORMAT"`
	Output string `yaml:"output" env:"TASKENGINE_LOG_OUTPUT"`
}

// WorkerPoolConfig controls the optional bounded goroutine pool.
type WorkerPoolConfig struct {
	Enabled  bool `yaml:"enabled" env:"TASKENGINE_WORKER_POOL_ENABLED"`
	Size     int  `yaml:"size" env:"TASKENGINE_WORKER_POOL_SIZE"`
	Capacity int  `yaml:"capacity" env:"TASKENGINE_WORKER_POOL_CAPACITY"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"TASKENGINE_METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"TASKENGINE_METRICS_ADDR"`
}

// Config is the top-level Task Engine worker configuration.
type Config struct {
	WorkerID    string `yaml:"worker_id" env:"TASKENGINE_WORKER_ID"`
	Concurrency int    `yaml:"concurrency" env:"TASKENGINE_CONCURRENCY"`
	LeaseMs     int64  `yaml:"lease_ms" env:"TASKENGINE_LEASE_MS"`
	PollMsIdle  int64  `yaml:"poll_ms_idle" env:"TASKENGINE_POLL_MS_IDLE"`
	PollMsBusy  int64  `yaml:"poll_ms_busy" env:"TASKENGINE_POLL_MS_BUSY"`

	LogTailMax              int `yaml:"log_tail_max" env:"TASKENGINE_LOG_TAIL_MAX"`
	StreamBufferSize        int `yaml:"stream_buffer_size" env:"TASKENGINE_STREAM_BUFFER_SIZE"`
	MaxLoggingBuffer        int `yaml:"max_logging_buffer" env:"TASKENGINE_MAX_LOGGING_BUFFER"`
	LoggingBufferTruncation int `yaml:"logging_buffer_truncation" env:"TASKENGINE_LOGGING_BUFFER_TRUNCATION"`

	GracefulShutdownMsTimeout int64 `yaml:"graceful_shutdown_ms_timeout" env:"TASKENGINE_GRACEFUL_SHUTDOWN_MS_TIMEOUT"`

	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// New returns a Config populated with the same conservative defaults the
// engine itself falls back to via Config.withDefaults, so a YAML-less,
// env-less run still starts against the in-memory backend.
func New() *Config {
	return &Config{
		WorkerID:                  "worker-1",
		Concurrency:               4,
		LeaseMs:                   30_000,
		PollMsIdle:                1000,
		PollMsBusy:                50,
		LogTailMax:                50,
		StreamBufferSize:          20,
		MaxLoggingBuffer:          200,
		LoggingBufferTruncation:   50,
		GracefulShutdownMsTimeout: 10_000,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads an optional YAML file (CONFIG_FILE env var, or
// configs/taskengine.yaml if present) and overlays environment variables,
// mirroring pkg/config.Load's file-then-env precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/taskengine.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("taskengineconfig: decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ToEngineConfig translates the decoded Config into the engine's runtime
// Config (internal/app/taskengine.Config), the boundary between the
// configuration layer and the engine package it does not otherwise depend
// on.
func (c *Config) ToEngineConfig() taskengine.Config {
	ec := taskengine.Config{
		WorkerID:                  c.WorkerID,
		Concurrency:               c.Concurrency,
		LeaseMs:                   c.LeaseMs,
		PollMsIdle:                c.PollMsIdle,
		PollMsBusy:                c.PollMsBusy,
		LogTailMax:                c.LogTailMax,
		StreamBufferSize:          c.StreamBufferSize,
		MaxLoggingBuffer:          c.MaxLoggingBuffer,
		LoggingBufferTruncation:   c.LoggingBufferTruncation,
		GracefulShutdownMsTimeout: c.GracefulShutdownMsTimeout,
	}
	if c.WorkerPool.Enabled {
		ec.WorkerPool = &taskengine.WorkerPoolConfig{
			Size:     c.WorkerPool.Size,
			Capacity: c.WorkerPool.Capacity,
		}
	}
	return ec
}
