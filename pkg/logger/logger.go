package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/taskengine/internal/app/taskengine"
)

// Logger is a wrapper around logrus.Logger
type Logger struct {
	*logrus.Logger
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// New creates a new logger instance
func New(cfg LoggingConfig) *Logger {
	// Create logger
	logger := logrus.New()

	// Set log level
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Set log format
	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set log output
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "taskengine"
		}
		// Ensure the logs directory exists
		logDir := "logs"
		err := os.MkdirAll(logDir, 0755)
		if err != nil {
			logger.Errorf("Failed to create logs directory: %v", err)
		} else {
			logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				logger.Errorf("Failed to open log file: %v", err)
			} else {
				logger.SetOutput(io.MultiWriter(os.Stdout, file))
			}
		}
	default:
		// Use stdout by default
		logger.SetOutput(os.Stdout)
	}

	return &Logger{
		Logger: logger,
	}
}

// NewDefault creates a new logger instance with default configuration
func NewDefault(name string) *Logger {
	// Create logger with default configuration
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger: logger,
	}
}

// WithField returns a new log entry with a field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry with multiple fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// Verbose logs at the most detailed level available, mapped onto logrus's
// Trace level since logrus has no separate "verbose" level of its own.
func (l *Logger) Verbose(args ...interface{}) {
	l.Logger.Trace(args...)
}

// Adapter wraps a logrus.FieldLogger (either the root *logrus.Logger or a
// field-bound *logrus.Entry) to satisfy a minimal "info/warn/error/debug/
// verbose + for(subject)" contract, the shape the task engine's
// Observability interface expects from any logger it consumes.
type Adapter struct {
	entry logrus.FieldLogger
}

// NewAdapter wraps log's root logger as an Adapter.
func NewAdapter(log *Logger) Adapter {
	return Adapter{entry: log.Logger}
}

func (a Adapter) Info(args ...interface{})  { a.entry.Info(args...) }
func (a Adapter) Warn(args ...interface{})  { a.entry.Warn(args...) }
func (a Adapter) Error(args ...interface{}) { a.entry.Error(args...) }
func (a Adapter) Debug(args ...interface{}) { a.entry.Debug(args...) }
func (a Adapter) Verbose(args ...interface{}) { a.entry.Trace(args...) }

// For derives a child Adapter carrying a "component" field, the idiom the
// Task Engine's Observability contract refers to as ".for(subject)". It
// returns taskengine.Logger (rather than Adapter) so Adapter satisfies that
// interface.
func (a Adapter) For(subject string) taskengine.Logger {
	return Adapter{entry: a.entry.WithField("component", subject)}
}

var _ taskengine.Logger = Adapter{}
