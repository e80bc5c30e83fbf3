// Package logger wraps go.uber.org/zap for structured logging across the
// daemon and its services.
package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects level, encoding, and sink.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or a file path
}

// Logger is a thin wrapper over zap.Logger. Services derive component
// loggers with WithFields and log with typed zap fields throughout.
type Logger struct {
	z *zap.Logger
}

var (
	defaultMu sync.Mutex
	defaultL  *Logger
)

// Default returns the process-wide logger, building a console/info one on
// first use when SetDefault was never called.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultL == nil {
		l, err := NewLogger(LoggingConfig{Level: "info"})
		if err != nil {
			z, _ := zap.NewProduction()
			l = &Logger{z: z}
		}
		defaultL = l
	}
	return defaultL
}

// SetDefault installs the logger returned by Default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultL = l
	defaultMu.Unlock()
}

// NewLogger builds a logger from config. An unknown level falls back to
// info; an empty format picks console on a terminal and json otherwise
// (json whenever STONEFORGE_ENV names a production deployment).
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	format := cfg.Format
	if format == "" {
		format = defaultFormat()
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch format {
	case "console", "text":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json":
		zc.Encoding = "json"
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	switch cfg.OutputPath {
	case "", "stdout":
		zc.OutputPaths = []string{"stdout"}
	case "stderr":
		zc.OutputPaths = []string{"stderr"}
	default:
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	zc.ErrorOutputPaths = []string{"stderr"}

	z, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

func defaultFormat() string {
	switch os.Getenv("STONEFORGE_ENV") {
	case "production", "prod":
		return "json"
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	return "console"
}

// WithFields returns a child logger carrying the fields on every entry.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Sync flushes buffered entries; call it on shutdown.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Fatal logs and exits; reserved for unrecoverable startup failures.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.z.Fatal(msg, fields...) }
