// Package logging provides a structured logging wrapper around zap, shared
// by every component of the proxy core. It supports JSON/console formats,
// file rotation via lumberjack, and context-scoped fields so a request id
// or account index attached once at the edge of a request shows up on every
// subsequent log line for that request without being threaded through every
// call site.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey struct{}

var (
	defaultLogger *Logger
	initOnce      sync.Once
)

// Config holds logger configuration. The logger is built from it once at
// startup; a config reload does not rebuild it.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	Output     string `yaml:"output"` // file path, or "stdout"/"stderr"
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// Logger is a structured logger wrapper around zap.
type Logger struct {
	zap *zap.Logger
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(ec)
	case "console", "":
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("invalid log format: %s (must be json or console)", cfg.Format)
	}

	ws, err := newWriteSyncer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	core := zapcore.NewCore(encoder, ws, level)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &Logger{zap: z}, nil
}

// NewDefault creates a logger with default configuration, falling back to a
// bare production logger if construction somehow fails.
func NewDefault() *Logger {
	l, err := New(DefaultConfig())
	if err != nil {
		z, _ := zap.NewProduction()
		return &Logger{zap: z}
	}
	return l
}

// SetDefault installs l as the package-level default logger.
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the package-level default logger, lazily constructing one.
func Default() *Logger {
	initOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = NewDefault()
		}
	})
	return defaultLogger
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// With returns a child logger carrying the given fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithAccount attaches an account index field, used by the pool, registry,
// and rotation controller on every log line tied to one account.
func (l *Logger) WithAccount(index int) *Logger {
	return l.With(zap.Int("account_index", index))
}

// WithRequestID attaches a request id field, used by the request handler and
// anything reading from its message queue.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.With(zap.String("request_id", requestID))
}

// WithContext stashes fields on ctx for later retrieval by *Context methods.
func WithContext(ctx context.Context, fields ...zap.Field) context.Context {
	existing := getContextFields(ctx)
	merged := append(append([]zap.Field{}, existing...), fields...)
	return context.WithValue(ctx, contextKey{}, merged)
}

func getContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	if fields, ok := ctx.Value(contextKey{}).([]zap.Field); ok {
		return fields
	}
	return nil
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// DebugContext/InfoContext/... append fields captured in ctx via WithContext.
func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(getContextFields(ctx), fields...)...)
}
func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(getContextFields(ctx), fields...)...)
}
func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(getContextFields(ctx), fields...)...)
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(getContextFields(ctx), fields...)...)
}

// Package-level convenience functions bound to the default logger.

func Debug(msg string, fields ...zap.Field) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Default().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Default().Fatal(msg, fields...) }

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown level: %s", level)
	}
}

func newWriteSyncer(cfg Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		dir := filepath.Dir(cfg.Output)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		return zapcore.AddSync(lj), nil
	}
}
