// Package logging provides structured logging for the replicator on top of log/slog.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/couchpull/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string    `json:"level" yaml:"level"`           // trace, debug, info, warn, error
	Format      string    `json:"format" yaml:"format"`         // text, json
	AddSource   bool      `json:"add_source" yaml:"add_source"` // whether to add source code information
	Environment string    `json:"environment" yaml:"environment"`
	Output      io.Writer `json:"-" yaml:"-"` // defaults to os.Stderr
}

// DefaultConfig is used when nothing has been initialised.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "text",
	Environment: EnvDevelopment,
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Operation names a unit of work in log records.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component names the emitting subsystem in log records.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

const (
	ComponentTracker     Component = "changes-tracker"
	ComponentPuller      Component = "revision-puller"
	ComponentBatcher     Component = "batcher"
	ComponentReplicator  Component = "replicator"
	ComponentTransport   Component = "http-transport"
	ComponentSQLite      Component = "sqlite-store"
	ComponentPostgres    Component = "postgres-checkpoints"
	ComponentMemoryStore Component = "memory-store"
)

// SyncErrorValuer renders a SyncError as a structured group
type SyncErrorValuer struct {
	*syncErrors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", string(e.Code)))
	}
	if e.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", e.StatusCode))
	}
	if len(e.Metadata) > 0 {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "trace":
		return slog.Level(LevelTrace)
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new logger with the provided configuration
func NewLogger(config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 8}))}
}

// Init initializes the global logger with the provided configuration
func Init(config Config) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger instance
func Default() *Logger {
	defaultMu.Lock()
	l := defaultLogger
	defaultMu.Unlock()
	if l == nil {
		Init(DefaultConfig)
		return Default()
	}
	return l
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+2)

	var syncErr *syncErrors.SyncError
	if errors.As(err, &syncErr) {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", runtime.FuncForPC(pc).Name()),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op)

	opLogger.DebugContext(ctx, "operation started")

	if err := fn(); err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", time.Since(start)),
		)
		return err
	}

	opLogger.DebugContext(ctx, "operation completed",
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// WithComponent creates a child of the default logger
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}

// Or returns l as a component logger, or a default component logger when l is nil.
func Or(l *slog.Logger, component Component) *slog.Logger {
	if l != nil {
		return l.With(slog.Any("component", component))
	}
	return WithComponent(component).Logger
}
