// Package zap provides the production implementation of log.Logger backed by
// go.uber.org/zap, with automatic trace correlation.
package zap

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logpkg "github.com/rbasniak/painting-projects-management-sub003/messaging/log"
)

// Logger is a strict structured logger implementing log.Logger.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// Config controls logger construction.
type Config struct {
	// Level is the minimum emitted level ("debug", "info", "warn", "error").
	Level string
	// Development switches to a console encoder with human-readable output.
	Development bool
	// InitialFields are attached to every entry.
	InitialFields map[string]string
}

// New builds a production JSON logger at the configured level.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}

		level = parsed
	}

	atomicLevel := zap.NewAtomicLevelAt(level)

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapCfg.Level = atomicLevel

	if len(cfg.InitialFields) > 0 {
		zapCfg.InitialFields = make(map[string]any, len(cfg.InitialFields))
		for k, v := range cfg.InitialFields {
			zapCfg.InitialFields[k] = v
		}
	}

	base, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{logger: base, atomicLevel: atomicLevel}, nil
}

// NewFromZap wraps an existing zap.Logger.
func NewFromZap(base *zap.Logger) *Logger {
	return &Logger{logger: base, atomicLevel: zap.NewAtomicLevel()}
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log implements log.Logger. When ctx carries an active OpenTelemetry span,
// trace_id and span_id are appended so log entries correlate with traces.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zapFields := logFieldsToZap(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case logpkg.LevelDebug:
		l.must().Debug(msg, zapFields...)
	case logpkg.LevelInfo:
		l.must().Info(msg, zapFields...)
	case logpkg.LevelWarn:
		l.must().Warn(msg, zapFields...)
	case logpkg.LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a child logger with additional structured fields.
//
//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{
		logger:      l.must().With(logFieldsToZap(fields)...),
		atomicLevel: l.atomicLevel,
	}
}

// WithGroup returns a child logger nesting subsequent fields under name.
//
//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return &Logger{
		logger:      l.must().With(zap.Namespace(name)),
		atomicLevel: l.atomicLevel,
	}
}

// Enabled reports whether the logger would emit at the given level.
func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.must().Core().Enabled(logLevelToZap(level))
}

// Sync flushes buffered logs, respecting context cancellation.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func logLevelToZap(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelInfo:
		return zapcore.InfoLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logFieldsToZap(fields []logpkg.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields))

	for _, field := range fields {
		switch value := field.Value.(type) {
		case string:
			zapFields = append(zapFields, zap.String(field.Key, value))
		case int:
			zapFields = append(zapFields, zap.Int(field.Key, value))
		case int64:
			zapFields = append(zapFields, zap.Int64(field.Key, value))
		case bool:
			zapFields = append(zapFields, zap.Bool(field.Key, value))
		case error:
			zapFields = append(zapFields, zap.NamedError(field.Key, value))
		default:
			zapFields = append(zapFields, zap.Any(field.Key, value))
		}
	}

	return zapFields
}
