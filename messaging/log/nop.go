package log

import "context"

// NopLogger discards every log entry. It is the fallback implementation used
// when a component is constructed without a logger.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &NopLogger{}
}

// Log implements Logger.
func (l *NopLogger) Log(context.Context, Level, string, ...Field) {}

// With implements Logger.
func (l *NopLogger) With(...Field) Logger { return l }

// WithGroup implements Logger.
func (l *NopLogger) WithGroup(string) Logger { return l }

// Enabled implements Logger.
func (l *NopLogger) Enabled(Level) bool { return false }

// Sync implements Logger.
func (l *NopLogger) Sync(context.Context) error { return nil }
