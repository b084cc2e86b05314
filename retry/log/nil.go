package log

import "context"

// NopLogger discards every record. It is the logger the retry driver and
// the connectors fall back to when a context carries no logger, so nil
// checks never spread past the package boundary.
type NopLogger struct{}

// NewNop returns a discard-everything Logger.
func NewNop() Logger {
	return &NopLogger{}
}

// Log drops the record.
func (l *NopLogger) Log(_ context.Context, _ Level, _ string, _ ...Field) {}

// With returns the receiver unchanged.
//
//nolint:ireturn
func (l *NopLogger) With(_ ...Field) Logger {
	return l
}

// WithGroup returns the receiver unchanged.
//
//nolint:ireturn
func (l *NopLogger) WithGroup(_ string) Logger {
	return l
}

// Enabled reports false for every level, letting callers skip field
// construction on hot retry paths.
func (l *NopLogger) Enabled(_ Level) bool {
	return false
}

// Sync has nothing to flush.
func (l *NopLogger) Sync(_ context.Context) error { return nil }
