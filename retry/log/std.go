package log

import (
	"context"
	"fmt"
	stdlog "log"
	"strings"
	"time"
)

// logControlCharReplacer escapes control characters that can be used for log injection (CWE-117).
// Newlines, carriage returns, and tabs in log messages can forge fake log entries,
// mislead incident response, or inject false audit trail entries.
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// sanitizeLogString escapes control characters in a single string value.
func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// StdLogger is the Go built-in (log) implementation of the Logger interface.
// It renders fields as key=value pairs after the message and prefixes entries
// with the level and any accumulated groups.
//
// All string values are sanitized to prevent log injection (CWE-117).
type StdLogger struct {
	Level  Level
	Out    *stdlog.Logger
	fields []Field
	groups []string
}

// NewStdLogger creates a StdLogger writing through the standard library's
// default logger at the given verbosity ceiling.
func NewStdLogger(level Level) *StdLogger {
	return &StdLogger{Level: level, Out: stdlog.Default()}
}

// Log writes a single entry when the level is enabled.
func (l *StdLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	out := l.Out
	if out == nil {
		out = stdlog.Default()
	}

	out.Print(l.render(level, msg, fields))
}

// With returns a logger that includes the given fields on every entry.
//
//nolint:ireturn
func (l *StdLogger) With(fields ...Field) Logger {
	if l == nil {
		return &StdLogger{}
	}

	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)

	return &StdLogger{Level: l.Level, Out: l.Out, fields: merged, groups: l.groups}
}

// WithGroup returns a logger whose entries are prefixed with the group name.
//
//nolint:ireturn
func (l *StdLogger) WithGroup(name string) Logger {
	if l == nil {
		return &StdLogger{}
	}

	if strings.TrimSpace(name) == "" {
		return l
	}

	groups := make([]string, 0, len(l.groups)+1)
	groups = append(groups, l.groups...)
	groups = append(groups, name)

	return &StdLogger{Level: l.Level, Out: l.Out, fields: l.fields, groups: groups}
}

// Enabled reports whether the given level would be written.
func (l *StdLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.Level >= level
}

// Sync is a no-op for the standard library logger.
func (l *StdLogger) Sync(_ context.Context) error { return nil }

func (l *StdLogger) render(level Level, msg string, fields []Field) string {
	var b strings.Builder

	b.WriteString("[")
	b.WriteString(level.String())
	b.WriteString("]")

	if len(l.groups) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(l.groups, "."))
		b.WriteString("]")
	}

	b.WriteString(" ")
	b.WriteString(sanitizeLogString(msg))

	for _, f := range append(append([]Field{}, l.fields...), fields...) {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(renderValue(f.Value))
	}

	return b.String()
}

func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return sanitizeLogString(val)
	case time.Duration:
		return val.String()
	case error:
		if val == nil {
			return "<nil>"
		}

		return sanitizeLogString(val.Error())
	default:
		return sanitizeLogString(fmt.Sprint(val))
	}
}
