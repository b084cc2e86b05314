// Package log defines the structured logging contract used across the
// library. Implementations receive a context for trace correlation, a
// severity level, a message, and typed fields.
//
// The zap-backed implementation lives in the zap package; NopLogger is the
// safe default wherever a logger is optional.
package log
