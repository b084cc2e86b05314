// Package zap provides the zap-backed implementation of the retry/log
// abstraction.
//
// It preserves structured fields, correlates entries with active
// OpenTelemetry spans, and tees every record through the otelzap bridge so
// collector pipelines receive the same events as process output.
package zap
