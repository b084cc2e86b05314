// Package metrics provides a fluent factory for OpenTelemetry metric instruments.
//
// MetricsFactory caches instruments and exposes builder-style APIs for counters,
// gauges, and histograms with low-overhead attribute composition.
//
// Convenience methods (for example RecordRetryAttempt) are provided for the
// retry and backoff metrics emitted across the library.
package metrics
