package constant

// TelemetrySDKName identifies this library in OTEL telemetry resource attributes.
const TelemetrySDKName = "lib-retry/opentelemetry"

// MaxMetricLabelLength is the maximum length for metric labels to prevent cardinality explosion.
// Used by assert, runtime, and circuitbreaker packages for label sanitization.
const MaxMetricLabelLength = 64

// Telemetry attribute key prefixes.
const (
	// AttrPrefixRetry is the prefix for retry attempt attributes.
	AttrPrefixRetry = "retry."
	// AttrPrefixBackoff is the prefix for backoff wait attributes.
	AttrPrefixBackoff = "backoff."
	// AttrPrefixAssertion is the prefix for assertion event attributes.
	AttrPrefixAssertion = "assertion."
	// AttrPrefixPanic is the prefix for panic event attributes.
	AttrPrefixPanic = "panic."
)

// Telemetry attribute keys for retry instrumentation.
const (
	// AttrRetryAttempt is the attribute key for the one-based attempt number.
	AttrRetryAttempt = "retry.attempt"
	// AttrRetryMaxAttempts is the attribute key for the configured attempt budget.
	AttrRetryMaxAttempts = "retry.max_attempts"
	// AttrRetryErrorClass is the attribute key for the classified error outcome.
	AttrRetryErrorClass = "retry.error_class"
	// AttrBackoffBase is the attribute key for the pre-jitter backoff base delay.
	AttrBackoffBase = "backoff.base_ms"
	// AttrBackoffDelay is the attribute key for the jittered backoff delay.
	AttrBackoffDelay = "backoff.delay_ms"
)

// Telemetry attribute keys for database connectors.
const (
	// AttrDBSystem is the OTEL semantic convention attribute key for the database system name.
	AttrDBSystem = "db.system"
	// AttrDBName is the OTEL semantic convention attribute key for the database name.
	AttrDBName = "db.name"
	// AttrDBMongoDBCollection is the OTEL semantic convention attribute key for the MongoDB collection.
	AttrDBMongoDBCollection = "db.mongodb.collection"
)

// Database system identifiers used as values for AttrDBSystem.
const (
	// DBSystemPostgreSQL is the OTEL semantic convention value for PostgreSQL.
	DBSystemPostgreSQL = "postgresql"
	// DBSystemMongoDB is the OTEL semantic convention value for MongoDB.
	DBSystemMongoDB = "mongodb"
	// DBSystemRedis is the OTEL semantic convention value for Redis.
	DBSystemRedis = "redis"
	// DBSystemRabbitMQ is the OTEL semantic convention value for RabbitMQ.
	DBSystemRabbitMQ = "rabbitmq"
	// DBSystemNATS is the OTEL semantic convention value for NATS.
	DBSystemNATS = "nats"
)

// Telemetry metric names.
const (
	// MetricPanicRecoveredTotal is the counter metric for recovered panics.
	MetricPanicRecoveredTotal = "panic_recovered_total"
	// MetricAssertionFailedTotal is the counter metric for failed assertions.
	MetricAssertionFailedTotal = "assertion_failed_total"
	// MetricRetryAttemptsTotal is the counter metric for retry attempts.
	MetricRetryAttemptsTotal = "retry_attempts_total"
	// MetricRetryExhaustedTotal is the counter metric for operations that ran out of attempts.
	MetricRetryExhaustedTotal = "retry_exhausted_total"
	// MetricBackoffWaitsTotal is the counter metric for backoff suspensions.
	MetricBackoffWaitsTotal = "backoff_waits_total"
	// MetricBackoffDelayMilliseconds is the histogram metric for jittered backoff delays.
	MetricBackoffDelayMilliseconds = "backoff_delay_milliseconds"
	// MetricBreakerExecutionsTotal is the counter metric for circuit breaker executions.
	MetricBreakerExecutionsTotal = "circuit_breaker_executions_total"
	// MetricBreakerTransitionsTotal is the counter metric for circuit breaker state transitions.
	MetricBreakerTransitionsTotal = "circuit_breaker_state_transitions_total"
	// MetricConnectionFailuresTotal is the counter metric for connector connection failures.
	MetricConnectionFailuresTotal = "connection_failures_total"
	// MetricReconnectionsTotal is the counter metric for connector reconnection attempts.
	MetricReconnectionsTotal = "reconnections_total"
)

// Telemetry event names.
const (
	// EventAssertionFailed is the span event name for assertion failures.
	EventAssertionFailed = "assertion.failed"
	// EventPanicRecovered is the span event name for recovered panics.
	EventPanicRecovered = "panic.recovered"
	// EventBackoffWait is the span event name for a backoff suspension.
	EventBackoffWait = "backoff.wait"
	// EventRetryAttemptFailed is the span event name for a failed retry attempt.
	EventRetryAttemptFailed = "retry.attempt_failed"
)

// SanitizeMetricLabel truncates a label value to MaxMetricLabelLength
// to prevent metric cardinality explosion in OTEL backends.
func SanitizeMetricLabel(value string) string {
	if len(value) > MaxMetricLabelLength {
		return value[:MaxMetricLabelLength]
	}

	return value
}
