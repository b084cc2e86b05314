// Package circuitbreaker provides per-service circuit breakers that
// compose with the retry driver.
//
// Use NewManager to create breakers with GetOrCreate, then run calls
// through Breaker.Execute (single attempt) or Breaker.Do (retried under a
// policy) so failures are tracked consistently across callers. An open
// breaker rejects attempts with ErrBreakerOpen, which the retry driver
// treats as transient: the backoff ramp naturally outlives the open
// window. A half-open rejection carries ErrTooManyRequests, classified as
// resource exhaustion so the backoff jumps to its ceiling and gives the
// breaker a full recovery window.
//
// The optional HealthChecker probes unhealthy services and resets their
// breakers once the probe succeeds. Its Run method satisfies the
// supervisor task shape, so it slots into a Supervisor next to the
// workloads it guards.
package circuitbreaker
