// Package retry provides bounded, observable retry loops for Lerian
// services.
//
// The package pairs an attempt-capped driver (Do, DoWithResult) with the
// stateful backoff scheduler from the backoff subpackage: the driver owns
// the attempt budget and error classification while the scheduler owns the
// pacing between attempts. Failures classified as permanent stop the loop;
// resource-exhaustion failures jump the next delay straight to the ceiling.
//
// Typical usage:
//
//	ctx = retry.ContextWithLogger(ctx, logger)
//	ctx = retry.ContextWithMetricFactory(ctx, factory)
//
//	err := retry.Do(ctx, retry.Persistent(), func(ctx context.Context) error {
//		return conn.Ping(ctx)
//	})
//
// The root package also carries the context plumbing shared by the
// subpackages; specialized integrations live in subpackages such as
// backoff, zap, opentelemetry, redis, postgres, mongo, and rabbitmq.
package retry
