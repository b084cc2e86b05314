package runtime

import "context"

// SafeGo launches fn in a new goroutine with panic recovery. A panic inside
// fn is logged with its stack trace and handled according to policy.
//
// Use this instead of a bare `go` statement for background work whose panic
// must not silently kill the process (or must kill it deliberately).
//
// Example:
//
//	runtime.SafeGo(logger, "close-monitor", runtime.KeepRunning, func() {
//	    <-closeCh
//	    cleanup()
//	})
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(logger, name, policy)
		fn()
	}()
}

// SafeGoWithContext is like SafeGo but passes ctx to fn and records panics to
// the observability systems (metrics, tracing, error reporting) bound to ctx.
func SafeGoWithContext(
	ctx context.Context,
	logger Logger,
	name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	SafeGoWithContextAndComponent(ctx, logger, "", name, policy, fn)
}

// SafeGoWithContextAndComponent is like SafeGoWithContext but attributes the
// panic to a component (for example "rabbitmq" or "redis") in metrics and
// span events.
//
// Example:
//
//	runtime.SafeGoWithContextAndComponent(ctx, logger, "rabbitmq", "reconnect-loop",
//	    runtime.KeepRunning, func(ctx context.Context) {
//	        consume(ctx)
//	    })
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)
		fn(ctx)
	}()
}
