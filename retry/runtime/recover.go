package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-retry/retry/log"
)

// Logger defines the minimal logging interface required by runtime.
// This interface is satisfied by lib-retry's log.Logger.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use this in defer statements for handlers and workers
// where you want to prevent crashes.
//
// Note: This function does not record metrics or span events because it lacks
// context. For observability integration, use RecoverAndLogWithContext instead.
//
// Example:
//
//	func worker() {
//	    defer runtime.RecoverAndLog(logger, "worker")
//	    // ...
//	}
func RecoverAndLog(logger Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverAndLogWithContext is like RecoverAndLog but with full observability
// integration. It records metrics, span events, and reports to error tracking
// services.
//
// Example:
//
//	func consume(ctx context.Context) {
//	    defer runtime.RecoverAndLogWithContext(ctx, logger, "rabbitmq", "consume_loop")
//	    // ...
//	}
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)
	}
}

// RecoverAndCrash recovers from a panic, logs it with the stack trace, and
// re-panics to crash the process. Use this in defer statements for critical
// operations where continuing after a panic would be dangerous.
func RecoverAndCrash(logger Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		panic(r)
	}
}

// RecoverAndCrashWithContext is like RecoverAndCrash but with full
// observability integration. It records metrics and span events before
// re-panicking.
func RecoverAndCrashWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)
		panic(r)
	}
}

// RecoverWithPolicy recovers from a panic and handles it according to the
// specified policy. Use this when the recovery behavior needs to be determined
// at runtime.
//
// Note: This function does not record metrics or span events because it lacks
// context. For observability integration, use RecoverWithPolicyAndContext instead.
func RecoverWithPolicy(logger Logger, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// RecoverWithPolicyAndContext is like RecoverWithPolicy but with full
// observability integration. It records metrics, span events, and reports to
// error tracking services.
//
// Example:
//
//	func poll(ctx context.Context, policy runtime.PanicPolicy) {
//	    defer runtime.RecoverWithPolicyAndContext(ctx, logger, "redis", "reconnect_poll", policy)
//	    // ...
//	}
func RecoverWithPolicyAndContext(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy PanicPolicy,
) {
	if recovered := recover(); recovered != nil {
		stack := debug.Stack()
		logPanicWithStack(logger, name, recovered, stack)
		recordPanicObservability(ctx, recovered, stack, component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// HandlePanicValue processes a panic value that was already recovered by an
// external mechanism (for example a worker pool's own recover). This function
// logs and records observability data without calling recover() itself.
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	stack := debug.Stack()
	logPanicWithStack(logger, name, panicValue, stack)
	recordPanicObservability(ctx, panicValue, stack, component, name)
}

// logPanic logs the panic value and stack trace using the provided logger.
func logPanic(logger Logger, name string, panicValue any) {
	stack := debug.Stack()
	logPanicWithStack(logger, name, panicValue, stack)
}

// logPanicWithStack logs the panic with a pre-captured stack trace.
func logPanicWithStack(logger Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		// Last resort fallback - should never happen in production
		return
	}

	logger.Log(context.Background(), log.LevelError,
		fmt.Sprintf("panic recovered: source=%s value=%v\nstack_trace:\n%s",
			name, panicValue, string(stack)))
}

// recordPanicObservability records panic information to all configured
// observability systems: metrics, distributed tracing, and error reporting.
func recordPanicObservability(
	ctx context.Context,
	panicValue any,
	stack []byte,
	component, name string,
) {
	recordPanicMetric(ctx, component, name)
	RecordPanicToSpanWithComponent(ctx, panicValue, stack, component, name)
	reportPanicToErrorService(ctx, panicValue, stack, component, name)
}
