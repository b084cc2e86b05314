package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-retry/retry/backoff"
	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
	"github.com/LerianStudio/lib-retry/retry/runtime"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultFactor       = 2.0
	defaultJitterFactor = 1.0
	defaultComponent    = "retry"
)

// Operation is one attempt of retryable work. It must honor ctx so
// cancellation can interrupt a stuck attempt.
type Operation func(ctx context.Context) error

// Policy bounds one retry loop: how many attempts, how the delays between
// them grow, and how failures are classified. The zero value of every field
// means "use the default". Policies are plain values and safe to share; each
// Do call builds its own scheduler from the policy.
type Policy struct {
	// MaxAttempts caps total attempts, first try included.
	MaxAttempts int
	// InitialDelay is the backoff floor once the ramp has started.
	InitialDelay time.Duration
	// MaxDelay is the backoff ceiling.
	MaxDelay time.Duration
	// Factor multiplies the base delay after every attempt.
	Factor float64
	// JitterFactor scales the randomized spread around the base delay.
	// Zero means the default full spread; to disable jitter append
	// backoff.WithJitterFactor(0) to SchedulerOptions.
	JitterFactor float64
	// Classifier overrides the default error classification.
	Classifier Classifier
	// Component labels attempt logs and metrics ("redis", "rabbitmq").
	Component string
	// SchedulerOptions are applied after the policy-derived options and may
	// override them. Meant for injecting a delay primitive or random source.
	SchedulerOptions []backoff.Option
}

// DefaultPolicy returns the baseline policy: three attempts paced from
// 100ms up to 5s, doubling each time, with full jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  defaultMaxAttempts,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Factor:       defaultFactor,
		JitterFactor: defaultJitterFactor,
		Component:    defaultComponent,
	}
}

// Quick returns a policy for fast startup retries: many cheap attempts with
// short delays, useful while dependencies are still coming up.
func Quick() Policy {
	return Policy{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Factor:       1.5,
		JitterFactor: defaultJitterFactor,
		Component:    defaultComponent,
	}
}

// Persistent returns a policy for critical resources worth waiting on:
// a long attempt budget with delays growing up to ten seconds.
func Persistent() Policy {
	return Policy{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       defaultFactor,
		JitterFactor: defaultJitterFactor,
		Component:    defaultComponent,
	}
}

func (p *Policy) normalize() {
	defaults := DefaultPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}

	if p.InitialDelay <= 0 {
		p.InitialDelay = defaults.InitialDelay
	}

	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}

	if p.Factor <= 0 {
		p.Factor = defaults.Factor
	}

	if p.JitterFactor <= 0 {
		p.JitterFactor = defaults.JitterFactor
	}

	if strings.TrimSpace(p.Component) == "" {
		p.Component = defaults.Component
	}
}

//nolint:ireturn
func (p Policy) classifier() Classifier {
	if nilcheck.Interface(p.Classifier) {
		return DefaultClassifier
	}

	return p.Classifier
}

// newScheduler builds the per-loop scheduler. The observer feeds every
// backoff suspension into the logger and the wait/delay metrics, so pacing
// is visible without any caller wiring.
func (p Policy) newScheduler(logger log.Logger, factory *metrics.MetricsFactory) (*backoff.Scheduler, error) {
	opts := make([]backoff.Option, 0, 5+len(p.SchedulerOptions))
	opts = append(opts,
		backoff.WithInitialDelay(p.InitialDelay),
		backoff.WithFactor(p.Factor),
		backoff.WithMaxDelay(p.MaxDelay),
		backoff.WithJitterFactor(p.JitterFactor),
		backoff.WithObserver(backoff.MultiObserver(
			backoff.NewLogObserver(logger),
			backoff.NewMetricsObserver(factory, p.Component),
		)),
	)
	opts = append(opts, p.SchedulerOptions...)

	return backoff.NewScheduler(opts...)
}

// Do runs op under policy until it succeeds, a permanent error surfaces,
// the context dies, or the attempt budget is spent. The first attempt runs
// immediately; each following attempt waits on the policy's backoff curve.
// A resource-exhausted classification jumps the next delay straight to
// MaxDelay. When the budget runs out the returned error wraps both
// ErrAttemptsExhausted and the last attempt error.
//
// Logging and metrics flow through the facilities stored in ctx (see
// ContextWithLogger and ContextWithMetricFactory); contexts without them
// get no-op components.
func Do(ctx context.Context, policy Policy, op Operation) error {
	if op == nil {
		return ErrOperationRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	policy.normalize()

	logger, _, _, metricFactory := NewTrackingFromContext(ctx)

	scheduler, err := policy.newScheduler(logger, metricFactory)
	if err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}

	classifier := policy.classifier()
	production := runtime.IsProductionMode()

	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d/%d: %w", attempt, policy.MaxAttempts, ctx.Err())
		}

		if waitErr := scheduler.Wait(ctx); waitErr != nil {
			return fmt.Errorf("retry wait interrupted before attempt %d/%d: %w", attempt, policy.MaxAttempts, waitErr)
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Log(ctx, log.LevelInfo, "retry succeeded",
					log.String("component", policy.Component),
					log.Int("attempt", attempt))
			}

			return nil
		}

		lastErr = err
		class := classifier.Classify(err)

		_ = metricFactory.RecordRetryAttempt(ctx, policy.Component, class.String())

		log.SafeError(ctx, logger, "retry attempt failed", err, production,
			log.String("component", policy.Component),
			log.Int("attempt", attempt),
			log.Int("max_attempts", policy.MaxAttempts),
			log.String("class", class.String()))

		switch class {
		case ClassPermanent:
			return err
		case ClassResourceExhausted:
			scheduler.ResetToMax()
		case ClassTransient:
		}
	}

	_ = metricFactory.RecordRetryExhausted(ctx, policy.Component)

	logger.Log(ctx, log.LevelError, "retry attempts exhausted",
		log.String("component", policy.Component),
		log.Int("attempts", policy.MaxAttempts))

	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, policy.MaxAttempts, lastErr)
}

// DoWithResult runs op under policy and returns its value alongside the
// terminal error. The result is only assigned from a successful attempt.
func DoWithResult[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T

	if op == nil {
		return result, ErrOperationRequired
	}

	err := Do(ctx, policy, func(ctx context.Context) error {
		value, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}

		result = value

		return nil
	})

	return result, err
}
