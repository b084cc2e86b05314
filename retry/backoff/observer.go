package backoff

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
)

// NewLogObserver returns an Observer that records each warmed wait at debug
// level, with the pre-jitter base and the realized delay as structured
// fields. A nil logger yields a nil (no-op) observer.
func NewLogObserver(logger log.Logger) Observer {
	if nilcheck.Interface(logger) {
		return nil
	}

	return func(ctx context.Context, base, delay time.Duration) {
		logger.Log(ctx, log.LevelDebug, "backing off before next attempt",
			log.Duration("base_delay", base),
			log.Duration("delay", delay),
		)
	}
}

// NewMetricsObserver returns an Observer that counts warmed waits and
// records the realized delay in the backoff delay histogram, labeled with
// the given component. A nil factory yields a nil (no-op) observer.
func NewMetricsObserver(factory *metrics.MetricsFactory, component string) Observer {
	if factory == nil {
		return nil
	}

	return func(ctx context.Context, _, delay time.Duration) {
		_ = factory.RecordBackoffWait(ctx, component, delay)
	}
}

// MultiObserver fans a wait notification out to every non-nil observer, in
// order. It returns nil when no usable observer remains.
func MultiObserver(observers ...Observer) Observer {
	usable := make([]Observer, 0, len(observers))

	for _, obs := range observers {
		if obs != nil {
			usable = append(usable, obs)
		}
	}

	switch len(usable) {
	case 0:
		return nil
	case 1:
		return usable[0]
	default:
		return func(ctx context.Context, base, delay time.Duration) {
			for _, obs := range usable {
				obs(ctx, base, delay)
			}
		}
	}
}
