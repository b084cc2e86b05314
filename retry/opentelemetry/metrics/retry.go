package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	constant "github.com/LerianStudio/lib-retry/retry/constants"
)

// RecordRetryAttempt increments the retry attempt counter. The component
// label identifies the caller (for example "rabbitmq" or "redis") and class
// carries the classified outcome of the attempt.
func (f *MetricsFactory) RecordRetryAttempt(ctx context.Context, component, class string, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricRetryAttempts)
	if err != nil {
		return err
	}

	return b.WithLabels(map[string]string{
		"component": constant.SanitizeMetricLabel(component),
		"class":     constant.SanitizeMetricLabel(class),
	}).WithAttributes(attributes...).AddOne(ctx)
}

// RecordRetryExhausted increments the exhausted-budget counter.
func (f *MetricsFactory) RecordRetryExhausted(ctx context.Context, component string, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricRetryExhausted)
	if err != nil {
		return err
	}

	return b.WithLabels(map[string]string{
		"component": constant.SanitizeMetricLabel(component),
	}).WithAttributes(attributes...).AddOne(ctx)
}

// RecordBackoffWait records one backoff suspension: the wait counter is
// incremented and the jittered delay lands in the delay histogram.
func (f *MetricsFactory) RecordBackoffWait(ctx context.Context, component string, delay time.Duration) error {
	counter, err := f.Counter(MetricBackoffWaits)
	if err != nil {
		return err
	}

	labels := map[string]string{"component": constant.SanitizeMetricLabel(component)}

	if err := counter.WithLabels(labels).AddOne(ctx); err != nil {
		return err
	}

	histogram, err := f.Histogram(MetricBackoffDelay)
	if err != nil {
		return err
	}

	return histogram.WithLabels(labels).Record(ctx, delay.Milliseconds())
}
