package metrics

import (
	"context"

	constant "github.com/LerianStudio/lib-retry/retry/constants"
)

// RecordBreakerExecution increments the circuit breaker execution counter.
// The result label carries the outcome: success, error, rejected_open or
// rejected_half_open.
func (f *MetricsFactory) RecordBreakerExecution(ctx context.Context, service, result string) error {
	b, err := f.Counter(MetricBreakerExecutions)
	if err != nil {
		return err
	}

	return b.WithLabels(map[string]string{
		"service": constant.SanitizeMetricLabel(service),
		"result":  constant.SanitizeMetricLabel(result),
	}).AddOne(ctx)
}

// RecordBreakerTransition increments the state transition counter for one
// breaker state change.
func (f *MetricsFactory) RecordBreakerTransition(ctx context.Context, service, fromState, toState string) error {
	b, err := f.Counter(MetricBreakerTransitions)
	if err != nil {
		return err
	}

	return b.WithLabels(map[string]string{
		"service":    constant.SanitizeMetricLabel(service),
		"from_state": constant.SanitizeMetricLabel(fromState),
		"to_state":   constant.SanitizeMetricLabel(toState),
	}).AddOne(ctx)
}
