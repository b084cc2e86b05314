package metrics

import (
	"context"

	constant "github.com/LerianStudio/lib-retry/retry/constants"
)

var (
	// MetricConnectionFailures counts connector connection failures, labeled
	// by backing system and the operation that failed.
	MetricConnectionFailures = Metric{
		Name:        constant.MetricConnectionFailuresTotal,
		Unit:        "1",
		Description: "Total number of connector connection failures.",
	}

	// MetricReconnections counts reconnection attempts, labeled by backing
	// system and result.
	MetricReconnections = Metric{
		Name:        constant.MetricReconnectionsTotal,
		Unit:        "1",
		Description: "Total number of connector reconnection attempts.",
	}
)

// RecordConnectionFailure increments the connection failure counter for one
// backing system (postgresql, mongodb, redis, rabbitmq, nats). The operation
// label names the phase that failed, such as connect or reconnect.
func (f *MetricsFactory) RecordConnectionFailure(ctx context.Context, system, operation string) error {
	b, err := f.Counter(MetricConnectionFailures)
	if err != nil {
		return err
	}

	return b.WithLabels(map[string]string{
		"system":    constant.SanitizeMetricLabel(system),
		"operation": constant.SanitizeMetricLabel(operation),
	}).AddOne(ctx)
}

// RecordReconnection increments the reconnection counter with a success or
// failure result.
func (f *MetricsFactory) RecordReconnection(ctx context.Context, system, result string) error {
	b, err := f.Counter(MetricReconnections)
	if err != nil {
		return err
	}

	return b.WithLabels(map[string]string{
		"system": constant.SanitizeMetricLabel(system),
		"result": constant.SanitizeMetricLabel(result),
	}).AddOne(ctx)
}
