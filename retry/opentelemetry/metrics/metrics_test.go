//go:build unit

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/LerianStudio/lib-retry/retry/log"
)

// newTestFactory creates a MetricsFactory backed by a real SDK meter provider
// with a ManualReader. The ManualReader lets us export and inspect actual
// metric data recorded by the instruments.
func newTestFactory(t *testing.T) (*MetricsFactory, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	factory, err := NewMetricsFactory(meter, &log.NopLogger{})
	require.NoError(t, err)

	return factory, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)

	return rm
}

func findMetricByName(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}

	return nil
}

func sumDataPoints(t *testing.T, m *metricdata.Metrics) []metricdata.DataPoint[int64] {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] data, got %T", m.Data)

	return sum.DataPoints
}

func histDataPoints(t *testing.T, m *metricdata.Metrics) []metricdata.HistogramDataPoint[int64] {
	t.Helper()

	hist, ok := m.Data.(metricdata.Histogram[int64])
	require.True(t, ok, "expected Histogram[int64] data, got %T", m.Data)

	return hist.DataPoints
}

func gaugeDataPoints(t *testing.T, m *metricdata.Metrics) []metricdata.DataPoint[int64] {
	t.Helper()

	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected Gauge[int64] data, got %T", m.Data)

	return gauge.DataPoints
}

func hasAttribute(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	if !ok {
		return false
	}

	return v.AsString() == value
}

func TestNewMetricsFactory_NilMeter(t *testing.T) {
	_, err := NewMetricsFactory(nil, &log.NopLogger{})
	assert.ErrorIs(t, err, ErrNilMeter, "nil meter must be rejected")
}

func TestNewMetricsFactory_NilLogger(t *testing.T) {
	// A nil logger is fine -- internal code guards against it.
	meter := noop.NewMeterProvider().Meter("test")
	factory, err := NewMetricsFactory(meter, nil)
	require.NoError(t, err)
	assert.NotNil(t, factory)
}

func TestNewNopFactory(t *testing.T) {
	factory := NewNopFactory()
	require.NotNil(t, factory)

	counter, err := factory.Counter(MetricRetryAttempts)
	require.NoError(t, err)
	assert.NoError(t, counter.AddOne(context.Background()))
}

func TestCounter_AddOne_RecordsValue(t *testing.T) {
	factory, reader := newTestFactory(t)

	counter, err := factory.Counter(Metric{
		Name:        "reconnects_total",
		Description: "Total number of reconnect attempts",
		Unit:        "1",
	})
	require.NoError(t, err)

	err = counter.AddOne(context.Background())
	require.NoError(t, err)

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "reconnects_total")
	require.NotNil(t, m, "metric reconnects_total must exist")

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(1), dps[0].Value)
}

func TestCounter_Add_Accumulates(t *testing.T) {
	factory, reader := newTestFactory(t)

	counter, err := factory.Counter(Metric{Name: "messages_requeued"})
	require.NoError(t, err)

	require.NoError(t, counter.Add(context.Background(), 42))
	require.NoError(t, counter.Add(context.Background(), 8))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "messages_requeued")
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(50), dps[0].Value, "counter should accumulate 42+8=50")
}

func TestCounter_NilCounter_ReturnsError(t *testing.T) {
	builder := &CounterBuilder{counter: nil}
	err := builder.AddOne(context.Background())
	assert.ErrorIs(t, err, ErrNilCounter)
}

func TestCounter_WithLabels_ImmutableBuilder(t *testing.T) {
	factory, reader := newTestFactory(t)

	base, err := factory.Counter(Metric{Name: "labeled_total"})
	require.NoError(t, err)

	labeled := base.WithLabels(map[string]string{"component": "redis"})
	require.NotSame(t, base, labeled, "WithLabels must return a new builder")

	require.NoError(t, labeled.AddOne(context.Background()))
	require.NoError(t, base.AddOne(context.Background()))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "labeled_total")
	require.NotNil(t, m)

	// One data point per attribute set: labeled and unlabeled.
	dps := sumDataPoints(t, m)
	require.Len(t, dps, 2)
}

func TestGauge_Set_KeepsLastValue(t *testing.T) {
	factory, reader := newTestFactory(t)

	gauge, err := factory.Gauge(Metric{Name: "inflight_operations"})
	require.NoError(t, err)

	require.NoError(t, gauge.Set(context.Background(), 10))
	require.NoError(t, gauge.Set(context.Background(), 25))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "inflight_operations")
	require.NotNil(t, m)

	dps := gaugeDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(25), dps[0].Value)
}

func TestGauge_NilGauge_ReturnsError(t *testing.T) {
	builder := &GaugeBuilder{gauge: nil}
	err := builder.Set(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNilGauge)
}

func TestHistogram_Record_RecordsValue(t *testing.T) {
	factory, reader := newTestFactory(t)

	hist, err := factory.Histogram(Metric{
		Name:        "wait_delay_milliseconds",
		Description: "Jittered delays",
		Unit:        "ms",
		Buckets:     []float64{10, 50, 100, 250, 500, 1000},
	})
	require.NoError(t, err)

	require.NoError(t, hist.Record(context.Background(), 75))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, "wait_delay_milliseconds")
	require.NotNil(t, m)

	dps := histDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, uint64(1), dps[0].Count)
	assert.Equal(t, int64(75), dps[0].Sum)
}

func TestHistogram_NilHistogram_ReturnsError(t *testing.T) {
	builder := &HistogramBuilder{histogram: nil}
	err := builder.Record(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNilHistogram)
}

func TestSelectDefaultBuckets(t *testing.T) {
	tests := []struct {
		name     string
		metric   string
		expected []float64
	}{
		{name: "delay metric", metric: "backoff_delay_milliseconds", expected: DefaultDelayBuckets},
		{name: "attempt metric", metric: "retry_attempts_used", expected: DefaultAttemptBuckets},
		{name: "latency metric", metric: "publish_latency", expected: DefaultLatencyBuckets},
		{name: "duration metric", metric: "lock_duration", expected: DefaultLatencyBuckets},
		{name: "uppercase name", metric: "BACKOFF_DELAY", expected: DefaultDelayBuckets},
		{name: "unknown falls back to latency", metric: "whatever", expected: DefaultLatencyBuckets},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, selectDefaultBuckets(tt.metric))
		})
	}
}

func TestHistogramCacheKey(t *testing.T) {
	assert.Equal(t, "m", histogramCacheKey("m", nil))
	assert.Equal(t, "m:1,2", histogramCacheKey("m", []float64{1, 2}))
	// Bucket order must not matter.
	assert.Equal(t, histogramCacheKey("m", []float64{2, 1}), histogramCacheKey("m", []float64{1, 2}))
}

func TestFactory_CachesInstruments(t *testing.T) {
	factory, _ := newTestFactory(t)

	first, err := factory.Counter(Metric{Name: "cached_total"})
	require.NoError(t, err)

	second, err := factory.Counter(Metric{Name: "cached_total"})
	require.NoError(t, err)

	assert.Equal(t, first.counter, second.counter, "same metric name must reuse the instrument")
}

func TestRecordRetryAttempt(t *testing.T) {
	factory, reader := newTestFactory(t)

	err := factory.RecordRetryAttempt(context.Background(), "rabbitmq", "transient")
	require.NoError(t, err)

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, MetricRetryAttempts.Name)
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(1), dps[0].Value)
	assert.True(t, hasAttribute(dps[0].Attributes, "component", "rabbitmq"))
	assert.True(t, hasAttribute(dps[0].Attributes, "class", "transient"))
}

func TestRecordRetryExhausted(t *testing.T) {
	factory, reader := newTestFactory(t)

	require.NoError(t, factory.RecordRetryExhausted(context.Background(), "mongo"))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, MetricRetryExhausted.Name)
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.True(t, hasAttribute(dps[0].Attributes, "component", "mongo"))
}

func TestRecordBackoffWait(t *testing.T) {
	factory, reader := newTestFactory(t)

	err := factory.RecordBackoffWait(context.Background(), "redis", 1500*time.Millisecond)
	require.NoError(t, err)

	rm := collectMetrics(t, reader)

	counter := findMetricByName(rm, MetricBackoffWaits.Name)
	require.NotNil(t, counter)
	require.Len(t, sumDataPoints(t, counter), 1)

	hist := findMetricByName(rm, MetricBackoffDelay.Name)
	require.NotNil(t, hist)

	dps := histDataPoints(t, hist)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(1500), dps[0].Sum, "delay must be recorded in milliseconds")
}

func TestRecordBreakerExecution(t *testing.T) {
	factory, reader := newTestFactory(t)

	require.NoError(t, factory.RecordBreakerExecution(context.Background(), "billing", "rejected_open"))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, MetricBreakerExecutions.Name)
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.Equal(t, int64(1), dps[0].Value)
	assert.True(t, hasAttribute(dps[0].Attributes, "service", "billing"))
	assert.True(t, hasAttribute(dps[0].Attributes, "result", "rejected_open"))
}

func TestRecordBreakerTransition(t *testing.T) {
	factory, reader := newTestFactory(t)

	require.NoError(t, factory.RecordBreakerTransition(context.Background(), "billing", "closed", "open"))

	rm := collectMetrics(t, reader)
	m := findMetricByName(rm, MetricBreakerTransitions.Name)
	require.NotNil(t, m)

	dps := sumDataPoints(t, m)
	require.Len(t, dps, 1)
	assert.True(t, hasAttribute(dps[0].Attributes, "service", "billing"))
	assert.True(t, hasAttribute(dps[0].Attributes, "from_state", "closed"))
	assert.True(t, hasAttribute(dps[0].Attributes, "to_state", "open"))
}

func TestRecordSystemUsage(t *testing.T) {
	factory, reader := newTestFactory(t)

	require.NoError(t, factory.RecordSystemCPUUsage(context.Background(), 37))
	require.NoError(t, factory.RecordSystemMemUsage(context.Background(), 64))

	rm := collectMetrics(t, reader)

	cpu := findMetricByName(rm, MetricSystemCPUUsage.Name)
	require.NotNil(t, cpu)
	assert.Equal(t, int64(37), gaugeDataPoints(t, cpu)[0].Value)

	mem := findMetricByName(rm, MetricSystemMemUsage.Name)
	require.NotNil(t, mem)
	assert.Equal(t, int64(64), gaugeDataPoints(t, mem)[0].Value)
}
