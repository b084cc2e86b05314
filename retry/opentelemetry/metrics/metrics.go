package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	constant "github.com/LerianStudio/lib-retry/retry/constants"
	"github.com/LerianStudio/lib-retry/retry/log"
)

// MetricsFactory provides a thread-safe factory for creating and managing OpenTelemetry metrics
// with lazy initialization using sync.Map for high-performance concurrent access.
type MetricsFactory struct {
	meter      metric.Meter
	counters   sync.Map // string -> metric.Int64Counter
	gauges     sync.Map // string -> metric.Int64Gauge
	histograms sync.Map // string -> metric.Int64Histogram
	logger     log.Logger
}

// ErrNilMeter indicates that a nil OTEL meter was provided.
var ErrNilMeter = errors.New("metric meter cannot be nil")

// Metric represents a metric instrument definition.
type Metric struct {
	Name        string
	Description string
	Unit        string
	// For histograms: bucket boundaries
	Buckets []float64
}

// Pre-configured metrics for retry and backoff instrumentation.
var (
	// MetricRetryAttempts counts retry attempts, labeled by component and outcome class.
	MetricRetryAttempts = Metric{
		Name:        constant.MetricRetryAttemptsTotal,
		Unit:        "1",
		Description: "Total number of retry attempts executed.",
	}

	// MetricRetryExhausted counts operations that consumed their whole attempt budget.
	MetricRetryExhausted = Metric{
		Name:        constant.MetricRetryExhaustedTotal,
		Unit:        "1",
		Description: "Total number of operations that ran out of retry attempts.",
	}

	// MetricBackoffWaits counts backoff suspensions.
	MetricBackoffWaits = Metric{
		Name:        constant.MetricBackoffWaitsTotal,
		Unit:        "1",
		Description: "Total number of backoff suspensions.",
	}

	// MetricBackoffDelay tracks the distribution of jittered backoff delays.
	MetricBackoffDelay = Metric{
		Name:        constant.MetricBackoffDelayMilliseconds,
		Unit:        "ms",
		Description: "Distribution of jittered backoff delays.",
		Buckets:     DefaultDelayBuckets,
	}

	// MetricBreakerExecutions counts circuit breaker executions, labeled by
	// service and result (success, error, rejected_open, rejected_half_open).
	MetricBreakerExecutions = Metric{
		Name:        constant.MetricBreakerExecutionsTotal,
		Unit:        "1",
		Description: "Total number of circuit breaker executions.",
	}

	// MetricBreakerTransitions counts circuit breaker state transitions.
	MetricBreakerTransitions = Metric{
		Name:        constant.MetricBreakerTransitionsTotal,
		Unit:        "1",
		Description: "Total number of circuit breaker state transitions.",
	}
)

// Default histogram bucket configurations for different metric types.
var (
	// DefaultLatencyBuckets for latency measurements (in seconds)
	DefaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// DefaultDelayBuckets for backoff delays (in milliseconds). The upper
	// boundaries track the default backoff ceiling of one minute.
	DefaultDelayBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

	// DefaultAttemptBuckets for attempts consumed per operation.
	DefaultAttemptBuckets = []float64{1, 2, 3, 4, 5, 7, 10, 15, 20, 30, 50}
)

// NewMetricsFactory creates a new MetricsFactory instance.
func NewMetricsFactory(meter metric.Meter, logger log.Logger) (*MetricsFactory, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	return &MetricsFactory{
		meter:  meter,
		logger: logger,
	}, nil
}

// NewNopFactory returns a MetricsFactory backed by OpenTelemetry's no-op meter.
// It is safe for use as a fallback when a real meter is unavailable.
func NewNopFactory() *MetricsFactory {
	return &MetricsFactory{
		meter:  noop.NewMeterProvider().Meter("nop"),
		logger: log.NewNop(),
	}
}

// Counter creates or retrieves a counter metric and returns a builder for fluent API usage
func (f *MetricsFactory) Counter(m Metric) (*CounterBuilder, error) {
	counter, err := f.getOrCreateCounter(m)
	if err != nil {
		return nil, err
	}

	return &CounterBuilder{
		factory: f,
		counter: counter,
		name:    m.Name,
	}, nil
}

// Gauge creates or retrieves a gauge metric and returns a builder for fluent API usage
func (f *MetricsFactory) Gauge(m Metric) (*GaugeBuilder, error) {
	gauge, err := f.getOrCreateGauge(m)
	if err != nil {
		return nil, err
	}

	return &GaugeBuilder{
		factory: f,
		gauge:   gauge,
		name:    m.Name,
	}, nil
}

// Histogram creates or retrieves a histogram metric and returns a builder for fluent API usage
func (f *MetricsFactory) Histogram(m Metric) (*HistogramBuilder, error) {
	if m.Buckets == nil {
		m.Buckets = selectDefaultBuckets(m.Name)
	}

	histogram, err := f.getOrCreateHistogram(m)
	if err != nil {
		return nil, err
	}

	return &HistogramBuilder{
		factory:   f,
		histogram: histogram,
		name:      m.Name,
	}, nil
}

// selectDefaultBuckets chooses default buckets based on metric name.
// Uses substring checks in a deterministic order, domain-specific
// patterns first and general time patterns last.
func selectDefaultBuckets(name string) []float64 {
	nameL := strings.ToLower(name)

	patterns := []struct {
		substr  string
		buckets []float64
	}{
		{"delay", DefaultDelayBuckets},
		{"attempt", DefaultAttemptBuckets},
		{"latency", DefaultLatencyBuckets},
		{"duration", DefaultLatencyBuckets},
		{"time", DefaultLatencyBuckets},
	}

	for _, p := range patterns {
		if strings.Contains(nameL, p.substr) {
			return p.buckets
		}
	}

	return DefaultLatencyBuckets
}

// getOrCreateCounter lazily creates or retrieves an existing counter
func (f *MetricsFactory) getOrCreateCounter(m Metric) (metric.Int64Counter, error) {
	if counter, exists := f.counters.Load(m.Name); exists {
		if c, ok := counter.(metric.Int64Counter); ok {
			return c, nil
		}

		return nil, fmt.Errorf("counter cache contains invalid type for %q", m.Name)
	}

	counterOpts := f.addCounterOptions(m)

	counter, err := f.meter.Int64Counter(m.Name, counterOpts...)
	if err != nil {
		if f.logger != nil {
			f.logger.Log(context.Background(), log.LevelError, "failed to create counter metric", log.String("metric_name", m.Name), log.Err(err))
		}

		return nil, fmt.Errorf("create counter %q: %w", m.Name, err)
	}

	if actual, loaded := f.counters.LoadOrStore(m.Name, counter); loaded {
		// Another goroutine created it first, use that one
		if c, ok := actual.(metric.Int64Counter); ok {
			return c, nil
		}

		return nil, fmt.Errorf("counter cache contains invalid type for %q", m.Name)
	}

	return counter, nil
}

// getOrCreateGauge lazily creates or retrieves an existing gauge
func (f *MetricsFactory) getOrCreateGauge(m Metric) (metric.Int64Gauge, error) {
	if gauge, exists := f.gauges.Load(m.Name); exists {
		if g, ok := gauge.(metric.Int64Gauge); ok {
			return g, nil
		}

		return nil, fmt.Errorf("gauge cache contains invalid type for %q", m.Name)
	}

	gaugeOpts := f.addGaugeOptions(m)

	gauge, err := f.meter.Int64Gauge(m.Name, gaugeOpts...)
	if err != nil {
		if f.logger != nil {
			f.logger.Log(context.Background(), log.LevelError, "failed to create gauge metric", log.String("metric_name", m.Name), log.Err(err))
		}

		return nil, fmt.Errorf("create gauge %q: %w", m.Name, err)
	}

	if actual, loaded := f.gauges.LoadOrStore(m.Name, gauge); loaded {
		// Another goroutine created it first, use that one
		if g, ok := actual.(metric.Int64Gauge); ok {
			return g, nil
		}

		return nil, fmt.Errorf("gauge cache contains invalid type for %q", m.Name)
	}

	return gauge, nil
}

// getOrCreateHistogram lazily creates or retrieves an existing histogram.
// Uses a composite key (name + buckets hash) so different bucket configs
// result in different histograms.
func (f *MetricsFactory) getOrCreateHistogram(m Metric) (metric.Int64Histogram, error) {
	cacheKey := histogramCacheKey(m.Name, m.Buckets)

	if histogram, exists := f.histograms.Load(cacheKey); exists {
		if h, ok := histogram.(metric.Int64Histogram); ok {
			return h, nil
		}

		return nil, fmt.Errorf("histogram cache contains invalid type for %q", cacheKey)
	}

	histogramOpts := f.addHistogramOptions(m)

	histogram, err := f.meter.Int64Histogram(m.Name, histogramOpts...)
	if err != nil {
		if f.logger != nil {
			f.logger.Log(context.Background(), log.LevelError, "failed to create histogram metric", log.String("metric_name", m.Name), log.Err(err))
		}

		return nil, fmt.Errorf("create histogram %q: %w", m.Name, err)
	}

	if actual, loaded := f.histograms.LoadOrStore(cacheKey, histogram); loaded {
		// Another goroutine created it first, use that one
		if h, ok := actual.(metric.Int64Histogram); ok {
			return h, nil
		}

		return nil, fmt.Errorf("histogram cache contains invalid type for %q", cacheKey)
	}

	return histogram, nil
}

// histogramCacheKey generates a unique cache key based on name and bucket configuration.
func histogramCacheKey(name string, buckets []float64) string {
	if len(buckets) == 0 {
		return name
	}

	sortedBuckets := make([]float64, len(buckets))
	copy(sortedBuckets, buckets)
	sort.Float64s(sortedBuckets)

	bucketStrings := make([]string, len(sortedBuckets))
	for i, b := range sortedBuckets {
		bucketStrings[i] = strconv.FormatFloat(b, 'g', -1, 64)
	}

	return fmt.Sprintf("%s:%s", name, strings.Join(bucketStrings, ","))
}

func (f *MetricsFactory) addCounterOptions(m Metric) []metric.Int64CounterOption {
	var opts []metric.Int64CounterOption
	if m.Description != "" {
		opts = append(opts, metric.WithDescription(m.Description))
	}

	if m.Unit != "" {
		opts = append(opts, metric.WithUnit(m.Unit))
	}

	return opts
}

func (f *MetricsFactory) addGaugeOptions(m Metric) []metric.Int64GaugeOption {
	var opts []metric.Int64GaugeOption
	if m.Description != "" {
		opts = append(opts, metric.WithDescription(m.Description))
	}

	if m.Unit != "" {
		opts = append(opts, metric.WithUnit(m.Unit))
	}

	return opts
}

func (f *MetricsFactory) addHistogramOptions(m Metric) []metric.Int64HistogramOption {
	var opts []metric.Int64HistogramOption
	if m.Description != "" {
		opts = append(opts, metric.WithDescription(m.Description))
	}

	if m.Unit != "" {
		opts = append(opts, metric.WithUnit(m.Unit))
	}

	if m.Buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(m.Buckets...))
	}

	return opts
}
