package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-retry/retry/assert"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
)

// ErrNilParentContext indicates that a nil parent context was provided.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

// ---- Context container ----

type customContextKey string

// CustomContextKey is the context key used to store CustomContextKeyValue.
var CustomContextKey = customContextKey("custom_context")

// CustomContextKeyValue holds the request-scoped facilities attached to a
// context: the logger, tracer and metrics factory retry operations report
// through, the correlation HeaderID, and the span attribute bag.
type CustomContextKeyValue struct {
	HeaderID      string
	Tracer        trace.Tracer
	Logger        log.Logger
	MetricFactory *metrics.MetricsFactory

	// AttrBag holds request-wide attributes applied to every span started
	// under this context. Keep cardinality low (tenant.id, operation,
	// request_id, region).
	AttrBag []attribute.KeyValue
}

// cloneContextValues returns a copy of the CustomContextKeyValue stored in
// ctx, or a fresh zero value when none is stored. The AttrBag slice is
// deep-copied so a derived context never shares a backing array with its
// parent.
func cloneContextValues(ctx context.Context) *CustomContextKeyValue {
	clone := &CustomContextKeyValue{}

	if existing, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && existing != nil {
		*clone = *existing

		if len(existing.AttrBag) > 0 {
			clone.AttrBag = make([]attribute.KeyValue, len(existing.AttrBag))
			copy(clone.AttrBag, existing.AttrBag)
		}
	}

	return clone
}

// ---- Logger helpers ----

// NewLoggerFromContext extracts the Logger stored in ctx, or a no-op logger
// when none is set.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if customContext, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok &&
		customContext.Logger != nil {
		return customContext.Logger
	}

	return &log.NopLogger{}
}

// ContextWithLogger returns a context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := cloneContextValues(ctx)
	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ---- Tracer helpers ----

// ContextWithTracer returns a context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := cloneContextValues(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// ---- Metrics helpers ----

// ContextWithMetricFactory returns a context carrying metricFactory.
func ContextWithMetricFactory(ctx context.Context, metricFactory *metrics.MetricsFactory) context.Context {
	values := cloneContextValues(ctx)
	values.MetricFactory = metricFactory

	return context.WithValue(ctx, CustomContextKey, values)
}

// ---- Correlation / HeaderID helpers ----

// ContextWithHeaderID returns a context carrying the correlation headerID.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values := cloneContextValues(ctx)
	values.HeaderID = headerID

	return context.WithValue(ctx, CustomContextKey, values)
}

// ---- Tracking bundle (convenience) ----

// TrackingComponents is the set of observability components a retried
// operation needs, extracted from context in one call.
type TrackingComponents struct {
	Logger        log.Logger
	Tracer        trace.Tracer
	HeaderID      string
	MetricFactory *metrics.MetricsFactory
}

// NewTrackingFromContext extracts tracking components from ctx. Components
// missing from the context are replaced with usable defaults, so callers
// never receive a nil logger, tracer or factory.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string, *metrics.MetricsFactory) {
	components := extractTrackingComponents(ctx)
	return components.Logger, components.Tracer, components.HeaderID, components.MetricFactory
}

func extractTrackingComponents(ctx context.Context) TrackingComponents {
	customContext, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if !ok || customContext == nil {
		return newDefaultTrackingComponents()
	}

	return TrackingComponents{
		Logger:        resolveLogger(customContext.Logger),
		Tracer:        resolveTracer(customContext.Tracer),
		HeaderID:      resolveHeaderID(customContext.HeaderID),
		MetricFactory: resolveMetricFactory(customContext.MetricFactory),
	}
}

//nolint:ireturn
func resolveLogger(logger log.Logger) log.Logger {
	if logger != nil {
		return logger
	}

	return &log.NopLogger{}
}

//nolint:ireturn
func resolveTracer(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}

	return otel.Tracer("retry.default")
}

// resolveHeaderID trims the stored ID and falls back to a fresh UUID, so
// every operation carries a correlation ID even when ingress forgot one.
func resolveHeaderID(headerID string) string {
	if trimmed := strings.TrimSpace(headerID); trimmed != "" {
		return trimmed
	}

	return uuid.New().String()
}

// resolveMetricFactory never returns nil. Factory construction only fails
// when the meter provider hands back a nil meter; that case degrades to a
// no-op factory.
func resolveMetricFactory(factory *metrics.MetricsFactory) *metrics.MetricsFactory {
	if factory != nil {
		return factory
	}

	meter := otel.GetMeterProvider().Meter("retry.default")

	defaultFactory, err := metrics.NewMetricsFactory(meter, &log.NopLogger{})
	if err != nil {
		asserter := assert.New(context.Background(), nil, "retry", "resolveMetricFactory")
		_ = asserter.Never(context.Background(), "failed to create default MetricsFactory: "+err.Error())

		return metrics.NewNopFactory()
	}

	return defaultFactory
}

func newDefaultTrackingComponents() TrackingComponents {
	return TrackingComponents{
		Logger:        &log.NopLogger{},
		Tracer:        otel.Tracer("retry.default"),
		HeaderID:      uuid.New().String(),
		MetricFactory: resolveMetricFactory(nil),
	}
}

// ---- Attribute Bag (request-wide span attributes) ----

// ContextWithSpanAttributes appends one or more attributes to the request's
// AttrBag. Call this once at the ingress and avoid per-layer duplication;
// the span processors in the opentelemetry package apply the bag to every
// span started under the returned context.
func ContextWithSpanAttributes(ctx context.Context, kv ...attribute.KeyValue) context.Context {
	if len(kv) == 0 {
		return ctx
	}

	values := cloneContextValues(ctx)
	values.AttrBag = append(values.AttrBag, kv...)

	return context.WithValue(ctx, CustomContextKey, values)
}

// AttributesFromContext returns a shallow copy of the AttrBag slice, safe to
// reuse by span processors.
func AttributesFromContext(ctx context.Context) []attribute.KeyValue {
	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && values != nil && len(values.AttrBag) > 0 {
		out := make([]attribute.KeyValue, len(values.AttrBag))
		copy(out, values.AttrBag)

		return out
	}

	return nil
}

// ReplaceAttributes resets the current AttrBag with a new set.
func ReplaceAttributes(ctx context.Context, kv ...attribute.KeyValue) context.Context {
	values := cloneContextValues(ctx)
	values.AttrBag = append(values.AttrBag[:0], kv...)

	return context.WithValue(ctx, CustomContextKey, values)
}

// ---- Deadline Management ----

// WithTimeoutSafe creates a context with the given timeout while respecting
// any existing deadline in the parent. When the parent's deadline is shorter
// than timeout, the returned context inherits the parent's deadline instead
// of extending it. A nil parent returns ErrNilParentContext.
func WithTimeoutSafe(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if parent == nil {
		return nil, nil, ErrNilParentContext
	}

	if deadline, ok := parent.Deadline(); ok {
		timeUntilDeadline := time.Until(deadline)

		if timeUntilDeadline < timeout {
			ctx, cancel := context.WithCancel(parent)
			return ctx, cancel, nil
		}
	}

	ctx, cancel := context.WithTimeout(parent, timeout)

	return ctx, cancel, nil
}
