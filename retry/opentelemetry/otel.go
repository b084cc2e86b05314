package opentelemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"

	constant "github.com/LerianStudio/lib-retry/retry/constants"
	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
)

var (
	// ErrNilTelemetryLogger indicates that TelemetryConfig.Logger is nil.
	ErrNilTelemetryLogger = errors.New("telemetry config logger cannot be nil")
	// ErrEmptyEndpoint indicates that telemetry is enabled without a collector endpoint.
	ErrEmptyEndpoint = errors.New("telemetry collector exporter endpoint cannot be empty")
	// ErrNilTelemetry indicates an operation on a nil Telemetry.
	ErrNilTelemetry = errors.New("telemetry is nil")
	// ErrNilShutdown indicates that no shutdown handler was configured.
	ErrNilShutdown = errors.New("telemetry shutdown handler is nil")
)

// TelemetryConfig configures provider construction.
type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	// InsecureExporter disables TLS on the OTLP gRPC exporters. Defaults to
	// false, which means TLS with system roots.
	InsecureExporter bool
	Logger           log.Logger
}

// Telemetry holds the constructed providers and their shutdown handlers.
// Providers are NOT installed globally on construction; call ApplyGlobals
// once during startup if the process should use them as defaults.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	MetricsFactory *metrics.MetricsFactory
	Redactor       *Redactor
	Propagator     propagation.TextMapPropagator
	shutdown       func()
	shutdownCtx    func(context.Context) error
}

// NewTelemetry builds telemetry providers from cfg. With EnableTelemetry false
// it returns no-op providers so callers keep a uniform wiring path in
// local/dev environments.
func NewTelemetry(cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.Logger == nil {
		return nil, ErrNilTelemetryLogger
	}

	if !cfg.EnableTelemetry {
		return newNoopTelemetry(cfg)
	}

	if strings.TrimSpace(cfg.CollectorExporterEndpoint) == "" {
		return nil, ErrEmptyEndpoint
	}

	ctx := context.Background()
	redactor := NewDefaultRedactor()
	rsc := cfg.newResource()

	tExp, err := cfg.newTracerExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	mExp, err := cfg.newMetricExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	lExp, err := cfg.newLoggerExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't initialize logger exporter: %w", err)
	}

	tp := cfg.newTracerProvider(rsc, tExp, redactor)
	mp := cfg.newMeterProvider(rsc, mExp)
	lp := cfg.newLoggerProvider(rsc, lExp)

	factory, err := metrics.NewMetricsFactory(mp.Meter(cfg.LibraryName), cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("can't initialize metrics factory: %w", err)
	}

	// Provider shutdown cascades into the registered exporters, so the
	// exporters are not registered twice.
	shutdown, shutdownCtx := buildShutdownHandlers(cfg.Logger, tp, mp, lp)

	cfg.Logger.Log(ctx, log.LevelInfo, "telemetry initialized",
		log.String("endpoint", cfg.CollectorExporterEndpoint),
		log.String("service", cfg.ServiceName),
	)

	return &Telemetry{
		TelemetryConfig: cfg,
		TracerProvider:  tp,
		MeterProvider:   mp,
		LoggerProvider:  lp,
		MetricsFactory:  factory,
		Redactor:        redactor,
		Propagator:      defaultPropagator(),
		shutdown:        shutdown,
		shutdownCtx:     shutdownCtx,
	}, nil
}

func newNoopTelemetry(cfg TelemetryConfig) (*Telemetry, error) {
	cfg.Logger.Log(context.Background(), log.LevelWarn, "telemetry disabled, using no-op providers")

	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	lp := sdklog.NewLoggerProvider()

	factory, err := metrics.NewMetricsFactory(mp.Meter(cfg.LibraryName), cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("can't initialize metrics factory: %w", err)
	}

	shutdown, shutdownCtx := buildShutdownHandlers(cfg.Logger, tp, mp, lp)

	return &Telemetry{
		TelemetryConfig: cfg,
		TracerProvider:  tp,
		MeterProvider:   mp,
		LoggerProvider:  lp,
		MetricsFactory:  factory,
		Redactor:        NewDefaultRedactor(),
		Propagator:      defaultPropagator(),
		shutdown:        shutdown,
		shutdownCtx:     shutdownCtx,
	}, nil
}

func defaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// newResource creates a resource with only custom attributes to avoid schema URL conflicts.
func (tl *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(tl.ServiceName),
		semconv.ServiceVersion(tl.ServiceVersion),
		semconv.DeploymentEnvironmentName(tl.DeploymentEnv),
		semconv.TelemetrySDKName(constant.TelemetrySDKName),
		semconv.TelemetrySDKLanguageGo,
	)
}

func (tl *TelemetryConfig) newTracerExporter(ctx context.Context) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(tl.CollectorExporterEndpoint))}
	if tl.InsecureExporter {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

func (tl *TelemetryConfig) newMetricExporter(ctx context.Context) (*otlpmetricgrpc.Exporter, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(strings.TrimSpace(tl.CollectorExporterEndpoint))}
	if tl.InsecureExporter {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	return otlpmetricgrpc.New(ctx, opts...)
}

func (tl *TelemetryConfig) newLoggerExporter(ctx context.Context) (*otlploggrpc.Exporter, error) {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(strings.TrimSpace(tl.CollectorExporterEndpoint))}
	if tl.InsecureExporter {
		opts = append(opts, otlploggrpc.WithInsecure())
	}

	return otlploggrpc.New(ctx, opts...)
}

func (tl *TelemetryConfig) newTracerProvider(rsc *sdkresource.Resource, exp *otlptrace.Exporter, redactor *Redactor) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(rsc),
		sdktrace.WithSpanProcessor(RedactingAttrBagSpanProcessor{Redactor: redactor}),
	)
}

func (tl *TelemetryConfig) newMeterProvider(rsc *sdkresource.Resource, exp *otlpmetricgrpc.Exporter) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(rsc),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
	)
}

func (tl *TelemetryConfig) newLoggerProvider(rsc *sdkresource.Resource, exp *otlploggrpc.Exporter) *sdklog.LoggerProvider {
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(rsc),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
	)
}

// ApplyGlobals installs the telemetry providers and propagator as the
// process-wide OpenTelemetry defaults. Safe on a nil receiver.
func (tl *Telemetry) ApplyGlobals() {
	if tl == nil {
		return
	}

	if tl.TracerProvider != nil {
		otel.SetTracerProvider(tl.TracerProvider)
	}

	if tl.MeterProvider != nil {
		otel.SetMeterProvider(tl.MeterProvider)
	}

	if tl.LoggerProvider != nil {
		global.SetLoggerProvider(tl.LoggerProvider)
	}

	if tl.Propagator != nil {
		otel.SetTextMapPropagator(tl.Propagator)
	}
}

// Tracer returns a tracer from this Telemetry's provider.
func (tl *Telemetry) Tracer(name string) (trace.Tracer, error) {
	if tl == nil || tl.TracerProvider == nil {
		return nil, ErrNilTelemetry
	}

	return tl.TracerProvider.Tracer(name), nil
}

// Meter returns a meter from this Telemetry's provider.
func (tl *Telemetry) Meter(name string) (metric.Meter, error) {
	if tl == nil || tl.MeterProvider == nil {
		return nil, ErrNilTelemetry
	}

	return tl.MeterProvider.Meter(name), nil
}

// ShutdownTelemetry shuts down the providers, logging any errors. Safe on a
// nil receiver.
func (tl *Telemetry) ShutdownTelemetry() {
	if tl == nil || tl.shutdown == nil {
		return
	}

	tl.shutdown()
}

// ShutdownTelemetryWithContext shuts down the providers, honoring ctx
// cancellation, and returns the joined shutdown errors.
func (tl *Telemetry) ShutdownTelemetryWithContext(ctx context.Context) error {
	if tl == nil {
		return ErrNilTelemetry
	}

	if tl.shutdownCtx != nil {
		return tl.shutdownCtx(ctx)
	}

	if tl.shutdown != nil {
		tl.shutdown()
		return nil
	}

	return ErrNilShutdown
}

// EndTracingSpans ends the span carried by ctx, if any.
func (tl *Telemetry) EndTracingSpans(ctx context.Context) {
	trace.SpanFromContext(ctx).End()
}

type shutdownable interface {
	Shutdown(context.Context) error
}

func isNilShutdownable(component shutdownable) bool {
	return nilcheck.Interface(component)
}

// buildShutdownHandlers returns a fire-and-forget shutdown func and a
// context-aware variant that joins component errors. Nil components
// (untyped or typed) are skipped.
func buildShutdownHandlers(logger log.Logger, components ...shutdownable) (func(), func(context.Context) error) {
	shutdownCtx := func(ctx context.Context) error {
		var errs []error

		for _, component := range components {
			if isNilShutdownable(component) {
				continue
			}

			if err := component.Shutdown(ctx); err != nil {
				errs = append(errs, err)

				if logger != nil {
					logger.Log(ctx, log.LevelError, "telemetry component shutdown failed", log.Err(err))
				}
			}
		}

		return errors.Join(errs...)
	}

	shutdown := func() {
		if err := shutdownCtx(context.Background()); err != nil && logger != nil {
			logger.Log(context.Background(), log.LevelError, "telemetry shutdown failed", log.Err(err))
		}
	}

	return shutdown, shutdownCtx
}

// HandleSpanBusinessErrorEvent adds a business error event to the span
// without marking the span itself as failed.
func HandleSpanBusinessErrorEvent(span trace.Span, eventName string, err error) {
	if span == nil || err == nil {
		return
	}

	span.AddEvent(eventName, trace.WithAttributes(attribute.String("error", err.Error())))
}

// HandleSpanEvent adds an event to the span.
func HandleSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// HandleSpanError sets the status of the span to error and records the error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// SetSpanAttributesFromValue flattens value into dotted span attributes under
// prefix, applying the redactor to every produced attribute. A nil span or
// nil value is a no-op.
func SetSpanAttributesFromValue(span trace.Span, prefix string, value any, redactor *Redactor) error {
	if span == nil {
		return nil
	}

	attrs, err := BuildAttributesFromValue(prefix, value, redactor)
	if err != nil {
		return err
	}

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return nil
}

// BuildAttributesFromValue converts value into flattened span attributes.
// Nested maps become dotted keys ("req.user.id"), arrays are indexed
// ("req.items.0"), strings are truncated and UTF-8 sanitized. When redactor
// is non-nil, matched attributes are masked, hashed, or dropped.
func BuildAttributesFromValue(prefix string, value any, redactor *Redactor) ([]attribute.KeyValue, error) {
	if value == nil {
		return nil, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("can't marshal value for span attributes: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("can't decode value for span attributes: %w", err)
	}

	var attrs []attribute.KeyValue

	flattenAttributes(&attrs, sanitizeUTF8String(prefix), decoded, 0)

	if redactor != nil {
		attrs = redactAttributesByKey(attrs, redactor)
	}

	return attrs, nil
}

// Attribute flattening limits. Deeply nested or very wide payloads are cut
// off instead of producing unbounded span attributes.
const (
	maxAttributeDepth            = 8
	maxAttributeCount            = 128
	maxSpanAttributeStringLength = 4096
)

func flattenAttributes(attrs *[]attribute.KeyValue, key string, value any, depth int) {
	if depth > maxAttributeDepth || len(*attrs) >= maxAttributeCount {
		return
	}

	switch v := value.(type) {
	case nil:
		return
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			flattenAttributes(attrs, key+"."+sanitizeUTF8String(k), v[k], depth+1)
		}
	case []any:
		for i, item := range v {
			flattenAttributes(attrs, key+"."+strconv.Itoa(i), item, depth+1)
		}
	case string:
		s := v
		if len(s) > maxSpanAttributeStringLength {
			s = s[:maxSpanAttributeStringLength]
		}

		*attrs = append(*attrs, attribute.String(key, sanitizeUTF8String(s)))
	case bool:
		*attrs = append(*attrs, attribute.Bool(key, v))
	case float64:
		*attrs = append(*attrs, attribute.Float64(key, v))
	case json.Number:
		*attrs = append(*attrs, attribute.String(key, v.String()))
	default:
		*attrs = append(*attrs, attribute.String(key, sanitizeUTF8String(fmt.Sprintf("%v", v))))
	}
}

// sanitizeUTF8String replaces invalid UTF-8 sequences with the Unicode
// replacement character (U+FFFD).
func sanitizeUTF8String(s string) string {
	if !utf8.ValidString(s) {
		return strings.ToValidUTF8(s, "�")
	}

	return s
}
