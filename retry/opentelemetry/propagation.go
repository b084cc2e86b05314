package opentelemetry

import (
	"context"
	"maps"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	constant "github.com/LerianStudio/lib-retry/retry/constants"
)

// The propagation helpers use an explicit W3C trace context + baggage
// propagator rather than the process global, so injection and extraction
// behave the same whether or not ApplyGlobals ran.

// InjectTraceContext injects the trace context from ctx into carrier. A nil
// carrier is a no-op.
func InjectTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	if carrier == nil {
		return
	}

	defaultPropagator().Inject(ctx, carrier)
}

// ExtractTraceContext returns ctx enriched with any trace context found in
// carrier. A nil carrier returns ctx unchanged.
func ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	if carrier == nil {
		return ctx
	}

	return defaultPropagator().Extract(ctx, carrier)
}

// InjectHTTPContext writes trace propagation headers for an outgoing HTTP
// request into headers. A nil map is a no-op.
func InjectHTTPContext(ctx context.Context, headers map[string][]string) {
	if headers == nil {
		return
	}

	defaultPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractHTTPContext extracts trace context from an incoming Fiber request's
// headers into the request's user context.
func ExtractHTTPContext(c *fiber.Ctx) context.Context {
	carrier := propagation.HeaderCarrier{}

	for key, value := range c.Request().Header.All() {
		carrier.Set(string(key), string(value))
	}

	return defaultPropagator().Extract(c.UserContext(), carrier)
}

// InjectGRPCContext returns a copy of md with W3C trace headers injected
// under gRPC's lowercase key convention. A nil md produces a fresh MD.
func InjectGRPCContext(ctx context.Context, md metadata.MD) metadata.MD {
	if md == nil {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}

	// HeaderCarrier canonicalizes keys MIME-style ("Traceparent"); gRPC
	// metadata keys must be lowercase.
	defaultPropagator().Inject(ctx, propagation.HeaderCarrier(md))
	normalizeGRPCKey(md, constant.HeaderTraceparent, constant.MetadataTraceparent)
	normalizeGRPCKey(md, constant.HeaderTracestate, constant.MetadataTracestate)

	return md
}

func normalizeGRPCKey(md metadata.MD, from, to string) {
	values, ok := md[from]
	if !ok || len(values) == 0 {
		return
	}

	md[to] = append(md[to], values...)
	delete(md, from)
}

// ExtractGRPCContext returns ctx enriched with trace context from incoming
// gRPC metadata, accepting the lowercase keys gRPC delivers.
func ExtractGRPCContext(ctx context.Context, md metadata.MD) context.Context {
	if len(md) == 0 {
		return ctx
	}

	header := http.Header{}

	for key, values := range md {
		for _, value := range values {
			header.Add(key, value)
		}
	}

	return defaultPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}

// InjectQueueTraceContext returns the trace propagation headers for a queue
// message published under ctx.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	defaultPropagator().Inject(ctx, carrier)

	return carrier
}

// ExtractQueueTraceContext returns ctx enriched with trace context from
// queue message headers. Nil or empty headers return ctx unchanged.
func ExtractQueueTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return defaultPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// PrepareQueueHeaders merges trace propagation headers into a copy of
// baseHeaders. The base map is never mutated.
func PrepareQueueHeaders(ctx context.Context, baseHeaders map[string]any) map[string]any {
	headers := make(map[string]any, len(baseHeaders)+2)
	maps.Copy(headers, baseHeaders)

	for key, value := range InjectQueueTraceContext(ctx) {
		headers[key] = value
	}

	return headers
}

// InjectTraceHeadersIntoQueue adds trace propagation headers to an existing
// message header map in place, allocating the map when it is nil. A nil
// pointer is a no-op.
func InjectTraceHeadersIntoQueue(ctx context.Context, headers *map[string]any) {
	if headers == nil {
		return
	}

	if *headers == nil {
		*headers = make(map[string]any)
	}

	for key, value := range InjectQueueTraceContext(ctx) {
		(*headers)[key] = value
	}
}

// ExtractTraceContextFromQueueHeaders extracts trace context from AMQP-style
// headers whose values are typed any. Non-string values are skipped.
func ExtractTraceContextFromQueueHeaders(baseCtx context.Context, amqpHeaders map[string]any) context.Context {
	if len(amqpHeaders) == 0 {
		return baseCtx
	}

	carrier := propagation.MapCarrier{}

	for key, value := range amqpHeaders {
		if s, ok := value.(string); ok {
			carrier[key] = s
		}
	}

	if len(carrier) == 0 {
		return baseCtx
	}

	return defaultPropagator().Extract(baseCtx, carrier)
}

// GetTraceIDFromContext returns the hex trace ID of the span carried by ctx,
// or an empty string when ctx has no valid span context.
func GetTraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}

	return sc.TraceID().String()
}

// GetTraceStateFromContext returns the W3C tracestate of the span carried by
// ctx, or an empty string when ctx has no valid span context.
func GetTraceStateFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}

	return sc.TraceState().String()
}
