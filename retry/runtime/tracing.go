package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	constant "github.com/LerianStudio/lib-retry/retry/constants"
)

// ErrPanic is the sentinel error recorded on spans for recovered panics.
// It allows observability backends to group panic errors together.
var ErrPanic = errors.New("panic")

// PanicSpanEventName is the span event name used for recovered panics.
const PanicSpanEventName = constant.EventPanicRecovered

const (
	attrPanicValue         = constant.AttrPrefixPanic + "value"
	attrPanicStack         = constant.AttrPrefixPanic + "stack"
	attrPanicGoroutineName = constant.AttrPrefixPanic + "goroutine_name"
	attrPanicComponent     = constant.AttrPrefixPanic + "component"
)

// RecordPanicToSpan records a recovered panic as an event on the span bound
// to ctx. It is a no-op when the context carries no recording span.
//
// The event includes the panic value, the stack trace, and the name of the
// goroutine that panicked. The span status is set to Error.
func RecordPanicToSpan(ctx context.Context, panicValue any, stack []byte, goroutineName string) {
	recordPanicToSpan(ctx, panicValue, stack, "", goroutineName)
}

// RecordPanicToSpanWithComponent is like RecordPanicToSpan but additionally
// attributes the panic to a component (for example "rabbitmq"). An empty
// component behaves exactly as RecordPanicToSpan.
func RecordPanicToSpanWithComponent(
	ctx context.Context,
	panicValue any,
	stack []byte,
	component, goroutineName string,
) {
	recordPanicToSpan(ctx, panicValue, stack, component, goroutineName)
}

func recordPanicToSpan(
	ctx context.Context,
	panicValue any,
	stack []byte,
	component, goroutineName string,
) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrPanicValue, formatPanicValue(panicValue)),
		attribute.String(attrPanicStack, string(stack)),
		attribute.String(attrPanicGoroutineName, goroutineName),
	}

	source := goroutineName
	if component != "" {
		attrs = append(attrs, attribute.String(attrPanicComponent, component))
		source = component + "/" + goroutineName
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))
	span.RecordError(fmt.Errorf("%w: %v", ErrPanic, panicValue))
	span.SetStatus(codes.Error, "panic recovered in "+source)
}
