package opentelemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	retry "github.com/LerianStudio/lib-retry/retry"
)

// AttrBagSpanProcessor copies attributes stashed on the context via
// retry.ContextWithSpanAttributes onto every span started under that
// context. Attributes set this way reach spans created by instrumentation
// that never sees the caller's attribute list.
type AttrBagSpanProcessor struct{}

// OnStart applies the context attribute bag to the span.
func (AttrBagSpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	attrs := retry.AttributesFromContext(parent)
	if len(attrs) > 0 {
		s.SetAttributes(attrs...)
	}
}

// OnEnd is a no-op.
func (AttrBagSpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

// Shutdown is a no-op.
func (AttrBagSpanProcessor) Shutdown(context.Context) error { return nil }

// ForceFlush is a no-op.
func (AttrBagSpanProcessor) ForceFlush(context.Context) error { return nil }

// RedactingAttrBagSpanProcessor is AttrBagSpanProcessor with redaction
// applied before the attributes reach the span. Mutation happens in OnStart
// because the SDK hands OnEnd a read-only snapshot.
type RedactingAttrBagSpanProcessor struct {
	Redactor *Redactor
}

// OnStart applies the redacted context attribute bag to the span.
func (p RedactingAttrBagSpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	attrs := retry.AttributesFromContext(parent)
	if len(attrs) == 0 {
		return
	}

	if p.Redactor != nil {
		attrs = redactAttributesByKey(attrs, p.Redactor)
	}

	if len(attrs) > 0 {
		s.SetAttributes(attrs...)
	}
}

// OnEnd is a no-op.
func (RedactingAttrBagSpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

// Shutdown is a no-op.
func (RedactingAttrBagSpanProcessor) Shutdown(context.Context) error { return nil }

// ForceFlush is a no-op.
func (RedactingAttrBagSpanProcessor) ForceFlush(context.Context) error { return nil }
