// Package trace carries W3C trace context and a request id through message headers.
package trace

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"

	// HeaderXRequestID is the header carrying the request id across services.
	HeaderXRequestID = "X-Request-ID"
	// HeaderTraceParent is the W3C trace context header name.
	HeaderTraceParent = "traceparent"
	// HeaderTraceState is the W3C tracestate header name.
	HeaderTraceState = "tracestate"
)

// HeaderAccessor reads and writes message headers.
type HeaderAccessor interface {
	Get(key string) any
	Set(key string, value any)
	Keys() []string
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// IDFromContext returns the trace ID stored in ctx, if any.
func IDFromContext(ctx context.Context) (string, bool) {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		return traceID, true
	}
	return "", false
}

// EnsureTraceID returns the context's trace ID, the active span's trace ID, or a fresh uuid.
func EnsureTraceID(ctx context.Context) string {
	if traceID, ok := IDFromContext(ctx); ok {
		return traceID
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

// InjectIntoHeaders writes the global propagator's fields and a request id into the headers.
// An existing request id header is left untouched.
func InjectIntoHeaders(ctx context.Context, headers HeaderAccessor) {
	if headers == nil {
		return
	}
	if headerString(headers.Get(HeaderXRequestID)) == "" {
		headers.Set(HeaderXRequestID, EnsureTraceID(ctx))
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier{headers})
}

// ExtractFromHeaders restores the remote span context and request id from the headers.
func ExtractFromHeaders(ctx context.Context, headers HeaderAccessor) context.Context {
	if headers == nil {
		return ctx
	}
	if id := headerString(headers.Get(HeaderXRequestID)); id != "" {
		ctx = WithTraceID(ctx, id)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier{headers})
}

// carrier adapts a HeaderAccessor to propagation.TextMapCarrier.
type carrier struct {
	headers HeaderAccessor
}

func (c carrier) Get(key string) string {
	return headerString(c.headers.Get(key))
}

func (c carrier) Set(key, value string) {
	c.headers.Set(key, value)
}

func (c carrier) Keys() []string {
	return c.headers.Keys()
}

func headerString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
