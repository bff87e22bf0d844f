package bdispatch

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ctxKey is the key type for context values.
type ctxKey int

const (
	ctxKeyLogger ctxKey = iota
	ctxKeyRequestID
)

// withCorrelation returns a context that carries a logger derived from base, annotated with the request id and
// with the trace and span ids when ctx holds a valid span.
func withCorrelation(ctx context.Context, base *zap.Logger, requestID string) context.Context {
	l := base.With(zap.String("request_id", requestID))
	l = l.With(traceFields(ctx)...)

	ctx = context.WithValue(ctx, ctxKeyRequestID, requestID)
	return context.WithValue(ctx, ctxKeyLogger, l)
}

func loggerFrom(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}

	l, ok := ctx.Value(ctxKeyLogger).(*zap.Logger)
	return l, ok
}

// Log returns the request-scoped zap logger from the context. Outside of a dispatch cycle it returns a no-op
// logger.
func Log(ctx context.Context) *zap.Logger {
	if l, ok := loggerFrom(ctx); ok {
		return l
	}

	return zap.NewNop()
}

// RequestID returns the id of the request being dispatched, or the empty string outside of a cycle.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// Span returns the current trace span from the context.
func Span(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// traceFields extracts trace_id and span_id from the context for log correlation.
func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}

	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
