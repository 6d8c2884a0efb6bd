package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// SpanIDs reports the trace and span identifiers carried by ctx. ok is false
// when tracing is off or ctx holds no recording span.
func SpanIDs(ctx context.Context) (traceID, spanID string, ok bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}

// SpanFields stamps trace_id and span_id on a log event so turn logs can be
// joined with exported spans:
//
//	log.Info().Func(otel.SpanFields(ctx)).Msg("turn_finished")
func SpanFields(ctx context.Context) func(*zerolog.Event) {
	traceID, spanID, ok := SpanIDs(ctx)
	return func(e *zerolog.Event) {
		if ok {
			e.Str("trace_id", traceID).Str("span_id", spanID)
		}
	}
}
