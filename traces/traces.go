package traces

import (
	"context"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/webserver/health"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	log    = sbragi.WithLocalScope(sbragi.LevelInfo)
	Traces trace.Tracer
)

func Init() {
	Traces = otel.Tracer(health.Name)
	log.Debug("tracer initialised", "name", health.Name)
}

// Start opens a span on the configured tracer, falling back to the global provider before Init.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := Traces
	if tracer == nil {
		tracer = otel.Tracer("streamstore")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
