package tracing

import (
	"context"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type logExporter struct {
	logger zerolog.Logger
}

// NewLogExporter writes each finished span as one zerolog event.
func NewLogExporter(logger zerolog.Logger) sdktrace.SpanExporter {
	return &logExporter{logger: logger}
}

func (l *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		sc := span.SpanContext()
		event := l.logger.Debug()
		if sc.TraceID().IsValid() {
			event = event.Str("trace_id", sc.TraceID().String())
		}
		if sc.SpanID().IsValid() {
			event = event.Str("span_id", sc.SpanID().String())
		}
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		event = event.
			Str("span_name", span.Name()).
			Str("span_kind", span.SpanKind().String()).
			Str("status", span.Status().Code.String()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))

		attrs := span.Attributes()
		if len(attrs) > 0 {
			fields := make(map[string]any, len(attrs))
			for _, attr := range attrs {
				fields[string(attr.Key)] = attr.Value.Emit()
			}
			event = event.Fields(fields)
		}
		event.Msg("span")
	}
	return nil
}

func (l *logExporter) Shutdown(context.Context) error   { return nil }
func (l *logExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*logExporter)(nil)
