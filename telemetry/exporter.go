package telemetry

import (
	"context"
	"encoding/hex"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to a structured logger. It suits nodes
// without a collector: dispatch spans end up next to the dispatch logs.
type LogExporter struct {
	logger *slog.Logger
}

// NewLogExporter creates a LogExporter. A nil logger uses slog.Default.
func NewLogExporter(logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{logger: logger.With("component", "telemetry")}
}

// ExportSpans implements sdktrace.SpanExporter. It never fails.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		e.logger.LogAttrs(ctx, spanLevel(span), "span", spanAttrs(span)...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}

func spanLevel(span sdktrace.ReadOnlySpan) slog.Level {
	if span.Status().Code == codes.Error {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

func spanAttrs(span sdktrace.ReadOnlySpan) []slog.Attr {
	sc := span.SpanContext()
	traceID := sc.TraceID()
	spanID := sc.SpanID()

	attrs := []slog.Attr{
		slog.String("span_name", span.Name()),
		slog.String("trace_id", hex.EncodeToString(traceID[:])),
		slog.String("span_id", hex.EncodeToString(spanID[:])),
		slog.Duration("duration", span.EndTime().Sub(span.StartTime())),
	}
	if span.Parent().IsValid() {
		parentID := span.Parent().SpanID()
		attrs = append(attrs, slog.String("parent_span_id", hex.EncodeToString(parentID[:])))
	}
	if st := span.Status(); st.Code != codes.Unset {
		attrs = append(attrs, slog.String("status", st.Code.String()))
		if st.Description != "" {
			attrs = append(attrs, slog.String("status_message", st.Description))
		}
	}
	for _, kv := range span.Attributes() {
		attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
	}
	return attrs
}
