package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// OTelHandler tees slog records to the OTLP log exporter while the
// wrapped handler keeps writing the console output. Trace context is
// stamped onto both sides when a span is active.
type OTelHandler struct {
	handler slog.Handler
	logger  log.Logger
}

func NewOTelHandler(handler slog.Handler) *OTelHandler {
	return &OTelHandler{
		handler: handler,
		logger:  global.GetLoggerProvider().Logger("dataflux-func"),
	}
}

func (h *OTelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func severityOf(level slog.Level) log.Severity {
	switch {
	case level >= slog.LevelError:
		return log.SeverityError
	case level >= slog.LevelWarn:
		return log.SeverityWarn
	case level >= slog.LevelInfo:
		return log.SeverityInfo
	default:
		return log.SeverityDebug
	}
}

func (h *OTelHandler) Handle(ctx context.Context, record slog.Record) error {
	var attrs []slog.Attr
	record.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		attrs = append(attrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()))
	}

	consoleRecord := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	consoleRecord.AddAttrs(attrs...)
	if err := h.handler.Handle(ctx, consoleRecord); err != nil {
		return err
	}

	var otelRecord log.Record
	otelRecord.SetTimestamp(record.Time)
	otelRecord.SetBody(log.StringValue(record.Message))
	otelRecord.SetSeverity(severityOf(record.Level))
	for _, attr := range attrs {
		otelRecord.AddAttributes(log.String(attr.Key, attr.Value.String()))
	}

	h.logger.Emit(ctx, otelRecord)
	return nil
}

func (h *OTelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &OTelHandler{handler: h.handler.WithAttrs(attrs), logger: h.logger}
}

func (h *OTelHandler) WithGroup(name string) slog.Handler {
	return &OTelHandler{handler: h.handler.WithGroup(name), logger: h.logger}
}
