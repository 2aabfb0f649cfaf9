package mcp

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/TangGee/go-mcp-client"

// telemetry holds the spans and instruments a Session reports to. Without an SDK
// installed the global providers make every call a no-op.
type telemetry struct {
	tracer trace.Tracer

	requestDuration metric.Float64Histogram
	droppedMessages metric.Int64Counter
	pingDuration    metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, logger *slog.Logger) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := &telemetry{
		tracer: tp.Tracer(instrumentationName),
	}

	var err error
	t.requestDuration, err = meter.Float64Histogram("mcp.client.request.duration",
		metric.WithDescription("Duration of requests from send to response in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create request duration histogram", slog.String("err", err.Error()))
		t.requestDuration = noop.Float64Histogram{}
	}

	t.droppedMessages, err = meter.Int64Counter("mcp.client.messages.dropped",
		metric.WithDescription("Number of inbound messages dropped as malformed"),
	)
	if err != nil {
		logger.Warn("failed to create dropped messages counter", slog.String("err", err.Error()))
		t.droppedMessages = noop.Int64Counter{}
	}

	t.pingDuration, err = meter.Float64Histogram("mcp.client.ping.duration",
		metric.WithDescription("Round-trip time of pings in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create ping duration histogram", slog.String("err", err.Error()))
		t.pingDuration = noop.Float64Histogram{}
	}

	return t
}

func (t *telemetry) startRequest(ctx context.Context, method string, id MustString) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "mcp.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcp.method", method),
			attribute.String("mcp.request_id", string(id)),
		),
	)
}

func (t *telemetry) endRequest(ctx context.Context, span trace.Span, method string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	t.requestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("mcp.method", method),
		attribute.String("outcome", outcome),
	))
}

func (t *telemetry) messageDropped(ctx context.Context, reason string) {
	t.droppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
