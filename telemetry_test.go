package mcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return metricdata.Metrics{}
}

func spanAttribute(span tracetest.SpanStub, key attribute.Key) string {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestSessionTelemetry(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	sess, ch := connectFake(t, mcp.WithTracerProvider(tp), mcp.WithMeterProvider(mp))

	errs := make(chan error, 1)
	go func() {
		_, err := sess.Request(context.Background(), mcp.MethodToolsList, nil)
		errs <- err
	}()
	req := ch.next(t)
	ch.respond(t, req.ID, `{"tools":[]}`)
	require.NoError(t, <-errs)

	go func() {
		_, err := sess.Request(context.Background(), mcp.MethodToolsCall, mcp.CallToolParams{Name: "x"})
		errs <- err
	}()
	failing := ch.next(t)
	ch.deliver(t, `{"jsonrpc":"2.0","id":"`+string(failing.ID)+`","error":{"code":-32602,"message":"Unknown tool: x"}}`)
	require.Error(t, <-errs)

	ch.deliver(t, `{"jsonrpc":"2.0"}`)

	spans := exporter.GetSpans()
	var listSpan, callSpan *tracetest.SpanStub
	for i := range spans {
		switch spanAttribute(spans[i], "mcp.method") {
		case mcp.MethodToolsList:
			listSpan = &spans[i]
		case mcp.MethodToolsCall:
			callSpan = &spans[i]
		}
	}
	require.NotNil(t, listSpan)
	require.NotNil(t, callSpan)
	assert.Equal(t, "mcp.request", listSpan.Name)
	assert.Equal(t, string(req.ID), spanAttribute(*listSpan, "mcp.request_id"))
	assert.Equal(t, codes.Unset, listSpan.Status.Code)
	assert.Equal(t, codes.Error, callSpan.Status.Code)

	duration := findMetric(t, reader, "mcp.client.request.duration")
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	// The initialize request is measured too.
	assert.Equal(t, uint64(3), count)

	require.Eventually(t, func() bool {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			return false
		}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if m.Name != "mcp.client.messages.dropped" {
					continue
				}
				sum, ok := m.Data.(metricdata.Sum[int64])
				return ok && len(sum.DataPoints) == 1 && sum.DataPoints[0].Value == 1
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
}

func TestLivenessTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	sess, ch := connectFake(t)
	liveness := mcp.NewLiveness(sess, mcp.WithLivenessMeterProvider(mp))

	errs := make(chan error, 1)
	go func() {
		_, err := liveness.Ping(context.Background())
		errs <- err
	}()
	ping := ch.next(t)
	ch.respond(t, ping.ID, `{}`)
	require.NoError(t, <-errs)

	m := findMetric(t, reader, "mcp.client.ping.duration")
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}
