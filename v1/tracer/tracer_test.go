package tracer

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tr := newTracer(Config{ServiceName: "amqpbus-test", AppEnv: "test"}, nil, sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr, exporter
}

func TestPublishToConsumePropagation(t *testing.T) {
	tr, exporter := newTestTracer(t)

	ctx, publish := tr.StartPublishSpan(context.Background(), "orders", "order.created")
	headers := tr.InjectHeaders(ctx, amqp.Table{"x-custom": "kept"})
	publish.End()

	assert.Equal(t, "kept", headers["x-custom"])
	require.Contains(t, headers, "traceparent")

	_, consume := tr.StartConsumeSpan(context.Background(), "orders-queue", headers)
	consume.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "publish orders", spans[0].Name)
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind)
	assert.Equal(t, "process orders-queue", spans[1].Name)
	assert.Equal(t, trace.SpanKindConsumer, spans[1].SpanKind)

	assert.Equal(t, spans[0].SpanContext.TraceID(), spans[1].SpanContext.TraceID())
	assert.Equal(t, spans[0].SpanContext.SpanID(), spans[1].Parent.SpanID())
}

func TestDefaultExchangeSpanName(t *testing.T) {
	tr, exporter := newTestTracer(t)

	_, span := tr.StartPublishSpan(context.Background(), "", "queue-name")
	span.End()

	require.Len(t, exporter.GetSpans(), 1)
	assert.Equal(t, "publish (default)", exporter.GetSpans()[0].Name)
}

func TestInjectWithoutSpanLeavesHeadersAlone(t *testing.T) {
	tr, _ := newTestTracer(t)

	assert.Nil(t, tr.InjectHeaders(context.Background(), nil))
	assert.Equal(t, context.Background(), tr.ExtractHeaders(context.Background(), nil))
}

func TestCarrierRoundTrip(t *testing.T) {
	tr, _ := newTestTracer(t)

	ctx, span := tr.StartSpan(context.Background(), "root")
	defer span.End()

	carrier := tr.GetCarrier(ctx)
	restored := tr.SetCarrierOnContext(context.Background(), carrier)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(restored).TraceID())

	// byte valued headers are accepted too
	headers := amqp.Table{"traceparent": []byte(carrier["traceparent"]), "count": 3}
	restored = tr.ExtractHeaders(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(restored).TraceID())
}

func TestRecordErrorAndAttributes(t *testing.T) {
	tr, exporter := newTestTracer(t)

	_, span := tr.StartSpan(context.Background(), "work")
	tr.SetAttributes(span, map[string]interface{}{
		"queue":    "orders",
		"attempt":  2,
		"size":     int64(10),
		"ratio":    0.5,
		"redelive": true,
		"other":    []string{"a"},
	})
	tr.RecordErrorOnSpan(span, errors.New("handler failed"))
	span.End()

	got := exporter.GetSpans()[0]
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Equal(t, "handler failed", got.Status.Description)
	assert.Len(t, got.Attributes, 6)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "exception", got.Events[0].Name)
}
