package tracer

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span named name as a child of any span in ctx.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.provider.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartPublishSpan starts a producer span for a publish to exchange.
func (t *Tracer) StartPublishSpan(ctx context.Context, exchange, routingKey string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "publish "+destination(exchange),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation.type", "send"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		))
}

// StartConsumeSpan starts a consumer span for a delivery from queue. The span
// continues the trace found in headers, if any.
func (t *Tracer) StartConsumeSpan(ctx context.Context, queue string, headers amqp.Table) (context.Context, trace.Span) {
	ctx = t.ExtractHeaders(ctx, headers)
	return t.StartSpan(ctx, "process "+queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation.type", "process"),
			attribute.String("messaging.destination.name", queue),
		))
}

// RecordErrorOnSpan records err on span and marks the span failed.
func (t *Tracer) RecordErrorOnSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes adds attrs to span. Values other than string, int, int64,
// float64 and bool are formatted with fmt.Sprint.
func (t *Tracer) SetAttributes(span trace.Span, attrs map[string]interface{}) {
	if len(attrs) == 0 {
		return
	}

	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			attributes = append(attributes, attribute.String(k, val))
		case int:
			attributes = append(attributes, attribute.Int(k, val))
		case int64:
			attributes = append(attributes, attribute.Int64(k, val))
		case float64:
			attributes = append(attributes, attribute.Float64(k, val))
		case bool:
			attributes = append(attributes, attribute.Bool(k, val))
		default:
			attributes = append(attributes, attribute.String(k, fmt.Sprint(val)))
		}
	}
	span.SetAttributes(attributes...)
}

// GetCarrier returns the trace context of ctx as a header map
// ("traceparent", "tracestate", "baggage").
func (t *Tracer) GetCarrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	t.propagator.Inject(ctx, carrier)
	return carrier
}

// SetCarrierOnContext returns ctx carrying the trace context found in carrier.
func (t *Tracer) SetCarrierOnContext(ctx context.Context, carrier map[string]string) context.Context {
	return t.propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

// InjectHeaders writes the trace context of ctx into headers, allocating the
// table when nil, and returns it.
func (t *Tracer) InjectHeaders(ctx context.Context, headers amqp.Table) amqp.Table {
	carrier := t.GetCarrier(ctx)
	if len(carrier) == 0 {
		return headers
	}
	if headers == nil {
		headers = amqp.Table{}
	}
	for k, v := range carrier {
		headers[k] = v
	}
	return headers
}

// ExtractHeaders returns ctx carrying the trace context found in message
// headers. Non-string header values are ignored.
func (t *Tracer) ExtractHeaders(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	carrier := make(map[string]string, len(headers))
	for k, v := range headers {
		switch s := v.(type) {
		case string:
			carrier[k] = s
		case []byte:
			carrier[k] = string(s)
		}
	}
	return t.SetCarrierOnContext(ctx, carrier)
}

func destination(exchange string) string {
	if exchange == "" {
		return "(default)"
	}
	return exchange
}
