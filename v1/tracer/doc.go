// Package tracer provides OpenTelemetry tracing for the AMQP client.
//
// A Tracer wraps an SDK TracerProvider, optionally exporting over OTLP HTTP,
// and installs itself as the global provider and W3C propagator. The rabbit
// client uses it to start a producer span per publish and a consumer span per
// delivery, and to carry trace context in message headers:
//
//	ctx, span := t.StartPublishSpan(ctx, "orders", "order.created")
//	defer span.End()
//	msg.Headers = t.InjectHeaders(ctx, msg.Headers)
//
// On the consuming side StartConsumeSpan continues the trace found in the
// delivery headers.
//
// FXModule provides *Tracer and shuts it down on application stop.
package tracer
