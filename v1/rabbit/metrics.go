package rabbit

import (
	"context"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/metrics"
)

// WithMetrics records connection, channel, confirm and consumer events as
// Prometheus metrics. When no observer is attached yet, collector also becomes
// the observer of every component. It must be called at most once, before Start.
//
// Metrics (names are prefixed with the collector's namespace):
//   - amqp_connection_up: 1 while connected
//   - amqp_connection_blocked: 1 while the broker blocks publishers
//   - amqp_reconnects_total: successful reconnects
//   - amqp_channel_shutdowns_total: closed channels
//   - amqp_publisher_confirms_total{outcome}: acks and nacks received
//   - amqp_returned_messages_total{exchange}: unroutable mandatory messages
//   - amqp_consumers_active{queue}: subscribed consumers
func (rb *RabbitClient) WithMetrics(collector metrics.MetricsCollector) *RabbitClient {
	if rb.observer == nil {
		rb.WithObserver(collector)
	}

	up := collector.CreateGauge("amqp_connection_up", "Whether a broker connection is established.", nil).WithLabelValues()
	blocked := collector.CreateGauge("amqp_connection_blocked", "Whether the broker blocks publishers.", nil).WithLabelValues()
	reconnects := collector.CreateCounter("amqp_reconnects_total", "Number of successful reconnects.", nil).WithLabelValues()
	shutdowns := collector.CreateCounter("amqp_channel_shutdowns_total", "Number of closed channels.", nil).WithLabelValues()
	confirmations := collector.CreateCounter("amqp_publisher_confirms_total", "Publisher confirms by outcome.", []string{"outcome"})
	returns := collector.CreateCounter("amqp_returned_messages_total", "Unroutable mandatory messages returned by the broker.", []string{"exchange"})
	consumers := collector.CreateGauge("amqp_consumers_active", "Consumers currently subscribed.", []string{"queue"})

	err := rb.subscribe(
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(e eventbus.ConnectedEvent) {
				up.Set(1)
				if e.Recovered {
					reconnects.Inc()
				}
			})
		},
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(eventbus.DisconnectedEvent) {
				up.Set(0)
				blocked.Set(0)
			})
		},
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(eventbus.BlockedEvent) { blocked.Set(1) })
		},
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(eventbus.UnblockedEvent) { blocked.Set(0) })
		},
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(eventbus.ChannelShutdownEvent) { shutdowns.Inc() })
		},
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(e eventbus.ConfirmationEvent) {
				outcome := "ack"
				if e.Nack {
					outcome = "nack"
				}
				confirmations.WithLabelValues(outcome).Inc()
			})
		},
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(e eventbus.ReturnedMessageEvent) {
				returns.WithLabelValues(e.Return.Exchange).Inc()
			})
		},
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(e eventbus.ConsumerStartedEvent) {
				consumers.WithLabelValues(e.Queue).Inc()
			})
		},
		func() (*eventbus.Subscription, error) {
			return eventbus.Subscribe(rb.bus, func(e eventbus.ConsumerStoppedEvent) {
				consumers.WithLabelValues(e.Queue).Dec()
			})
		},
	)
	if err != nil {
		rb.logWarn(context.Background(), "Failed to bind rabbit metrics", err, nil)
	}
	return rb
}
