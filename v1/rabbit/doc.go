// Package rabbit provides a resilient RabbitMQ client.
//
// The client keeps one logical connection to a cluster of brokers alive for
// the lifetime of the application. Publishes, topology commands and consumers
// keep working across broker restarts and network failures: commands wait
// for the connection to come back, declared topology is replayed after every
// reconnect, and consumers subscribe again on fresh channels.
//
// # Architecture
//
// RabbitClient is the composition root. It wires these components, each in
// its own package:
//   - hosts: the order in which candidate brokers are tried
//   - transport: the dialer and the channel abstraction over amqp091-go
//   - eventbus: typed, synchronous events shared by all components
//   - connection: the persistent connection and its reconnect loop
//   - dispatcher: a single worker that runs commands on a shared channel
//   - confirms: correlation of publisher confirms with pending publishes
//   - channel: dedicated channels for consumers that survive reconnects
//   - consumer: per-group ordered execution of delivery handlers
//
// This package follows the "accept interfaces, return structs" design pattern:
//   - Client interface: Defines the contract for RabbitMQ operations
//   - RabbitClient struct: Concrete implementation of the Client interface
//   - NewClient constructor: Returns *RabbitClient (concrete type)
//   - FX module: Provides both *RabbitClient and Client interface for dependency injection
//
// # Direct Usage (Without FX)
//
//	cfg := rabbit.DefaultConfig()
//	cfg.Connection.Hosts = []string{"rabbit-0", "rabbit-1", "rabbit-2"}
//	cfg.Connection.HostSelection = hosts.RoundRobin
//
//	client, err := rabbit.NewClient(cfg)
//	if err != nil {
//		return err
//	}
//	client = client.
//		WithLogger(myLogger).
//		WithTracer(myTracer)
//
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.GracefulShutdown()
//
// # Publishing
//
// With Channel.PublisherConfirms enabled, Publish returns after the broker
// confirmed the message:
//
//	err := client.Publish(ctx, "events", "user.created", rabbit.Message{
//		Body:        payload,
//		ContentType: "application/json",
//	})
//	switch {
//	case errors.Is(err, transport.ErrMessageNacked):
//		// the broker refused the message
//	case errors.Is(err, transport.ErrConnectionLost):
//		// the message may or may not have been routed
//	}
//
// # Consuming
//
// Handlers run on the consumer dispatcher: handlers of one group (the queue
// name by default) run one at a time, in delivery order. The returned
// AckStrategy settles the delivery.
//
//	consumer, err := client.Consume(ctx, "user-events",
//		func(ctx context.Context, d amqp.Delivery) rabbit.AckStrategy {
//			if err := handle(ctx, d.Body); err != nil {
//				return rabbit.NackDiscard
//			}
//			return rabbit.Ack
//		},
//		rabbit.WithPrefetch(10),
//	)
//	if err != nil {
//		return err
//	}
//	defer consumer.Close()
//
// # Topology
//
// Exchanges, queues and bindings declared through the client are recorded and
// declared again after every reconnect, before consumers resume:
//
//	_ = client.ExchangeDeclare(ctx, rabbit.Exchange{Name: "events", Kind: "topic", Durable: true})
//	_, _ = client.QueueDeclare(ctx, rabbit.Queue{Name: "user-events", Durable: true, Args: client.DeadLetterArgs()})
//	_ = client.QueueBind(ctx, rabbit.Binding{Queue: "user-events", Exchange: "events", RoutingKey: "user.*"})
//
// # Events
//
// Events() exposes the event bus. Subscribers run synchronously on the
// publishing goroutine and must not block:
//
//	sub, _ := eventbus.Subscribe(client.Events(), func(e eventbus.DisconnectedEvent) {
//		log.Printf("lost %s: %v", e.Host, e.Reason)
//	})
//	defer sub.Close()
//
// # FX Module Integration
//
//	app := fx.New(
//		logger.FXModule,
//		metrics.FXModule,
//		tracer.FXModule,
//		rabbit.FXModule,
//		fx.Provide(func() rabbit.Config { return loadConfig() }),
//	)
//
// # Observability
//
// WithObserver receives one report per publish ("produce"), handled delivery
// ("consume") and topology command. WithMetrics additionally exports
// connection, confirm and consumer gauges and counters. WithTracer wraps
// publishes and handlers in spans and carries the W3C trace context in the
// message headers.
//
// # Thread Safety
//
// All methods of RabbitClient and Consumer are safe for concurrent use. The
// With* builders must be called before Start.
package rabbit
