// Package consumer runs message handlers off the delivery goroutines.
//
// A Dispatcher keeps one Queue per consumer group, created lazily. Each Queue
// has a single worker goroutine, so handlers of one group run strictly in the
// order their deliveries were queued, while different groups run in parallel.
//
// When the connection is lost (eventbus.DisconnectedEvent) every action that
// has not started yet is dropped without being run; the broker redelivers the
// unacknowledged messages once the consumers are resubscribed. An action that
// is already running finishes normally.
//
// Close rejects new actions with ErrQueueClosed, drops queued ones and waits
// up to Config.ShutdownTimeout for the workers to exit. A panicking handler is
// recovered and logged; its queue keeps running.
//
//	d, err := consumer.NewDispatcher(bus, consumer.Config{})
//	if err != nil {
//		return err
//	}
//	defer d.Close()
//
//	err = d.QueueAction(ctx, "orders", func(ctx context.Context) {
//		handle(ctx, delivery)
//	})
package consumer
