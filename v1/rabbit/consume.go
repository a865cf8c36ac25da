package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/channel"
	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

// AckStrategy tells the consumer how to settle a handled delivery.
type AckStrategy int

const (
	// Ack acknowledges the delivery
	Ack AckStrategy = iota

	// NackRequeue rejects the delivery and puts it back on the queue
	NackRequeue

	// NackDiscard rejects the delivery without requeueing it; with a
	// dead-letter exchange configured on the queue it is dead-lettered
	NackDiscard
)

func (a AckStrategy) String() string {
	switch a {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack_requeue"
	case NackDiscard:
		return "nack_discard"
	default:
		return fmt.Sprintf("AckStrategy(%d)", int(a))
	}
}

// Handler processes one delivery. The context is cancelled when the consumer
// is closed.
type Handler func(ctx context.Context, delivery amqp.Delivery) AckStrategy

type consumeOptions struct {
	tag       string
	group     string
	prefetch  int
	exclusive bool
	args      amqp.Table
}

// ConsumeOption customizes a consumer.
type ConsumeOption func(*consumeOptions)

// WithConsumerTag sets the consumer tag. By default a random one is generated.
func WithConsumerTag(tag string) ConsumeOption {
	return func(o *consumeOptions) { o.tag = tag }
}

// WithGroup sets the consumer dispatcher group the handler runs on. Handlers
// of the same group run one at a time in delivery order. The default group is
// the queue name.
func WithGroup(group string) ConsumeOption {
	return func(o *consumeOptions) { o.group = group }
}

// WithPrefetch overrides the configured prefetch count.
func WithPrefetch(count int) ConsumeOption {
	return func(o *consumeOptions) { o.prefetch = count }
}

// WithExclusive requests exclusive access to the queue.
func WithExclusive() ConsumeOption {
	return func(o *consumeOptions) { o.exclusive = true }
}

// WithConsumerArgs passes broker specific arguments to basic.consume.
func WithConsumerArgs(args amqp.Table) ConsumeOption {
	return func(o *consumeOptions) { o.args = args }
}

// Consumer is a subscription to a queue that survives reconnects. After the
// delivery stream ends for any reason other than Close, the consumer
// subscribes again on a fresh channel once the connection and the recorded
// topology are back.
type Consumer struct {
	client  *RabbitClient
	queue   string
	opts    consumeOptions
	handler Handler
	channel *channel.PersistentChannel

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// running is owned by the run goroutine until done is closed
	running   bool
	closeOnce sync.Once
	closeErr  error
}

// Consume subscribes handler to queue. The first subscription happens before
// Consume returns, so a missing queue or a permission problem is reported
// here; ctx bounds only that first subscription.
//
// Example:
//
//	consumer, err := client.Consume(ctx, "orders", func(ctx context.Context, d amqp.Delivery) rabbit.AckStrategy {
//		if err := process(ctx, d.Body); err != nil {
//			return rabbit.NackDiscard
//		}
//		return rabbit.Ack
//	}, rabbit.WithPrefetch(20))
//	if err != nil {
//		return err
//	}
//	defer consumer.Close()
func (rb *RabbitClient) Consume(ctx context.Context, queue string, handler Handler, opts ...ConsumeOption) (*Consumer, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if rb.isClosed() {
		return nil, ErrClientClosed
	}

	o := consumeOptions{
		tag:      "amqpbus-" + uuid.NewString(),
		group:    queue,
		prefetch: rb.cfg.Channel.PrefetchCount,
	}
	for _, opt := range opts {
		opt(&o)
	}

	pc := channel.New(rb.conn, channel.Config{
		Timeout: rb.cfg.Channel.OperationTimeout,
		Options: transport.ChannelOptions{PrefetchCount: o.prefetch},
	}).WithLogger(rb.logger).WithObserver(rb.observer)

	c := &Consumer{
		client:  rb,
		queue:   queue,
		opts:    o,
		handler: handler,
		channel: pc,
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(rb.ctx)

	if !rb.track(c) {
		c.cancel()
		_ = pc.Close()
		return nil, ErrClientClosed
	}

	deliveries, err := c.subscribe(ctx)
	if err != nil {
		rb.untrack(c)
		c.cancel()
		_ = pc.Close()
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}

	c.running = true
	go c.run(deliveries)
	return c, nil
}

// Queue returns the consumed queue.
func (c *Consumer) Queue() string { return c.queue }

// Tag returns the consumer tag.
func (c *Consumer) Tag() string { return c.opts.tag }

// Close stops the consumer and closes its channel. Deliveries not yet handled
// are not settled and will be redelivered by the broker. Close is idempotent.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done

		if err := c.channel.Close(); err != nil {
			c.closeErr = fmt.Errorf("close consumer %q: %w", c.opts.tag, err)
		}
		c.client.untrack(c)

		if c.running {
			eventbus.Publish(c.client.bus, eventbus.ConsumerStoppedEvent{Queue: c.queue, ConsumerTag: c.opts.tag})
		}
		c.client.logInfo(context.Background(), "Consumer closed", map[string]interface{}{
			"queue":        c.queue,
			"consumer_tag": c.opts.tag,
		})
	})
	return c.closeErr
}

// subscribe starts basic.consume on the consumer's channel once the recorded
// topology is in place.
func (c *Consumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	err := c.channel.InvokeChannelAction(ctx, func(ch transport.Channel) error {
		if err := c.client.topology.wait(ctx); err != nil {
			return err
		}
		d, err := ch.Consume(c.queue, c.opts.tag, false, c.opts.exclusive, false, false, c.opts.args)
		if err != nil {
			return err
		}
		deliveries = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	eventbus.Publish(c.client.bus, eventbus.ConsumerStartedEvent{Queue: c.queue, ConsumerTag: c.opts.tag})
	c.client.logInfo(ctx, "Consumer started", map[string]interface{}{
		"queue":        c.queue,
		"consumer_tag": c.opts.tag,
	})
	return deliveries, nil
}

func (c *Consumer) run(deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for {
		c.drain(deliveries)
		if c.ctx.Err() != nil {
			return
		}

		c.running = false
		eventbus.Publish(c.client.bus, eventbus.ConsumerStoppedEvent{
			Queue:       c.queue,
			ConsumerTag: c.opts.tag,
			Reason:      transport.ErrChannelClosed,
		})
		c.client.logWarn(c.ctx, "Consumer delivery stream ended, resubscribing", transport.ErrChannelClosed, map[string]interface{}{
			"queue":        c.queue,
			"consumer_tag": c.opts.tag,
		})

		deliveries = c.resubscribe()
		if deliveries == nil {
			return
		}
		c.running = true
	}
}

// drain hands deliveries to the consumer dispatcher until the stream ends or
// the consumer is closed.
func (c *Consumer) drain(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			err := c.client.consumers.QueueAction(c.ctx, c.opts.group, func(ctx context.Context) {
				c.handle(ctx, d)
			})
			if err != nil {
				c.client.logWarn(c.ctx, "Failed to queue delivery", err, map[string]interface{}{
					"queue":        c.queue,
					"delivery_tag": d.DeliveryTag,
				})
			}
		}
	}
}

// resubscribe retries subscribe until it succeeds or the consumer is closed,
// in which case it returns nil.
func (c *Consumer) resubscribe() <-chan amqp.Delivery {
	for {
		deliveries, err := c.subscribe(c.ctx)
		if err == nil {
			return deliveries
		}
		if c.ctx.Err() != nil || errors.Is(err, channel.ErrChannelDisposed) {
			return nil
		}

		c.client.logWarn(c.ctx, "Failed to resume consumer, retrying", err, map[string]interface{}{
			"queue":    c.queue,
			"retry_in": c.client.cfg.Connection.RetryInterval.String(),
		})
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(c.client.cfg.Connection.RetryInterval):
		}
	}
}

// handle runs the handler and settles the delivery with its result. A
// panicking handler counts as a failure: the delivery is requeued once and
// discarded when it comes back.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()

	var span trace.Span
	if c.client.tracer != nil {
		ctx, span = c.client.tracer.StartConsumeSpan(ctx, c.queue, d.Headers)
		defer span.End()
	}

	result := c.invoke(ctx, d)

	var err error
	switch result {
	case Ack:
		err = d.Ack(false)
	case NackRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.client.logWarn(ctx, "Failed to settle delivery", err, map[string]interface{}{
			"queue":        c.queue,
			"delivery_tag": d.DeliveryTag,
			"result":       result.String(),
		})
	}
	if span != nil && result != Ack {
		c.client.tracer.RecordErrorOnSpan(span, fmt.Errorf("delivery settled with %s", result))
	}

	c.client.observeOperation("consume", c.queue, result.String(), time.Since(start), err, int64(len(d.Body)))
}

func (c *Consumer) invoke(ctx context.Context, d amqp.Delivery) (result AckStrategy) {
	defer func() {
		if r := recover(); r != nil {
			result = NackRequeue
			if d.Redelivered {
				result = NackDiscard
			}
			c.client.logError(ctx, "Consumer handler panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"queue":        c.queue,
				"delivery_tag": d.DeliveryTag,
			})
		}
	}()
	return c.handler(ctx, d)
}
