package rabbit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/confirms"
	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

// Message is an outgoing message. Zero fields take the client defaults: the
// configured content type, a random message id and the configured delivery mode.
type Message struct {
	Body          []byte
	Headers       amqp.Table
	ContentType   string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Type          string
	Priority      uint8
	Expiration    string

	// Transient overrides the configured delivery mode for this message
	Transient bool

	// Mandatory asks the broker to return the message when it cannot be
	// routed. Returns are published as eventbus.ReturnedMessageEvent.
	Mandatory bool
}

// Publish sends msg to exchange with routingKey.
//
// With publisher confirms enabled, Publish returns once the broker confirmed
// the message: nil on ack, an error wrapping transport.ErrMessageNacked on nack
// and an error wrapping transport.ErrConnectionLost when the channel died before
// the confirm arrived. In that last case the message may or may not have been
// routed.
//
// Example:
//
//	err := client.Publish(ctx, "orders", "order.created", rabbit.Message{
//		Body:        payload,
//		ContentType: "application/json",
//	})
//	if errors.Is(err, transport.ErrConnectionLost) {
//		// retry or park the message
//	}
func (rb *RabbitClient) Publish(ctx context.Context, exchange, routingKey string, msg Message) (err error) {
	if rb.isClosed() {
		return ErrClientClosed
	}

	start := time.Now()
	defer func() {
		rb.observeOperation("produce", exchange, routingKey, time.Since(start), err, int64(len(msg.Body)))
		eventbus.Publish(rb.bus, eventbus.PublishedEvent{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Size:       len(msg.Body),
			Err:        err,
		})
	}()

	if rb.tracer != nil {
		var span trace.Span
		ctx, span = rb.tracer.StartPublishSpan(ctx, exchange, routingKey)
		defer func() {
			if err != nil {
				rb.tracer.RecordErrorOnSpan(span, err)
			}
			span.End()
		}()
	}

	publishing := rb.publishing(ctx, msg)

	registered := make(chan *confirms.PendingConfirmation, 1)
	err = rb.dispatcher.Invoke(ctx, func(ch transport.Channel) error {
		var pending *confirms.PendingConfirmation
		if rb.cfg.Channel.PublisherConfirms {
			p, err := rb.confirms.CreatePendingConfirmation(ch)
			if err != nil {
				return err
			}
			pending = p
		}

		if err := ch.PublishWithContext(ctx, exchange, routingKey, msg.Mandatory, false, publishing); err != nil {
			if pending != nil {
				pending.Cancel()
			}
			return err
		}
		if pending != nil {
			registered <- pending
		}
		return nil
	})
	if err != nil {
		// the command may have published after the caller gave up
		select {
		case pending := <-registered:
			pending.Cancel()
		default:
		}
		return fmt.Errorf("publish to %q: %w", exchange, err)
	}
	if !rb.cfg.Channel.PublisherConfirms {
		return nil
	}

	pending := <-registered
	return rb.awaitConfirm(ctx, pending)
}

func (rb *RabbitClient) awaitConfirm(ctx context.Context, pending *confirms.PendingConfirmation) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rb.cfg.Channel.ConfirmTimeout)
		defer cancel()
	}

	err := pending.Wait(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		pending.Cancel()
		return fmt.Errorf("%w: waiting for confirm of delivery tag %d: %w", transport.ErrTimeout, pending.DeliveryTag(), err)
	default:
		return fmt.Errorf("confirm of delivery tag %d: %w", pending.DeliveryTag(), err)
	}
}

// publishing converts msg into the wire representation, filling in defaults
// and the trace context.
func (rb *RabbitClient) publishing(ctx context.Context, msg Message) amqp.Publishing {
	p := amqp.Publishing{
		Headers:       maps.Clone(msg.Headers),
		ContentType:   msg.ContentType,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Type:          msg.Type,
		Priority:      msg.Priority,
		Expiration:    msg.Expiration,
		Timestamp:     time.Now(),
		Body:          msg.Body,
		DeliveryMode:  amqp.Transient,
	}
	if p.ContentType == "" {
		p.ContentType = rb.cfg.Channel.ContentType
	}
	if p.MessageId == "" {
		p.MessageId = uuid.NewString()
	}
	if rb.cfg.Channel.PersistentMessages && !msg.Transient {
		p.DeliveryMode = amqp.Persistent
	}
	if rb.tracer != nil {
		p.Headers = rb.tracer.InjectHeaders(ctx, p.Headers)
	}
	return p
}
