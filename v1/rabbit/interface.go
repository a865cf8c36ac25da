package rabbit

import (
	"context"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Client provides a high-level interface for interacting with RabbitMQ.
// It abstracts connection recovery, channel management, publisher confirms and
// consumer restarts.
//
// This interface is implemented by the concrete *RabbitClient type.
type Client interface {
	// Publisher operations

	// Publish sends a message and, with publisher confirms enabled, waits for
	// the broker to confirm it.
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error

	// Consumer operations

	// Consume subscribes a handler to a queue. The subscription is restored
	// automatically after a reconnect.
	Consume(ctx context.Context, queue string, handler Handler, opts ...ConsumeOption) (*Consumer, error)

	// Topology

	// ExchangeDeclare declares an exchange.
	ExchangeDeclare(ctx context.Context, e Exchange) error

	// ExchangeDelete deletes an exchange.
	ExchangeDelete(ctx context.Context, name string) error

	// ExchangeBind binds one exchange to another.
	ExchangeBind(ctx context.Context, b ExchangeBinding) error

	// QueueDeclare declares a queue.
	QueueDeclare(ctx context.Context, q Queue) (amqp.Queue, error)

	// QueueBind binds a queue to an exchange.
	QueueBind(ctx context.Context, b Binding) error

	// QueueUnbind removes a queue binding.
	QueueUnbind(ctx context.Context, b Binding) error

	// QueueDelete deletes a queue.
	QueueDelete(ctx context.Context, name string) (int, error)

	// QueuePurge removes all ready messages from a queue.
	QueuePurge(ctx context.Context, name string) (int, error)

	// DeclareDeadLetter declares the configured dead-letter exchange and queue.
	DeclareDeadLetter(ctx context.Context) error

	// Connection state

	// IsConnected reports whether a broker connection is established.
	IsConnected() bool

	// WaitConnected blocks until a broker connection is established.
	WaitConnected(ctx context.Context) error

	// Events returns the bus carrying connection, channel and consumer events.
	Events() *eventbus.Bus

	// Lifecycle

	// Start begins connecting in the background.
	Start(ctx context.Context) error

	// GracefulShutdown stops consumers and closes the connection cleanly.
	GracefulShutdown()
}

var _ Client = (*RabbitClient)(nil)
