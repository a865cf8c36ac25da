package transport

import (
	"context"

	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is a physical link to a broker.
//
// It is owned exclusively by the persistent connection; other components only
// ever see the channels derived from it.
type Connection interface {
	// Channel opens a new channel multiplexed over this connection.
	Channel() (Channel, error)

	// Close shuts the connection down. All channels derived from it become invalid.
	Close() error

	// IsClosed reports whether the connection is no longer usable.
	IsClosed() bool

	// NotifyClose registers a listener for connection shutdown. The receiver gets
	// the broker error (if any) and is closed afterwards.
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error

	// NotifyBlocked registers a listener for broker flow control notifications.
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
}

// Channel is the subset of *amqp.Channel used by this module.
// A Channel is not safe for concurrent protocol operations.
type Channel interface {
	// Topology
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)

	// Flow and confirms
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	GetNextPublishSeqNo() uint64

	// Publishing and consuming
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error

	// Notifications
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyPublish(receiver chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(receiver chan amqp.Return) chan amqp.Return
	NotifyCancel(receiver chan string) chan string

	Close() error
	IsClosed() bool
}

// Dialer opens physical connections to a single broker host.
type Dialer interface {
	Dial(ctx context.Context, host hosts.Host) (Connection, error)
}

var _ Channel = (*amqp.Channel)(nil)
