package eventbus

import (
	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectedEvent is published after a physical connection is established.
type ConnectedEvent struct {
	Host hosts.Host

	// Recovered is true for every connect after the first one
	Recovered bool
}

// DisconnectedEvent is published when an established connection is lost.
// It is not published for a local Close.
type DisconnectedEvent struct {
	Host   hosts.Host
	Reason error
}

// BlockedEvent is published when the broker blocks publishers, usually on a
// memory or disk alarm.
type BlockedEvent struct {
	Reason string
}

// UnblockedEvent is published when the broker lifts a block.
type UnblockedEvent struct{}

// ChannelOpenedEvent is published for every channel handed out by the
// persistent connection, before it is returned to the caller.
type ChannelOpenedEvent struct {
	Channel           transport.Channel
	PublisherConfirms bool
}

// ChannelShutdownEvent is published once a channel is closed for any reason.
// Confirmations the broker sent before the close are published first.
type ChannelShutdownEvent struct {
	Channel transport.Channel
	Reason  error
}

// ConfirmationEvent carries a publisher confirm.
type ConfirmationEvent struct {
	Channel     transport.Channel
	DeliveryTag uint64

	// Multiple confirms every tag up to and including DeliveryTag
	Multiple bool

	// Nack is true when the broker rejected the message
	Nack bool
}

// ReturnedMessageEvent carries a mandatory message the broker could not route.
type ReturnedMessageEvent struct {
	Channel transport.Channel
	Return  amqp.Return
}

// ConsumerStartedEvent is published whenever a consumer (re)subscribes to its queue.
type ConsumerStartedEvent struct {
	Queue       string
	ConsumerTag string
}

// ConsumerStoppedEvent is published when a consumer's delivery stream ends.
// Reason is nil when the consumer was closed locally.
type ConsumerStoppedEvent struct {
	Queue       string
	ConsumerTag string
	Reason      error
}

// PublishedEvent is published after every publish attempt.
type PublishedEvent struct {
	Exchange   string
	RoutingKey string
	Size       int
	Err        error
}
