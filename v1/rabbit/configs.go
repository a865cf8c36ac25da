package rabbit

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/connection"
	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
)

const (
	// DefaultOperationTimeout bounds a consumer channel action when the caller
	// gives no deadline.
	DefaultOperationTimeout = 10 * time.Second

	// DefaultConfirmTimeout bounds the wait for a publisher confirm when the
	// caller gives no deadline.
	DefaultConfirmTimeout = 30 * time.Second

	// DefaultContentType is set on published messages that carry none.
	DefaultContentType = "application/octet-stream"
)

// Config defines the top-level configuration structure for the RabbitMQ client.
// It is read once by NewClient; changing it afterwards has no effect.
type Config struct {
	// Connection contains the settings needed to reach the broker cluster
	Connection Connection `yaml:"connection"`

	// Channel contains publish and consume defaults
	Channel Channel `yaml:"channel"`

	// Dispatcher contains settings of the command dispatcher and the
	// consumer dispatcher
	Dispatcher Dispatcher `yaml:"dispatcher"`

	// DeadLetter contains configuration for the dead-letter exchange and queue
	// used for handling failed messages
	DeadLetter DeadLetter `yaml:"dead_letter"`
}

// Connection contains the configuration parameters needed to establish
// a connection to a RabbitMQ cluster, including authentication and TLS settings.
type Connection struct {
	// Hosts lists the candidate brokers as "host" or "host:port"
	Hosts []string `yaml:"hosts" envconfig:"RABBITMQ_HOSTS"`

	// Port is used for host entries without an explicit port
	Port uint `yaml:"port" envconfig:"RABBITMQ_PORT"`

	// HostSelection is the order in which hosts are tried: "ordered",
	// "random" or "round-robin"
	HostSelection hosts.Policy `yaml:"host_selection" envconfig:"RABBITMQ_HOST_SELECTION"`

	// RetryInterval is the pause after every host of a cycle failed
	RetryInterval time.Duration `yaml:"retry_interval" envconfig:"RABBITMQ_RETRY_INTERVAL"`

	transport.Config `yaml:",inline"`
}

// Channel contains the defaults applied to publishes and consumers.
type Channel struct {
	// PrefetchCount limits the number of unacknowledged messages per consumer.
	// A value of 0 means no limit (not recommended for production)
	PrefetchCount int `yaml:"prefetch_count" envconfig:"RABBITMQ_PREFETCH_COUNT"`

	// PublisherConfirms makes Publish wait for the broker to confirm each message
	PublisherConfirms bool `yaml:"publisher_confirms" envconfig:"RABBITMQ_PUBLISHER_CONFIRMS"`

	// PersistentMessages publishes with delivery mode 2
	PersistentMessages bool `yaml:"persistent_messages" envconfig:"RABBITMQ_PERSISTENT_MESSAGES"`

	// ContentType specifies the MIME type of published messages that set none
	ContentType string `yaml:"content_type" envconfig:"RABBITMQ_CONTENT_TYPE"`

	// OperationTimeout bounds consumer channel actions without a caller deadline
	OperationTimeout time.Duration `yaml:"operation_timeout" envconfig:"RABBITMQ_OPERATION_TIMEOUT"`

	// ConfirmTimeout bounds the wait for a publisher confirm without a caller deadline
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" envconfig:"RABBITMQ_CONFIRM_TIMEOUT"`
}

// Dispatcher configures the command dispatcher and the consumer dispatcher.
type Dispatcher struct {
	// CommandTimeout applies to commands whose context has no deadline
	CommandTimeout time.Duration `yaml:"command_timeout" envconfig:"RABBITMQ_COMMAND_TIMEOUT"`

	// ShutdownTimeout bounds how long shutdown waits for running commands and
	// consumer handlers
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"RABBITMQ_SHUTDOWN_TIMEOUT"`
}

// DeadLetter contains configuration for dead-letter handling.
// Dead-letter exchanges receive messages that are rejected, expire, or exceed queue limits.
type DeadLetter struct {
	// ExchangeName is the name of the dead-letter exchange
	ExchangeName string `yaml:"exchange_name" envconfig:"RABBITMQ_DLX_EXCHANGE"`

	// QueueName is the name of the queue bound to the dead-letter exchange
	QueueName string `yaml:"queue_name" envconfig:"RABBITMQ_DLX_QUEUE"`

	// RoutingKey is the routing key used when dead-lettering messages
	RoutingKey string `yaml:"routing_key" envconfig:"RABBITMQ_DLX_ROUTING_KEY"`

	// TTL is how long a dead-lettered message stays in the dead-letter queue.
	// Zero keeps messages forever.
	TTL time.Duration `yaml:"ttl" envconfig:"RABBITMQ_DLX_TTL"`
}

// DefaultConfig returns a configuration for a single local broker with
// publisher confirms and persistent messages enabled.
func DefaultConfig() Config {
	return Config{
		Connection: Connection{
			Hosts:  []string{"localhost"},
			Port:   hosts.DefaultPort,
			Config: transport.Config{User: "guest", Password: "guest"},
		},
		Channel: Channel{
			PublisherConfirms:  true,
			PersistentMessages: true,
			ContentType:        DefaultContentType,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Connection.Port == 0 {
		c.Connection.Port = hosts.DefaultPort
	}
	if c.Connection.RetryInterval <= 0 {
		c.Connection.RetryInterval = connection.DefaultRetryInterval
	}
	if c.Channel.ContentType == "" {
		c.Channel.ContentType = DefaultContentType
	}
	if c.Channel.OperationTimeout <= 0 {
		c.Channel.OperationTimeout = DefaultOperationTimeout
	}
	if c.Channel.ConfirmTimeout <= 0 {
		c.Channel.ConfirmTimeout = DefaultConfirmTimeout
	}
	return c
}

// Logger is an interface that is satisfied by the v1/logger.Logger interface.
// It provides context-aware structured logging with optional error and field parameters.
type Logger interface {
	// InfoWithContext logs an informational message with trace context.
	InfoWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})

	// WarnWithContext logs a warning message with trace context.
	WarnWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})

	// ErrorWithContext logs an error message with trace context.
	ErrorWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}
