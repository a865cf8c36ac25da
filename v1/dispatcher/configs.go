package dispatcher

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/transport"
)

const (
	// DefaultCommandTimeout bounds Invoke when the caller's context has no deadline.
	DefaultCommandTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds how long Close waits for a running command.
	DefaultShutdownTimeout = 5 * time.Second
)

// Config configures a Dispatcher.
type Config struct {
	// PublisherConfirms puts the dispatcher channel into confirm mode
	PublisherConfirms bool `yaml:"publisher_confirms" envconfig:"RABBITMQ_PUBLISHER_CONFIRMS"`

	// CommandTimeout applies to Invoke calls whose context has no deadline
	CommandTimeout time.Duration `yaml:"command_timeout" envconfig:"RABBITMQ_COMMAND_TIMEOUT"`

	// ShutdownTimeout bounds how long Close waits for the worker
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"RABBITMQ_DISPATCHER_SHUTDOWN_TIMEOUT"`
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// ChannelFactory hands out fresh channels. *connection.PersistentConnection
// implements it.
type ChannelFactory interface {
	CreateChannel(opts transport.ChannelOptions) (transport.Channel, error)
}

// Logger is an interface that is satisfied by the v1/logger.Logger interface.
type Logger interface {
	WarnWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}
