package channel

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/transport"
)

const (
	// DefaultTimeout bounds a single InvokeChannelAction call, including the
	// time spent waiting for a reconnect.
	DefaultTimeout = 10 * time.Second

	// DefaultRetryInterval is the pause between attempts after a connection
	// level failure.
	DefaultRetryInterval = 500 * time.Millisecond
)

// Config configures a PersistentChannel.
type Config struct {
	// Timeout is applied per InvokeChannelAction call on top of the caller's deadline
	Timeout time.Duration `yaml:"timeout" envconfig:"RABBITMQ_CHANNEL_TIMEOUT"`

	// RetryInterval is the constant backoff between attempts
	RetryInterval time.Duration `yaml:"retry_interval" envconfig:"RABBITMQ_CHANNEL_RETRY_INTERVAL"`

	// Options are applied to every channel opened by the PersistentChannel
	Options transport.ChannelOptions `yaml:"options"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	return c
}

// ConnectionProvider opens channels on the current connection.
// *connection.PersistentConnection implements it.
type ConnectionProvider interface {
	// WaitConnected blocks until a connection is open or ctx ends.
	WaitConnected(ctx context.Context) error

	// CreateChannel opens a channel, failing fast with transport.ErrNotConnected.
	CreateChannel(opts transport.ChannelOptions) (transport.Channel, error)
}

// Logger is an interface that is satisfied by the v1/logger.Logger interface.
type Logger interface {
	WarnWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}
