package consumer

import (
	"context"
	"time"
)

// DefaultShutdownTimeout bounds how long Close waits for running actions.
const DefaultShutdownTimeout = 5 * time.Second

// Config configures a Dispatcher.
type Config struct {
	// ShutdownTimeout bounds how long Close waits for the queue workers
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"RABBITMQ_CONSUMER_SHUTDOWN_TIMEOUT"`
}

func (c Config) withDefaults() Config {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Logger is an interface that is satisfied by the v1/logger.Logger interface.
type Logger interface {
	InfoWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}
