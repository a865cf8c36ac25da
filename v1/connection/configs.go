package connection

import (
	"context"
	"time"
)

// DefaultRetryInterval is the pause after every host in a cycle failed.
const DefaultRetryInterval = 5 * time.Second

// Config controls the reconnect behavior of a PersistentConnection.
type Config struct {
	// RetryInterval is the pause between two full host cycles
	RetryInterval time.Duration `yaml:"retry_interval" envconfig:"RABBITMQ_RETRY_INTERVAL"`
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
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
