package connection

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
)

func (c *PersistentConnection) observeOperation(operation, resource string, duration time.Duration, err error) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveOperation(observability.OperationContext{
		Component: "connection",
		Operation: operation,
		Resource:  resource,
		Duration:  duration,
		Error:     err,
	})
}

func (c *PersistentConnection) logInfo(ctx context.Context, msg string, fields map[string]interface{}) {
	if c.logger != nil {
		c.logger.InfoWithContext(ctx, msg, nil, fields)
	}
}

func (c *PersistentConnection) logWarn(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if c.logger != nil {
		c.logger.WarnWithContext(ctx, msg, err, fields)
	}
}

func (c *PersistentConnection) logError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if c.logger != nil {
		c.logger.ErrorWithContext(ctx, msg, err, fields)
	}
}
