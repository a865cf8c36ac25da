package dispatcher

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
)

func (d *Dispatcher) observeOperation(duration, queueWait time.Duration, err error) {
	if d.observer == nil {
		return
	}
	d.observer.ObserveOperation(observability.OperationContext{
		Component: "dispatcher",
		Operation: "command",
		Duration:  duration,
		Error:     err,
		Metadata: map[string]interface{}{
			"queue_wait_ms": queueWait.Milliseconds(),
		},
	})
}

func (d *Dispatcher) logWarn(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if d.logger != nil {
		d.logger.WarnWithContext(ctx, msg, err, fields)
	}
}

func (d *Dispatcher) logError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if d.logger != nil {
		d.logger.ErrorWithContext(ctx, msg, err, fields)
	}
}
