package consumer

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
)

func (q *Queue) observeOperation(duration, queueWait time.Duration, err error) {
	if q.observer == nil {
		return
	}
	q.observer.ObserveOperation(observability.OperationContext{
		Component: "consumer",
		Operation: "action",
		Resource:  q.name,
		Duration:  duration,
		Error:     err,
		Metadata: map[string]interface{}{
			"queue_wait_ms": queueWait.Milliseconds(),
		},
	})
}

func (q *Queue) logError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if q.logger != nil {
		q.logger.ErrorWithContext(ctx, msg, err, fields)
	}
}

func (d *Dispatcher) logInfo(ctx context.Context, msg string, fields map[string]interface{}) {
	if d.logger != nil {
		d.logger.InfoWithContext(ctx, msg, nil, fields)
	}
}

func (d *Dispatcher) logWarn(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if d.logger != nil {
		d.logger.WarnWithContext(ctx, msg, err, fields)
	}
}
