package rabbit

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/dispatcher"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
)

// call runs fn on the dispatcher channel and reports it to the observer.
func call[T any](ctx context.Context, rb *RabbitClient, operation, resource string, fn func(ch transport.Channel) (T, error)) (T, error) {
	if rb.isClosed() {
		var zero T
		return zero, ErrClientClosed
	}

	start := time.Now()
	v, err := dispatcher.Call(ctx, rb.dispatcher, fn)
	rb.observeOperation(operation, resource, "", time.Since(start), err, 0)
	return v, err
}

func (rb *RabbitClient) invoke(ctx context.Context, operation, resource string, cmd dispatcher.Command) error {
	_, err := call(ctx, rb, operation, resource, func(ch transport.Channel) (struct{}, error) {
		return struct{}{}, cmd(ch)
	})
	return err
}

func (rb *RabbitClient) logInfo(ctx context.Context, msg string, fields map[string]interface{}) {
	if rb.logger != nil {
		rb.logger.InfoWithContext(ctx, msg, nil, fields)
	}
}

func (rb *RabbitClient) logWarn(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if rb.logger != nil {
		rb.logger.WarnWithContext(ctx, msg, err, fields)
	}
}

func (rb *RabbitClient) logError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if rb.logger != nil {
		rb.logger.ErrorWithContext(ctx, msg, err, fields)
	}
}
