package channel

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
)

func (p *PersistentChannel) observeOperation(duration time.Duration, attempts int, err error) {
	if p.observer == nil {
		return
	}
	p.observer.ObserveOperation(observability.OperationContext{
		Component: "channel",
		Operation: "invoke",
		Duration:  duration,
		Error:     err,
		Metadata: map[string]interface{}{
			"attempts": attempts,
		},
	})
}

func (p *PersistentChannel) logWarn(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if p.logger != nil {
		p.logger.WarnWithContext(ctx, msg, err, fields)
	}
}
