package confirms

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
)

func (l *Listener) observeConfirmation(p *PendingConfirmation, err error) {
	if l.observer == nil {
		return
	}
	l.observer.ObserveOperation(observability.OperationContext{
		Component: "confirms",
		Operation: "confirm",
		Duration:  time.Since(p.registeredAt),
		Error:     err,
		Metadata: map[string]interface{}{
			"delivery_tag": p.tag,
		},
	})
}

func (l *Listener) logWarn(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if l.logger != nil {
		l.logger.WarnWithContext(ctx, msg, err, fields)
	}
}
