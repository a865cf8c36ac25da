package rabbit

import (
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
)

// observeOperation notifies the observer about an operation if one is configured.
// Publishes, handled deliveries and topology commands are reported.
func (rb *RabbitClient) observeOperation(operation, resource, subResource string, duration time.Duration, err error, size int64) {
	if rb.observer != nil {
		rb.observer.ObserveOperation(observability.OperationContext{
			Component:   "rabbit",
			Operation:   operation,
			Resource:    resource,
			SubResource: subResource,
			Duration:    duration,
			Error:       err,
			Size:        size,
			Metadata:    nil,
		})
	}
}
