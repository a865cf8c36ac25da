// Package observability defines the hook components use to report operations
// to metrics or tracing backends without depending on them.
package observability

import "time"

// OperationContext describes one completed operation.
type OperationContext struct {
	// Component is the reporting package, e.g. "connection" or "dispatcher"
	Component string

	// Operation is what was done, e.g. "connect", "command", "publish"
	Operation string

	// Resource is the primary target, e.g. a host, exchange or queue
	Resource string

	// SubResource adds detail such as a routing key
	SubResource string

	Duration time.Duration

	// Error is nil on success
	Error error

	// Size is the payload size in bytes, zero when not applicable
	Size int64

	// Metadata holds operation specific details
	Metadata map[string]interface{}
}

// Observer receives operation reports. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ObserveOperation(ctx OperationContext)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx OperationContext)

func (f ObserverFunc) ObserveOperation(ctx OperationContext) {
	f(ctx)
}
