// Package eventbus is the in-process publish/subscribe hub that decouples the
// connection, dispatch and confirmation components.
//
// Events are dispatched by their exact static type: Publish(bus, ConnectedEvent{})
// reaches Subscribe(bus, func(ConnectedEvent)) handlers only. Handlers run
// synchronously on the publishing goroutine, in subscription order.
//
// Publish works on a snapshot of the subscriber list. A handler may subscribe
// or unsubscribe (itself included) while an event is being delivered; the change
// applies to subsequent publishes. An unsubscribed handler is never called
// again, even by a publish that took its snapshot earlier.
//
// A handler that panics is recovered and logged; the other handlers still run
// and the publisher never sees the failure.
//
// The lifecycle events of the module live in events.go.
package eventbus
