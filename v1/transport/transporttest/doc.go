// Package transporttest provides in-memory fakes of the transport primitives.
//
// The fakes follow amqp091-go semantics where the layers above depend on them:
// closing a connection shuts down its channels, notification channels receive
// the error and are closed afterwards, and listeners registered on an already
// closed object are closed immediately.
package transporttest
