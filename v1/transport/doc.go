// Package transport defines the broker primitives the resilience layer is built on.
//
// Connection and Channel describe the parts of github.com/rabbitmq/amqp091-go
// the module uses; *amqp.Channel satisfies Channel directly and AMQPDialer
// adapts *amqp.Connection. Everything above this package talks to these
// interfaces only, which lets the transporttest fakes stand in for a broker in
// unit tests.
//
// # Errors
//
// errors.go holds the error taxonomy shared by all packages. Two properties
// matter for the layers above:
//
//   - IsConnectionFatal separates "the channel or connection died" from
//     "the command itself failed". Only the former invalidates a channel.
//   - ErrNotConnected and ErrConnectionLost mark connectivity problems, so
//     callers can tell a reconnect window apart from a rejected command.
//
// TranslateError maps amqp091-go codes, syscall errors and network errors onto
// the sentinels while keeping the original error in the chain.
package transport
