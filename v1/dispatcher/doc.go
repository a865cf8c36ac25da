// Package dispatcher serializes client commands onto a single shared AMQP
// channel.
//
// AMQP channels are not safe for concurrent use: interleaving two synchronous
// methods on one channel corrupts the frame sequence. The Dispatcher owns one
// channel and a single worker goroutine that takes queued commands in FIFO
// order and runs them one at a time.
//
// # Channel lifecycle
//
// The channel is opened lazily on the first command through a ChannelFactory
// (normally the persistent connection). When the channel or its connection dies
// during a command, the command fails with an error wrapping
// transport.ErrConnectionLost and the channel is discarded; the next command
// opens a fresh one. Commands are never retried by the dispatcher. A command
// submitted while no connection exists fails with transport.ErrNotConnected.
//
// Channel-local protocol errors (for example an exchange declared with
// conflicting arguments) are returned translated through
// transport.TranslateError, and the dispatcher carries on.
//
// # Cancellation
//
// Invoke honours the caller's context. A command cancelled while still queued
// is never run. A command that is already running completes, but its result is
// discarded. When the context carries no deadline, Config.CommandTimeout
// applies.
//
// Basic usage:
//
//	d := dispatcher.New(conn, dispatcher.Config{})
//	defer d.Close()
//
//	err := d.Invoke(ctx, func(ch transport.Channel) error {
//		return ch.ExchangeDeclare("events", "topic", true, false, false, false, nil)
//	})
//
//	q, err := dispatcher.Call(ctx, d, func(ch transport.Channel) (amqp.Queue, error) {
//		return ch.QueueDeclare("", false, true, true, false, nil)
//	})
package dispatcher
