// Package connection keeps a single physical broker connection alive.
//
// # Architecture
//
// PersistentConnection owns the transport.Connection exclusively. A background
// goroutine runs the connect loop:
//
//	Disconnected -> Connecting -> Connected -> Connecting -> ...
//	                      any state -> Disposed (Close)
//
// Each connect cycle resets the hosts.Strategy and dials Current(), calling
// Next() after every failed dial. When every candidate failed, the loop sleeps
// for Config.RetryInterval (default 5s) and starts a new cycle. Close interrupts
// both the dial and the sleep.
//
// A successful dial marks the strategy successful, installs close and flow
// control watchers and publishes eventbus.ConnectedEvent. When the broker or
// the network drops the link, eventbus.DisconnectedEvent is published and the
// loop starts over immediately. Closing the connection locally publishes
// neither.
//
// # Disposal
//
// Close sets the disposed flag before anything else. A dial that completes
// after that point is closed on the spot; it never becomes the current
// connection, never marks the strategy successful and never produces a
// ConnectedEvent. Errors while tearing down are logged, never returned.
//
// # Channels
//
// CreateChannel opens a channel on the current connection or fails with
// transport.ErrNotConnected. Channels are announced with ChannelOpenedEvent;
// their confirms, returned messages and shutdown are published as
// ConfirmationEvent, ReturnedMessageEvent and ChannelShutdownEvent.
package connection
