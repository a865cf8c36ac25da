// Package confirms correlates publisher confirms with the publishes awaiting
// them.
//
// A Listener subscribes to the event bus. It learns which channels are in
// confirm mode from eventbus.ChannelOpenedEvent and resolves pending
// confirmations from eventbus.ConfirmationEvent. A confirm with the multiple
// flag resolves every pending tag up to and including its delivery tag, in
// ascending order. Each PendingConfirmation completes exactly once, so
// duplicate or late confirms are ignored.
//
// When a channel shuts down (eventbus.ChannelShutdownEvent) or the connection
// is lost (eventbus.DisconnectedEvent), everything still pending on the
// affected channels fails with an error wrapping transport.ErrConnectionLost.
// Registration, resolution and purge share a per-channel lock, so a
// registration racing a purge either gets purged or fails itself.
//
// Typical publish flow, run inside a dispatcher command:
//
//	pending, err := listener.CreatePendingConfirmation(ch)
//	if err != nil {
//		return err
//	}
//	if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
//		pending.Cancel()
//		return err
//	}
//
// and then, outside the command:
//
//	if err := pending.Wait(ctx); err != nil {
//		// nacked, lost with its channel, or ctx ended
//	}
package confirms
