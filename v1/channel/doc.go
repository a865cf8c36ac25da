// Package channel provides PersistentChannel, a dedicated AMQP channel that
// survives reconnects.
//
// Long-lived consumers need their own channel rather than the shared command
// dispatcher. A PersistentChannel opens that channel lazily and runs actions
// against it one at a time. While the connection is down, InvokeChannelAction
// waits for it to return instead of failing; when the connection dies during
// an action the channel is discarded and the action runs again on a fresh
// channel. Channel-local protocol errors are returned to the caller without
// retry.
//
// Each call is bounded by Config.Timeout, combined with the caller's deadline.
//
//	pc := channel.New(conn, channel.Config{
//		Options: transport.ChannelOptions{PrefetchCount: 10},
//	})
//	defer pc.Close()
//
//	var deliveries <-chan amqp.Delivery
//	err := pc.InvokeChannelAction(ctx, func(ch transport.Channel) error {
//		var err error
//		deliveries, err = ch.Consume("orders", "", false, false, false, false, nil)
//		return err
//	})
package channel
