package connection

import (
	"context"
	"fmt"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// CreateChannel opens a channel on the current physical connection and
// configures it according to opts. It fails fast with transport.ErrNotConnected
// while no connection is open; nothing is queued.
//
// The returned channel belongs to the caller. Its confirms, returned messages
// and shutdown are published on the event bus.
func (c *PersistentConnection) CreateChannel(opts transport.ChannelOptions) (transport.Channel, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	conn := c.conn
	if c.state != Connected || conn == nil {
		c.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		if transport.IsConnectionFatal(err) {
			return nil, fmt.Errorf("%w: %w", transport.ErrNotConnected, err)
		}
		return nil, fmt.Errorf("failed to create channel: %w", transport.TranslateError(err))
	}

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, opts.PrefetchGlobal); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", transport.TranslateError(err))
		}
	}

	if opts.PublisherConfirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", transport.TranslateError(err))
		}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = ch.Close()
		return nil, ErrDisposed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	eventbus.Publish(c.bus, eventbus.ChannelOpenedEvent{Channel: ch, PublisherConfirms: opts.PublisherConfirms})
	c.watchChannel(ch, opts.PublisherConfirms)
	return ch, nil
}

// watchChannel republishes channel notifications on the bus until the channel
// closes. Confirms delivered before the close are published before the
// ChannelShutdownEvent. The caller has already added the watcher to c.wg.
func (c *PersistentConnection) watchChannel(ch transport.Channel, confirms bool) {
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	returnCh := ch.NotifyReturn(make(chan amqp.Return, 16))

	var confirmCh chan amqp.Confirmation
	if confirms {
		confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	}

	go func() {
		defer c.wg.Done()

		publishConfirm := func(conf amqp.Confirmation) {
			eventbus.Publish(c.bus, eventbus.ConfirmationEvent{
				Channel:     ch,
				DeliveryTag: conf.DeliveryTag,
				Nack:        !conf.Ack,
			})
		}

		for {
			select {
			case conf, ok := <-confirmCh:
				if !ok {
					confirmCh = nil
					continue
				}
				publishConfirm(conf)

			case ret, ok := <-returnCh:
				if !ok {
					returnCh = nil
					continue
				}
				c.logWarn(context.Background(), "Message returned by broker", nil, map[string]interface{}{
					"exchange":    ret.Exchange,
					"routing_key": ret.RoutingKey,
					"reply_text":  ret.ReplyText,
				})
				eventbus.Publish(c.bus, eventbus.ReturnedMessageEvent{Channel: ch, Return: ret})

			case reason, ok := <-closeCh:
				if confirmCh != nil {
					for conf := range confirmCh {
						publishConfirm(conf)
					}
				}

				var err error = transport.ErrChannelClosed
				if ok && reason != nil {
					err = fmt.Errorf("%w: %w", transport.ErrChannelClosed, reason)
				}
				eventbus.Publish(c.bus, eventbus.ChannelShutdownEvent{Channel: ch, Reason: err})
				return
			}
		}
	}()
}
