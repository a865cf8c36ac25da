package connection

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// run owns the physical connection: connect, watch until lost, repeat.
func (c *PersistentConnection) run() {
	defer c.wg.Done()

	for {
		conn, host, ok := c.connect()
		if !ok {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		blockCh := conn.NotifyBlocked(make(chan amqp.Blocking, 4))

		c.mu.Lock()
		recovered := c.connects > 1
		c.mu.Unlock()

		c.logInfo(context.Background(), "Connected to broker", map[string]interface{}{
			"host":      host.String(),
			"recovered": recovered,
		})
		eventbus.Publish(c.bus, eventbus.ConnectedEvent{Host: host, Recovered: recovered})

		reason, disposed := c.watch(closeCh, blockCh)
		if disposed {
			return
		}

		if !c.markDisconnected(conn) {
			return
		}
		c.closeQuietly(conn)

		c.logWarn(context.Background(), "Broker connection lost, reconnecting", reason, map[string]interface{}{
			"host": host.String(),
		})
		eventbus.Publish(c.bus, eventbus.DisconnectedEvent{Host: host, Reason: reason})
	}
}

// connect runs host cycles until a dial succeeds. It returns false once the
// connection is disposed.
func (c *PersistentConnection) connect() (transport.Connection, hosts.Host, bool) {
	for {
		c.strategy.Reset()

		for {
			if c.isDisposed() {
				return nil, hosts.Host{}, false
			}

			host := c.strategy.Current()
			start := time.Now()
			conn, err := c.dialer.Dial(c.ctx, host)
			c.observeOperation("connect", host.String(), time.Since(start), err)

			if err == nil {
				if c.adopt(conn, host) {
					return conn, host, true
				}
				// Close was called while dialing
				c.closeQuietly(conn)
				return nil, hosts.Host{}, false
			}

			c.logWarn(c.ctx, "Failed to connect to broker", err, map[string]interface{}{
				"host": host.String(),
			})
			if !c.strategy.Next() {
				break
			}
		}

		c.logError(c.ctx, "All broker hosts failed, retrying", nil, map[string]interface{}{
			"hosts":          c.strategy.Len(),
			"retry_interval": c.cfg.RetryInterval.String(),
		})

		timer := time.NewTimer(c.cfg.RetryInterval)
		select {
		case <-c.stop:
			timer.Stop()
			return nil, hosts.Host{}, false
		case <-timer.C:
		}
	}
}

// adopt installs a freshly dialed connection unless Close won the race.
func (c *PersistentConnection) adopt(conn transport.Connection, host hosts.Host) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return false
	}

	c.strategy.Success()
	c.conn = conn
	c.host = host
	c.state = Connected
	c.blocked = false
	c.connects++
	close(c.ready)
	return true
}

// markDisconnected forgets conn. It returns false when the connection was
// disposed in the meantime.
func (c *PersistentConnection) markDisconnected(conn transport.Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return false
	}
	if c.conn == conn {
		c.conn = nil
	}
	c.state = Connecting
	c.blocked = false
	c.ready = make(chan struct{})
	return true
}

// watch forwards flow control notifications until the connection closes.
// It returns the close reason, or true when the close was caused by Close.
func (c *PersistentConnection) watch(closeCh <-chan *amqp.Error, blockCh <-chan amqp.Blocking) (error, bool) {
	for {
		select {
		case b, ok := <-blockCh:
			if !ok {
				blockCh = nil
				continue
			}
			c.mu.Lock()
			c.blocked = b.Active
			c.mu.Unlock()

			if b.Active {
				c.logWarn(context.Background(), "Broker blocked publishing", nil, map[string]interface{}{
					"reason": b.Reason,
				})
				eventbus.Publish(c.bus, eventbus.BlockedEvent{Reason: b.Reason})
			} else {
				c.logInfo(context.Background(), "Broker unblocked publishing", nil)
				eventbus.Publish(c.bus, eventbus.UnblockedEvent{})
			}

		case reason, ok := <-closeCh:
			if c.isDisposed() {
				return nil, true
			}
			if ok && reason != nil {
				return reason, false
			}
			return transport.ErrConnectionLost, false
		}
	}
}
