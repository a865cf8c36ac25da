package transporttest

import (
	"sync"

	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDropped is the reason used by Drop when none is given.
var ErrDropped = &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - dropped by test"}

// Connection is a fake transport.Connection.
type Connection struct {
	// ChannelErr, when set, makes Channel fail
	ChannelErr error

	mu       sync.Mutex
	closed   bool
	closes   []chan *amqp.Error
	blocks   []chan amqp.Blocking
	channels []*Channel
	closeN   int
}

var _ transport.Connection = (*Connection)(nil)

// NewConnection returns an open fake connection.
func NewConnection() *Connection {
	return &Connection{}
}

func (c *Connection) Channel() (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	ch := NewChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close closes the connection gracefully: listeners are closed without an error.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closeN++
	c.mu.Unlock()
	return c.shutdown(nil)
}

// Drop simulates a broker or network failure. A nil reason uses ErrDropped.
func (c *Connection) Drop(reason *amqp.Error) {
	if reason == nil {
		reason = ErrDropped
	}
	_ = c.shutdown(reason)
}

func (c *Connection) shutdown(reason *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	closes, blocks, channels := c.closes, c.blocks, c.channels
	c.closes, c.blocks = nil, nil
	c.mu.Unlock()

	for _, l := range closes {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	for _, l := range blocks {
		close(l)
	}
	for _, ch := range channels {
		ch.Shutdown(reason)
	}
	return nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *Connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blocks = append(c.blocks, receiver)
	return receiver
}

// Block sends a connection.blocked notification.
func (c *Connection) Block(reason string) {
	c.notifyBlocked(amqp.Blocking{Active: true, Reason: reason})
}

// Unblock sends a connection.unblocked notification.
func (c *Connection) Unblock() {
	c.notifyBlocked(amqp.Blocking{Active: false})
}

func (c *Connection) notifyBlocked(b amqp.Blocking) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.blocks {
		l <- b
	}
}

// Channels returns every channel opened on this connection.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// CloseCalls returns how many times Close was called.
func (c *Connection) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeN
}
