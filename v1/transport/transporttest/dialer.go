package transporttest

import (
	"context"
	"sync"

	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
)

// Dialer records dial attempts. Without DialFunc every dial succeeds with a
// fresh Connection.
type Dialer struct {
	// DialFunc overrides the result of Dial. It must be set before first use.
	DialFunc func(ctx context.Context, host hosts.Host) (transport.Connection, error)

	mu    sync.Mutex
	dials []hosts.Host
	conns []*Connection
}

func (d *Dialer) Dial(ctx context.Context, host hosts.Host) (transport.Connection, error) {
	d.mu.Lock()
	d.dials = append(d.dials, host)
	d.mu.Unlock()

	if d.DialFunc != nil {
		return d.DialFunc(ctx, host)
	}

	conn := NewConnection()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Dials returns the hosts dialed so far, in order.
func (d *Dialer) Dials() []hosts.Host {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]hosts.Host(nil), d.dials...)
}

// Connections returns the connections created by the default dial behavior.
func (d *Dialer) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Connection(nil), d.conns...)
}

// Last returns the most recent default connection, or nil.
func (d *Dialer) Last() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
