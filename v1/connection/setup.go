package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	"github.com/Aleph-Alpha/amqpbus/v1/observability"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
)

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("connection already initialized")

	// ErrDisposed is returned once the connection has been closed.
	ErrDisposed = errors.New("connection disposed")
)

// State is the lifecycle state of a PersistentConnection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disposed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// PersistentConnection keeps one physical broker connection alive.
//
// It dials hosts chosen by a hosts.Strategy until one accepts, and starts over
// whenever the broker drops the link. At most one physical connection is open
// at a time. Lifecycle changes are published on the event bus.
type PersistentConnection struct {
	cfg      Config
	dialer   transport.Dialer
	strategy hosts.Strategy
	bus      *eventbus.Bus

	logger   Logger
	observer observability.Observer

	mu          sync.Mutex
	state       State
	conn        transport.Connection
	host        hosts.Host
	blocked     bool
	initialized bool
	disposed    bool
	connects    int

	// ready is closed while connected and replaced on every disconnect
	ready chan struct{}

	// stop is closed by Close; ctx is cancelled with it to abort a pending dial
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a disconnected PersistentConnection. Nothing is dialed before Initialize.
func New(cfg Config, dialer transport.Dialer, strategy hosts.Strategy, bus *eventbus.Bus) *PersistentConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &PersistentConnection{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		strategy: strategy,
		bus:      bus,
		state:    Disconnected,
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithLogger attaches a logger to the connection.
func (c *PersistentConnection) WithLogger(logger Logger) *PersistentConnection {
	c.logger = logger
	return c
}

// WithObserver attaches an observer that receives one report per dial attempt.
func (c *PersistentConnection) WithObserver(observer observability.Observer) *PersistentConnection {
	c.observer = observer
	return c
}

// Initialize starts the connect loop in the background. It must be called
// exactly once; use WaitConnected to wait for the first connection.
func (c *PersistentConnection) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrDisposed
	}
	if c.initialized {
		return ErrAlreadyInitialized
	}
	c.initialized = true
	c.state = Connecting

	c.wg.Add(1)
	go c.run()
	return nil
}

// State returns the current lifecycle state.
func (c *PersistentConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a physical connection is currently open.
func (c *PersistentConnection) IsConnected() bool {
	return c.State() == Connected
}

// IsBlocked reports whether the broker currently blocks publishers.
func (c *PersistentConnection) IsBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// Host returns the host of the current connection. It is the zero Host while
// disconnected.
func (c *PersistentConnection) Host() hosts.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return hosts.Host{}
	}
	return c.host
}

// WaitConnected blocks until the connection is established, ctx is done or the
// connection is closed.
func (c *PersistentConnection) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			return ErrDisposed
		}
		if c.state == Connected {
			c.mu.Unlock()
			return nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrDisposed
		}
	}
}

// Close disposes the connection. It is idempotent and never fails: I/O errors
// during teardown are logged. A dial that completes after Close is closed
// immediately and never reported as connected.
func (c *PersistentConnection) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.state = Disposed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stop)
	c.cancel()

	if conn != nil {
		c.logInfo(context.Background(), "Closing broker connection", nil)
		c.closeQuietly(conn)
	}

	c.wg.Wait()
	return nil
}

func (c *PersistentConnection) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// closeQuietly closes conn and logs, rather than returns, any teardown error.
func (c *PersistentConnection) closeQuietly(conn transport.Connection) {
	if conn.IsClosed() {
		return
	}
	if err := conn.Close(); err != nil {
		c.logWarn(context.Background(), "Failed to close broker connection", err, nil)
	}
}
