package rabbit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/confirms"
	"github.com/Aleph-Alpha/amqpbus/v1/connection"
	"github.com/Aleph-Alpha/amqpbus/v1/consumer"
	"github.com/Aleph-Alpha/amqpbus/v1/dispatcher"
	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	"github.com/Aleph-Alpha/amqpbus/v1/observability"
	"github.com/Aleph-Alpha/amqpbus/v1/tracer"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	"golang.org/x/sync/errgroup"
)

// RabbitClient is the composition root of the client: it owns the event bus,
// the persistent connection, the command dispatcher, the confirmation listener
// and the consumer dispatcher, and exposes the publish, consume and topology
// API on top of them.
type RabbitClient struct {
	cfg Config

	bus        *eventbus.Bus
	conn       *connection.PersistentConnection
	dispatcher *dispatcher.Dispatcher
	confirms   *confirms.Listener
	consumers  *consumer.Dispatcher
	topology   *topology

	logger   Logger
	observer observability.Observer
	tracer   *tracer.Tracer

	// ctx lives until GracefulShutdown
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	closed    bool
	active    map[*Consumer]struct{}
	subs      []*eventbus.Subscription
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient builds a client from cfg. No connection is attempted until Start.
//
// Example:
//
//	client, err := rabbit.NewClient(cfg)
//	if err != nil {
//		return err
//	}
//	client.WithLogger(log)
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.GracefulShutdown()
func NewClient(cfg Config) (*RabbitClient, error) {
	dialer, err := transport.NewAMQPDialer(cfg.Connection.Config)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, dialer)
}

func newClient(cfg Config, dialer transport.Dialer) (*RabbitClient, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Connection.Hosts) == 0 {
		return nil, ErrNoHosts
	}

	candidates, err := hosts.ParseHosts(cfg.Connection.Hosts, cfg.Connection.Port)
	if err != nil {
		return nil, err
	}
	strategy, err := hosts.New(cfg.Connection.HostSelection, candidates...)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	// the listener must see ChannelOpenedEvent for every channel, so it
	// subscribes before anything can open one
	listener, err := confirms.New(bus)
	if err != nil {
		return nil, err
	}
	consumers, err := consumer.NewDispatcher(bus, consumer.Config{ShutdownTimeout: cfg.Dispatcher.ShutdownTimeout})
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	conn := connection.New(connection.Config{RetryInterval: cfg.Connection.RetryInterval}, dialer, strategy, bus)

	ctx, cancel := context.WithCancel(context.Background())
	rb := &RabbitClient{
		cfg:       cfg,
		bus:       bus,
		conn:      conn,
		confirms:  listener,
		consumers: consumers,
		topology:  newTopology(),
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[*Consumer]struct{}),
	}

	if err := rb.subscribe(
		func() (*eventbus.Subscription, error) { return eventbus.Subscribe(bus, rb.onDisconnected) },
		func() (*eventbus.Subscription, error) { return eventbus.Subscribe(bus, rb.onConnected) },
	); err != nil {
		cancel()
		_ = consumers.Close()
		_ = listener.Close()
		return nil, err
	}

	rb.dispatcher = dispatcher.New(conn, dispatcher.Config{
		PublisherConfirms: cfg.Channel.PublisherConfirms,
		CommandTimeout:    cfg.Dispatcher.CommandTimeout,
		ShutdownTimeout:   cfg.Dispatcher.ShutdownTimeout,
	})
	return rb, nil
}

// WithLogger attaches a logger to the client and every component it owns.
// It must be called before Start.
func (rb *RabbitClient) WithLogger(logger Logger) *RabbitClient {
	rb.logger = logger
	rb.bus.WithLogger(logger)
	rb.conn.WithLogger(logger)
	rb.dispatcher.WithLogger(logger)
	rb.confirms.WithLogger(logger)
	rb.consumers.WithLogger(logger)
	return rb
}

// WithObserver attaches an observer to the client and every component it
// owns. It must be called before Start.
//
// Example:
//
//	client, err := rabbit.NewClient(cfg)
//	if err != nil {
//		return err
//	}
//	client = client.WithObserver(metricsCollector)
func (rb *RabbitClient) WithObserver(observer observability.Observer) *RabbitClient {
	rb.observer = observer
	rb.conn.WithObserver(observer)
	rb.dispatcher.WithObserver(observer)
	rb.confirms.WithObserver(observer)
	rb.consumers.WithObserver(observer)
	return rb
}

// WithTracer enables spans around publishes and handled deliveries, with the
// trace context carried in message headers.
func (rb *RabbitClient) WithTracer(t *tracer.Tracer) *RabbitClient {
	rb.tracer = t
	return rb
}

// Start begins connecting in the background. It does not wait for the first
// connection; use WaitConnected for that.
func (rb *RabbitClient) Start(ctx context.Context) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return ErrClientClosed
	}
	if rb.started {
		return ErrAlreadyStarted
	}
	if err := rb.conn.Initialize(); err != nil {
		return err
	}
	rb.started = true

	rb.logInfo(ctx, "Rabbit client started", map[string]interface{}{
		"hosts": rb.cfg.Connection.Hosts,
	})
	return nil
}

// IsConnected reports whether a broker connection is currently established.
func (rb *RabbitClient) IsConnected() bool {
	return rb.conn.IsConnected()
}

// WaitConnected blocks until a connection is established or ctx ends.
func (rb *RabbitClient) WaitConnected(ctx context.Context) error {
	if rb.isClosed() {
		return ErrClientClosed
	}
	return rb.conn.WaitConnected(ctx)
}

// Events returns the bus on which connection, channel, confirm and consumer
// events are published.
func (rb *RabbitClient) Events() *eventbus.Bus {
	return rb.bus
}

// GracefulShutdown stops consumers, fails queued commands and pending
// confirmations, and closes the connection. It is safe to call more than once.
// Teardown errors are logged.
func (rb *RabbitClient) GracefulShutdown() {
	rb.closeOnce.Do(rb.shutdown)
}

func (rb *RabbitClient) shutdown() {
	ctx := context.Background()
	rb.logInfo(ctx, "Shutting down Rabbit client", nil)

	rb.mu.Lock()
	rb.closed = true
	active := make([]*Consumer, 0, len(rb.active))
	for c := range rb.active {
		active = append(active, c)
	}
	subs := rb.subs
	rb.subs = nil
	rb.mu.Unlock()

	var g errgroup.Group
	for _, c := range active {
		g.Go(c.Close)
	}
	if err := g.Wait(); err != nil {
		rb.logWarn(ctx, "Failed to close consumer", err, nil)
	}

	rb.cancel()
	for _, sub := range subs {
		sub.Close()
	}
	rb.wg.Wait()

	closers := []struct {
		name  string
		close func() error
	}{
		{"consumer dispatcher", rb.consumers.Close},
		{"dispatcher", rb.dispatcher.Close},
		{"confirmation listener", rb.confirms.Close},
		{"connection", rb.conn.Close},
	}
	for _, c := range closers {
		if err := c.close(); err != nil {
			rb.logWarn(ctx, fmt.Sprintf("Failed to close %s", c.name), err, nil)
		}
	}
	rb.bus.Close()
}

func (rb *RabbitClient) subscribe(subscribers ...func() (*eventbus.Subscription, error)) error {
	subs := make([]*eventbus.Subscription, 0, len(subscribers))
	for _, s := range subscribers {
		sub, err := s()
		if err != nil {
			for _, done := range subs {
				done.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}

	rb.mu.Lock()
	rb.subs = append(rb.subs, subs...)
	rb.mu.Unlock()
	return nil
}

func (rb *RabbitClient) onDisconnected(e eventbus.DisconnectedEvent) {
	rb.topology.invalidate()
	rb.logWarn(rb.ctx, "Rabbit connection lost", e.Reason, map[string]interface{}{
		"host": e.Host.String(),
	})
}

func (rb *RabbitClient) onConnected(e eventbus.ConnectedEvent) {
	if !e.Recovered {
		return
	}
	generation := rb.topology.current()

	// handlers run on the connection's goroutine, which must stay free while
	// the dispatcher opens channels
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return
	}
	rb.wg.Add(1)
	rb.mu.Unlock()

	go func() {
		defer rb.wg.Done()
		defer rb.topology.release(generation)

		start := time.Now()
		err := rb.redeclare(rb.ctx)
		rb.observeOperation("redeclare", e.Host.String(), "", time.Since(start), err, 0)
		if err != nil {
			rb.logError(rb.ctx, "Failed to redeclare topology", err, map[string]interface{}{
				"host": e.Host.String(),
			})
			return
		}
		rb.logInfo(rb.ctx, "Topology redeclared", map[string]interface{}{
			"host": e.Host.String(),
		})
	}()
}

func (rb *RabbitClient) isClosed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

func (rb *RabbitClient) track(c *Consumer) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return false
	}
	rb.active[c] = struct{}{}
	return true
}

func (rb *RabbitClient) untrack(c *Consumer) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	delete(rb.active, c)
}
