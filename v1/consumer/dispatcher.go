package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/observability"
	"golang.org/x/sync/errgroup"
)

// Dispatcher runs handler invocations off the delivery goroutines. Each group
// gets its own Queue, created on first use; actions within a group run in
// order while different groups run in parallel.
//
// On eventbus.DisconnectedEvent every action that has not started is dropped.
// The broker redelivers those messages once the consumers are back.
type Dispatcher struct {
	cfg      Config
	logger   Logger
	observer observability.Observer

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool

	sub *eventbus.Subscription
}

// NewDispatcher creates a dispatcher that watches bus for disconnects.
func NewDispatcher(bus *eventbus.Bus, cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:    cfg.withDefaults(),
		queues: make(map[string]*Queue),
	}

	sub, err := eventbus.Subscribe(bus, func(e eventbus.DisconnectedEvent) {
		d.Clear()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe consumer dispatcher: %w", err)
	}
	d.sub = sub
	return d, nil
}

// WithLogger attaches a logger. Set it before the first action is queued.
func (d *Dispatcher) WithLogger(logger Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithObserver attaches an observer that receives one report per action. Set
// it before the first action is queued.
func (d *Dispatcher) WithObserver(observer observability.Observer) *Dispatcher {
	d.observer = observer
	return d
}

// Queue returns the queue of group, creating it on first use.
func (d *Dispatcher) Queue(group string) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrQueueClosed
	}
	q, ok := d.queues[group]
	if !ok {
		q = newQueue(group, d.logger, d.observer)
		d.queues[group] = q
	}
	return q, nil
}

// QueueAction appends fn to the queue of group.
func (d *Dispatcher) QueueAction(ctx context.Context, group string, fn Action) error {
	q, err := d.Queue(group)
	if err != nil {
		return err
	}
	return q.QueueAction(ctx, fn)
}

// Clear drops every queued action that has not started, in all groups.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	queues := make([]*Queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	dropped := 0
	for _, q := range queues {
		dropped += q.Clear()
	}
	if dropped > 0 {
		d.logInfo(context.Background(), "Dropped queued consumer actions after disconnect", map[string]interface{}{
			"dropped": dropped,
		})
	}
}

// Close rejects new actions, drops queued ones and waits up to
// Config.ShutdownTimeout for running actions to return. Close is idempotent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	queues := d.queues
	d.queues = make(map[string]*Queue)
	d.mu.Unlock()

	d.sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for name, q := range queues {
		q.close()
		g.Go(func() error {
			select {
			case <-q.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("consumer queue %q did not stop: %w", name, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		d.logWarn(context.Background(), "Consumer dispatcher shutdown timed out", err, map[string]interface{}{
			"timeout": d.cfg.ShutdownTimeout.String(),
		})
	}
	return nil
}
