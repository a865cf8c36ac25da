package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrDispatcherClosed is returned for commands submitted to, or still queued
	// in, a closed dispatcher.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrCommandPanicked is returned when a command panics.
	ErrCommandPanicked = errors.New("command panicked")
)

// Command is a unit of work run against the dispatcher channel.
type Command func(ch transport.Channel) error

const (
	jobPending int32 = iota
	jobRunning
	jobCancelled
)

type job struct {
	cmd      Command
	state    atomic.Int32
	done     chan error
	enqueued time.Time
}

// Dispatcher serializes commands onto one shared channel.
//
// A single worker goroutine takes commands in FIFO order and runs them one at a
// time, so the channel never sees two commands concurrently. The channel is
// opened lazily and replaced after it dies. Commands are never retried.
type Dispatcher struct {
	factory  ChannelFactory
	cfg      Config
	logger   Logger
	observer observability.Observer

	mu     sync.Mutex
	queue  []*job
	closed bool

	wake       chan struct{}
	stop       chan struct{}
	workerDone chan struct{}

	// ch is owned by the worker goroutine
	ch transport.Channel
}

// New creates a dispatcher and starts its worker.
func New(factory ChannelFactory, cfg Config) *Dispatcher {
	d := &Dispatcher{
		factory:    factory,
		cfg:        cfg.withDefaults(),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go d.run()
	return d
}

// WithLogger attaches a logger to the dispatcher.
func (d *Dispatcher) WithLogger(logger Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithObserver attaches an observer that receives one report per executed command.
func (d *Dispatcher) WithObserver(observer observability.Observer) *Dispatcher {
	d.observer = observer
	return d
}

// Invoke queues cmd and waits for its result.
//
// The returned error is one of:
//   - nil or the command's own (translated) error
//   - transport.ErrNotConnected when no channel could be opened
//   - an error wrapping transport.ErrConnectionLost when the channel or
//     connection died during the command
//   - ctx.Err() when ctx ended first; a command that had not started yet will
//     never run, a running one completes but its result is discarded
//   - ErrDispatcherClosed
//
// Invoke is safe for concurrent use.
func (d *Dispatcher) Invoke(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CommandTimeout)
		defer cancel()
	}

	j := &job{cmd: cmd, done: make(chan error, 1), enqueued: time.Now()}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.queue = append(d.queue, j)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		j.state.CompareAndSwap(jobPending, jobCancelled)
		return ctx.Err()
	}
}

// Call runs fn through d.Invoke and returns its value.
func Call[T any](ctx context.Context, d *Dispatcher, fn func(ch transport.Channel) (T, error)) (T, error) {
	var result T
	err := d.Invoke(ctx, func(ch transport.Channel) error {
		v, err := fn(ch)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Len returns the number of queued commands.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops the dispatcher. Queued commands fail with ErrDispatcherClosed; a
// running command may finish within Config.ShutdownTimeout. The channel is
// closed afterwards. Close is idempotent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	queued := d.queue
	d.queue = nil
	d.mu.Unlock()

	close(d.stop)
	for _, j := range queued {
		if j.state.CompareAndSwap(jobPending, jobCancelled) {
			j.done <- ErrDispatcherClosed
		}
	}

	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-d.workerDone:
	case <-timer.C:
		// the worker closes the channel once the running command returns
		d.logWarn(context.Background(), "Dispatcher worker did not stop in time", nil, map[string]interface{}{
			"timeout": d.cfg.ShutdownTimeout.String(),
		})
	}
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.workerDone)
	defer d.discard(nil)

	for {
		j, ok := d.next()
		if !ok {
			return
		}
		if !j.state.CompareAndSwap(jobPending, jobRunning) {
			// cancelled while queued
			continue
		}
		j.done <- d.execute(j)
	}
}

// next blocks until a command is queued or the dispatcher is closed.
func (d *Dispatcher) next() (*job, bool) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, false
		}
		if len(d.queue) > 0 {
			j := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return j, true
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-d.stop:
			return nil, false
		}
	}
}

func (d *Dispatcher) execute(j *job) (err error) {
	start := time.Now()
	defer func() {
		d.observeOperation(time.Since(start), start.Sub(j.enqueued), err)
	}()

	ch, err := d.channel()
	if err != nil {
		return err
	}

	err = d.invoke(j.cmd, ch)
	switch {
	case err == nil:
		if ch.IsClosed() {
			d.ch = nil
		}
		return nil

	case errors.Is(err, ErrCommandPanicked):
		// the channel may be mid-frame; do not reuse it
		d.discard(err)
		return err

	case transport.IsConnectionFatal(err):
		d.discard(err)
		if errors.Is(err, transport.ErrConnectionLost) {
			return err
		}
		return fmt.Errorf("%w: %w", transport.ErrConnectionLost, err)

	default:
		// soft protocol errors close the channel broker side but leave the
		// connection intact; reopen quietly on the next command
		if ch.IsClosed() {
			d.ch = nil
		}
		return transport.TranslateError(err)
	}
}

// channel returns the current channel, opening one if needed.
func (d *Dispatcher) channel() (transport.Channel, error) {
	if d.ch != nil && !d.ch.IsClosed() {
		return d.ch, nil
	}
	d.ch = nil

	ch, err := d.factory.CreateChannel(transport.ChannelOptions{PublisherConfirms: d.cfg.PublisherConfirms})
	if err != nil {
		return nil, err
	}
	d.ch = ch
	return ch, nil
}

// discard closes and forgets the current channel. A nil cause means shutdown.
func (d *Dispatcher) discard(cause error) {
	if d.ch == nil {
		return
	}
	if cause != nil {
		d.logWarn(context.Background(), "Discarding dispatcher channel", cause, nil)
	}
	d.closeChannel(d.ch)
	d.ch = nil
}

func (d *Dispatcher) closeChannel(ch transport.Channel) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		d.logWarn(context.Background(), "Failed to close dispatcher channel", err, nil)
	}
}

func (d *Dispatcher) invoke(cmd Command, ch transport.Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCommandPanicked, r)
			d.logError(context.Background(), "Dispatcher command panicked", err, nil)
		}
	}()
	return cmd(ch)
}
