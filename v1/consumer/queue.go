package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
)

// ErrQueueClosed is returned when queueing onto a closed queue or dispatcher.
var ErrQueueClosed = errors.New("consumer queue closed")

// Action is a handler invocation. ctx is the context given to QueueAction.
type Action func(ctx context.Context)

type queuedAction struct {
	ctx      context.Context
	fn       Action
	enqueued time.Time
}

// Queue runs actions one at a time, in the order they were queued, on its own
// goroutine.
type Queue struct {
	name     string
	logger   Logger
	observer observability.Observer

	mu     sync.Mutex
	items  []queuedAction
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newQueue(name string, logger Logger, observer observability.Observer) *Queue {
	q := &Queue{
		name:     name,
		logger:   logger,
		observer: observer,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the group the queue serves.
func (q *Queue) Name() string { return q.name }

// QueueAction appends fn. It does not wait for fn to run. An action whose ctx
// has ended by the time it is dequeued is skipped.
func (q *Queue) QueueAction(ctx context.Context, fn Action) error {
	if fn == nil {
		return errors.New("nil consumer action")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueClosed, q.name)
	}
	q.items = append(q.items, queuedAction{ctx: ctx, fn: fn, enqueued: time.Now()})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of actions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every action that has not started yet and returns how many were
// dropped. The running action, if any, is not affected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// close rejects further actions, drops queued ones and tells the worker to
// exit after the running action. Wait on q.done to join it.
func (q *Queue) close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()

	close(q.stop)
	return n
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		a, ok := q.next()
		if !ok {
			return
		}
		if a.ctx.Err() != nil {
			continue
		}
		q.execute(a)
	}
}

func (q *Queue) next() (queuedAction, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return queuedAction{}, false
		}
		if len(q.items) > 0 {
			a := q.items[0]
			q.items[0] = queuedAction{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return a, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stop:
			return queuedAction{}, false
		}
	}
}

func (q *Queue) execute(a queuedAction) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer action panicked: %v", r)
			q.logError(a.ctx, "Consumer action panicked", err, map[string]interface{}{
				"group": q.name,
			})
		}
		q.observeOperation(time.Since(start), start.Sub(a.enqueued), err)
	}()
	a.fn(a.ctx)
}
