package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

var (
	// ErrBusClosed is returned when subscribing to a closed bus.
	ErrBusClosed = errors.New("event bus closed")

	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("nil event handler")
)

// Logger is an interface that is satisfied by the v1/logger.Logger interface.
type Logger interface {
	ErrorWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}

// Bus dispatches events to subscribers keyed by the event's exact type.
//
// Publishing iterates a snapshot of the subscriber list, so subscribing or
// unsubscribing from inside a handler only affects later publishes. A panic in
// one handler is recovered and logged; the remaining handlers still run.
type Bus struct {
	mu     sync.Mutex
	subs   map[reflect.Type][]*Subscription
	closed bool

	logger Logger
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus    *Bus
	typ    reflect.Type
	active atomic.Bool
	invoke func(event any)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]*Subscription)}
}

// WithLogger attaches a logger used to report handler panics.
func (b *Bus) WithLogger(logger Logger) *Bus {
	b.logger = logger
	return b
}

// Subscribe registers handler for events of type T.
//
// Example:
//
//	sub, err := eventbus.Subscribe(bus, func(e eventbus.ConnectedEvent) {
//		log.Printf("connected to %s", e.Host)
//	})
//	if err != nil {
//		return err
//	}
//	defer sub.Close()
func Subscribe[T any](b *Bus, handler func(T)) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	sub := &Subscription{
		bus:    b,
		typ:    reflect.TypeFor[T](),
		invoke: func(event any) { handler(event.(T)) },
	}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	current := b.subs[sub.typ]
	next := make([]*Subscription, len(current), len(current)+1)
	copy(next, current)
	b.subs[sub.typ] = append(next, sub)
	return sub, nil
}

// Publish synchronously invokes every subscriber of T in subscription order.
// Publishing on a closed bus is a no-op.
func Publish[T any](b *Bus, event T) {
	typ := reflect.TypeFor[T]()

	b.mu.Lock()
	snapshot := b.subs[typ]
	b.mu.Unlock()

	for _, sub := range snapshot {
		// unsubscribed while this publish was in progress
		if !sub.active.Load() {
			continue
		}
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub *Subscription, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.logError("event handler panicked", fmt.Errorf("panic: %v", r), map[string]interface{}{
				"event": sub.typ.String(),
			})
		}
	}()
	sub.invoke(event)
}

// Close removes every subscription. Later Subscribe calls fail with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	b.subs = make(map[reflect.Type][]*Subscription)
}

// Close stops delivery to the handler. It is idempotent and safe to call from
// inside the handler itself.
func (s *Subscription) Close() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[s.typ]
	next := make([]*Subscription, 0, len(current))
	for _, other := range current {
		if other != s {
			next = append(next, other)
		}
	}
	if len(next) == 0 {
		delete(b.subs, s.typ)
		return
	}
	b.subs[s.typ] = next
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

func (b *Bus) logError(msg string, err error, fields ...map[string]interface{}) {
	if b.logger != nil {
		b.logger.ErrorWithContext(context.Background(), msg, err, fields...)
	}
}
