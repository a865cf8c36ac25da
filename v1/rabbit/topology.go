package rabbit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Aleph-Alpha/amqpbus/v1/dispatcher"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange describes an exchange declaration.
type Exchange struct {
	Name string

	// Kind is the routing behavior: "direct", "fanout", "topic" or "headers"
	Kind string

	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp.Table
}

// Queue describes a queue declaration. An empty Name asks the broker to
// generate one; such queues are not re-declared after a reconnect.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Binding binds a queue to an exchange.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Args       amqp.Table
}

// ExchangeBinding routes messages from the Source exchange to the Destination exchange.
type ExchangeBinding struct {
	Destination string
	Source      string
	RoutingKey  string
	Args        amqp.Table
}

func (b Binding) key() string {
	return b.Queue + "\x00" + b.Exchange + "\x00" + b.RoutingKey
}

func (b ExchangeBinding) key() string {
	return b.Destination + "\x00" + b.Source + "\x00" + b.RoutingKey
}

// topology records successful declarations so they can be replayed on a new
// connection. The gate is open while the recorded topology is known to exist
// on the broker; it closes on disconnect and reopens once re-declaration ran.
type topology struct {
	mu               sync.Mutex
	exchanges        []Exchange
	queues           []Queue
	bindings         []Binding
	exchangeBindings []ExchangeBinding
	gate             chan struct{}
	generation       uint64
}

func newTopology() *topology {
	gate := make(chan struct{})
	close(gate)
	return &topology{gate: gate}
}

func (t *topology) addExchange(e Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges = slices.DeleteFunc(t.exchanges, func(x Exchange) bool { return x.Name == e.Name })
	t.exchanges = append(t.exchanges, e)
}

func (t *topology) removeExchange(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges = slices.DeleteFunc(t.exchanges, func(x Exchange) bool { return x.Name == name })
	t.bindings = slices.DeleteFunc(t.bindings, func(b Binding) bool { return b.Exchange == name })
	t.exchangeBindings = slices.DeleteFunc(t.exchangeBindings, func(b ExchangeBinding) bool {
		return b.Source == name || b.Destination == name
	})
}

func (t *topology) addQueue(q Queue) {
	if q.Name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues = slices.DeleteFunc(t.queues, func(x Queue) bool { return x.Name == q.Name })
	t.queues = append(t.queues, q)
}

func (t *topology) removeQueue(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues = slices.DeleteFunc(t.queues, func(x Queue) bool { return x.Name == name })
	t.bindings = slices.DeleteFunc(t.bindings, func(b Binding) bool { return b.Queue == name })
}

func (t *topology) addBinding(b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings = slices.DeleteFunc(t.bindings, func(x Binding) bool { return x.key() == b.key() })
	t.bindings = append(t.bindings, b)
}

func (t *topology) removeBinding(b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings = slices.DeleteFunc(t.bindings, func(x Binding) bool { return x.key() == b.key() })
}

func (t *topology) addExchangeBinding(b ExchangeBinding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchangeBindings = slices.DeleteFunc(t.exchangeBindings, func(x ExchangeBinding) bool { return x.key() == b.key() })
	t.exchangeBindings = append(t.exchangeBindings, b)
}

// snapshot returns copies of the recorded declarations.
func (t *topology) snapshot() ([]Exchange, []Queue, []ExchangeBinding, []Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.exchanges), slices.Clone(t.queues), slices.Clone(t.exchangeBindings), slices.Clone(t.bindings)
}

// invalidate closes the gate until a release for the new generation.
func (t *topology) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	select {
	case <-t.gate:
		t.gate = make(chan struct{})
	default:
	}
}

// current returns the generation a re-declaration must release.
func (t *topology) current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// release opens the gate unless the connection was lost again since
// generation was taken.
func (t *topology) release(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if generation != t.generation {
		return
	}
	select {
	case <-t.gate:
	default:
		close(t.gate)
	}
}

// wait blocks until the recorded topology is in place.
func (t *topology) wait(ctx context.Context) error {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExchangeDeclare declares an exchange and records it for re-declaration
// after a reconnect.
func (rb *RabbitClient) ExchangeDeclare(ctx context.Context, e Exchange) error {
	err := rb.invoke(ctx, "exchange_declare", e.Name, func(ch transport.Channel) error {
		return ch.ExchangeDeclare(e.Name, e.Kind, e.Durable, e.AutoDelete, e.Internal, false, e.Args)
	})
	if err != nil {
		return fmt.Errorf("declare exchange %q: %w", e.Name, err)
	}
	rb.topology.addExchange(e)
	return nil
}

// ExchangeDelete deletes an exchange and forgets its bindings.
func (rb *RabbitClient) ExchangeDelete(ctx context.Context, name string) error {
	err := rb.invoke(ctx, "exchange_delete", name, func(ch transport.Channel) error {
		return ch.ExchangeDelete(name, false, false)
	})
	if err != nil {
		return fmt.Errorf("delete exchange %q: %w", name, err)
	}
	rb.topology.removeExchange(name)
	return nil
}

// ExchangeBind binds the destination exchange to the source exchange.
func (rb *RabbitClient) ExchangeBind(ctx context.Context, b ExchangeBinding) error {
	err := rb.invoke(ctx, "exchange_bind", b.Source, func(ch transport.Channel) error {
		return ch.ExchangeBind(b.Destination, b.RoutingKey, b.Source, false, b.Args)
	})
	if err != nil {
		return fmt.Errorf("bind exchange %q to %q: %w", b.Destination, b.Source, err)
	}
	rb.topology.addExchangeBinding(b)
	return nil
}

// QueueDeclare declares a queue and returns the broker's view of it. Named
// queues are recorded for re-declaration after a reconnect.
func (rb *RabbitClient) QueueDeclare(ctx context.Context, q Queue) (amqp.Queue, error) {
	declared, err := call(ctx, rb, "queue_declare", q.Name, func(ch transport.Channel) (amqp.Queue, error) {
		return ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args)
	})
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declare queue %q: %w", q.Name, err)
	}
	rb.topology.addQueue(q)
	return declared, nil
}

// QueueBind binds a queue to an exchange.
func (rb *RabbitClient) QueueBind(ctx context.Context, b Binding) error {
	err := rb.invoke(ctx, "queue_bind", b.Queue, func(ch transport.Channel) error {
		return ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Args)
	})
	if err != nil {
		return fmt.Errorf("bind queue %q to %q: %w", b.Queue, b.Exchange, err)
	}
	rb.topology.addBinding(b)
	return nil
}

// QueueUnbind removes a binding.
func (rb *RabbitClient) QueueUnbind(ctx context.Context, b Binding) error {
	err := rb.invoke(ctx, "queue_unbind", b.Queue, func(ch transport.Channel) error {
		return ch.QueueUnbind(b.Queue, b.RoutingKey, b.Exchange, b.Args)
	})
	if err != nil {
		return fmt.Errorf("unbind queue %q from %q: %w", b.Queue, b.Exchange, err)
	}
	rb.topology.removeBinding(b)
	return nil
}

// QueueDelete deletes a queue and returns the number of messages it held.
func (rb *RabbitClient) QueueDelete(ctx context.Context, name string) (int, error) {
	n, err := call(ctx, rb, "queue_delete", name, func(ch transport.Channel) (int, error) {
		return ch.QueueDelete(name, false, false, false)
	})
	if err != nil {
		return 0, fmt.Errorf("delete queue %q: %w", name, err)
	}
	rb.topology.removeQueue(name)
	return n, nil
}

// QueuePurge removes every ready message from a queue.
func (rb *RabbitClient) QueuePurge(ctx context.Context, name string) (int, error) {
	n, err := call(ctx, rb, "queue_purge", name, func(ch transport.Channel) (int, error) {
		return ch.QueuePurge(name, false)
	})
	if err != nil {
		return 0, fmt.Errorf("purge queue %q: %w", name, err)
	}
	return n, nil
}

// DeadLetterArgs returns the queue arguments that route rejected and expired
// messages of a queue to the configured dead-letter exchange.
func (rb *RabbitClient) DeadLetterArgs() amqp.Table {
	dl := rb.cfg.DeadLetter
	if dl.ExchangeName == "" {
		return nil
	}
	args := amqp.Table{"x-dead-letter-exchange": dl.ExchangeName}
	if dl.RoutingKey != "" {
		args["x-dead-letter-routing-key"] = dl.RoutingKey
	}
	return args
}

// DeclareDeadLetter declares the configured dead-letter exchange and queue and
// binds them.
func (rb *RabbitClient) DeclareDeadLetter(ctx context.Context) error {
	dl := rb.cfg.DeadLetter
	if dl.ExchangeName == "" || dl.QueueName == "" {
		return ErrDeadLetterNotConfigured
	}

	if err := rb.ExchangeDeclare(ctx, Exchange{Name: dl.ExchangeName, Kind: amqp.ExchangeDirect, Durable: true}); err != nil {
		return err
	}

	var args amqp.Table
	if dl.TTL > 0 {
		args = amqp.Table{"x-message-ttl": dl.TTL.Milliseconds()}
	}
	if _, err := rb.QueueDeclare(ctx, Queue{Name: dl.QueueName, Durable: true, Args: args}); err != nil {
		return err
	}
	return rb.QueueBind(ctx, Binding{Queue: dl.QueueName, Exchange: dl.ExchangeName, RoutingKey: dl.RoutingKey})
}

// redeclare replays the recorded topology on the current connection. It stops
// at the first connectivity failure; the next reconnect replays again.
func (rb *RabbitClient) redeclare(ctx context.Context) error {
	exchanges, queues, exchangeBindings, bindings := rb.topology.snapshot()

	var errs []error
	run := func(name string, cmd dispatcher.Command) bool {
		err := rb.dispatcher.Invoke(ctx, cmd)
		if err == nil {
			return true
		}
		errs = append(errs, fmt.Errorf("redeclare %s: %w", name, err))
		return !errors.Is(err, transport.ErrConnectionLost) &&
			!errors.Is(err, transport.ErrNotConnected) &&
			ctx.Err() == nil
	}

	for _, e := range exchanges {
		if !run("exchange "+e.Name, func(ch transport.Channel) error {
			return ch.ExchangeDeclare(e.Name, e.Kind, e.Durable, e.AutoDelete, e.Internal, false, e.Args)
		}) {
			return errors.Join(errs...)
		}
	}
	for _, q := range queues {
		if !run("queue "+q.Name, func(ch transport.Channel) error {
			_, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args)
			return err
		}) {
			return errors.Join(errs...)
		}
	}
	for _, b := range exchangeBindings {
		if !run("exchange binding "+b.Destination, func(ch transport.Channel) error {
			return ch.ExchangeBind(b.Destination, b.RoutingKey, b.Source, false, b.Args)
		}) {
			return errors.Join(errs...)
		}
	}
	for _, b := range bindings {
		if !run("binding "+b.Queue, func(ch transport.Channel) error {
			return ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Args)
		}) {
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}
