package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Published is a message recorded by Channel.PublishWithContext.
type Published struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing

	// SeqNo is the publish sequence number, zero outside confirm mode
	SeqNo uint64
}

// Settled records a consumer acknowledgement.
type Settled struct {
	Tag      uint64
	Multiple bool
	Ack      bool
	Requeue  bool
}

// Channel is a fake transport.Channel.
//
// Every protocol method first consults Hook, so tests can inject failures for
// a given method name ("ExchangeDeclare", "PublishWithContext", ...).
type Channel struct {
	// Hook is called with the method name before the method runs. A non-nil
	// result is returned to the caller. It runs with the channel lock held and
	// must not call back into the channel.
	Hook func(method string) error

	// AutoAck confirms every publish as soon as it is made
	AutoAck bool

	mu          sync.Mutex
	closed      bool
	confirming  bool
	published   uint64
	prefetch    int
	calls       []string
	publishes   []Published
	settled     []Settled
	consumers   map[string]chan amqp.Delivery
	consumerSeq int
	deliveryTag uint64
	queueSeq    int

	// notifyMu serializes sends to and closes of listener channels
	notifyMu sync.Mutex
	closes   []chan *amqp.Error
	confirms []chan amqp.Confirmation
	returns  []chan amqp.Return
	cancels  []chan string
	finished bool
}

var _ transport.Channel = (*Channel)(nil)

// NewChannel returns an open fake channel.
func NewChannel() *Channel {
	return &Channel{consumers: make(map[string]chan amqp.Delivery)}
}

func (c *Channel) call(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(method)
}

func (c *Channel) callLocked(method string) error {
	if c.closed {
		return amqp.ErrClosed
	}
	c.calls = append(c.calls, method)
	if c.Hook != nil {
		return c.Hook(method)
	}
	return nil
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.call("ExchangeDeclare")
}

func (c *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return c.call("ExchangeDelete")
}

func (c *Channel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return c.call("ExchangeBind")
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.callLocked("QueueDeclare"); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		c.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", c.queueSeq)
	}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.call("QueueBind")
}

func (c *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return c.call("QueueUnbind")
}

func (c *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	return 0, c.call("QueueDelete")
}

func (c *Channel) QueuePurge(name string, noWait bool) (int, error) {
	return 0, c.call("QueuePurge")
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.callLocked("Qos"); err != nil {
		return err
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.callLocked("Confirm"); err != nil {
		return err
	}
	c.confirming = true
	return nil
}

func (c *Channel) GetNextPublishSeqNo() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published + 1
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	if err := c.callLocked("PublishWithContext"); err != nil {
		c.mu.Unlock()
		return err
	}
	p := Published{Exchange: exchange, RoutingKey: key, Mandatory: mandatory, Msg: msg}
	if c.confirming {
		c.published++
		p.SeqNo = c.published
	}
	c.publishes = append(c.publishes, p)
	autoAck := c.AutoAck && c.confirming
	c.mu.Unlock()

	if autoAck {
		c.AckPublish(p.SeqNo)
	}
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.callLocked("Consume"); err != nil {
		return nil, err
	}
	if consumer == "" {
		c.consumerSeq++
		consumer = fmt.Sprintf("ctag-%d", c.consumerSeq)
	}
	if _, ok := c.consumers[consumer]; ok {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag"}
	}
	deliveries := make(chan amqp.Delivery, 64)
	c.consumers[consumer] = deliveries
	return deliveries, nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	if err := c.callLocked("Cancel"); err != nil {
		c.mu.Unlock()
		return err
	}
	deliveries, ok := c.consumers[consumer]
	delete(c.consumers, consumer)
	c.mu.Unlock()

	if ok {
		c.notifyMu.Lock()
		close(deliveries)
		c.notifyMu.Unlock()
	}
	return nil
}

func (c *Channel) Ack(tag uint64, multiple bool) error {
	return c.settle(Settled{Tag: tag, Multiple: multiple, Ack: true})
}

func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return c.settle(Settled{Tag: tag, Multiple: multiple, Requeue: requeue})
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.settle(Settled{Tag: tag, Requeue: requeue})
}

func (c *Channel) settle(s Settled) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.settled = append(c.settled, s)
	return nil
}

func (c *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.finished {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *Channel) NotifyPublish(receiver chan amqp.Confirmation) chan amqp.Confirmation {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.finished {
		close(receiver)
		return receiver
	}
	c.confirms = append(c.confirms, receiver)
	return receiver
}

func (c *Channel) NotifyReturn(receiver chan amqp.Return) chan amqp.Return {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.finished {
		close(receiver)
		return receiver
	}
	c.returns = append(c.returns, receiver)
	return receiver
}

func (c *Channel) NotifyCancel(receiver chan string) chan string {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.finished {
		close(receiver)
		return receiver
	}
	c.cancels = append(c.cancels, receiver)
	return receiver
}

// Close closes the channel gracefully.
func (c *Channel) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	c.Shutdown(nil)
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown closes the channel the way the client library does on a broker
// channel.close or connection loss: the reason goes to the close listeners,
// then every listener and delivery channel is closed.
func (c *Channel) Shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	consumers := c.consumers
	c.consumers = make(map[string]chan amqp.Delivery)
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.finished = true

	for _, l := range c.closes {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	for _, l := range c.confirms {
		close(l)
	}
	for _, l := range c.returns {
		close(l)
	}
	for _, l := range c.cancels {
		close(l)
	}
	for _, d := range consumers {
		close(d)
	}
	c.closes, c.confirms, c.returns, c.cancels = nil, nil, nil, nil
}

// AckPublish confirms the publish with the given sequence number.
func (c *Channel) AckPublish(tag uint64) {
	c.confirm(amqp.Confirmation{DeliveryTag: tag, Ack: true})
}

// NackPublish rejects the publish with the given sequence number.
func (c *Channel) NackPublish(tag uint64) {
	c.confirm(amqp.Confirmation{DeliveryTag: tag, Ack: false})
}

func (c *Channel) confirm(conf amqp.Confirmation) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.finished {
		return
	}
	for _, l := range c.confirms {
		l <- conf
	}
}

// ReturnMessage hands an unroutable mandatory message back to the publisher.
func (c *Channel) ReturnMessage(ret amqp.Return) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.finished {
		return
	}
	for _, l := range c.returns {
		l <- ret
	}
}

// Deliver pushes a message to the consumer with the given tag. It reports
// false when no such consumer exists.
func (c *Channel) Deliver(consumerTag string, msg amqp.Delivery) bool {
	c.mu.Lock()
	deliveries, ok := c.consumers[consumerTag]
	if ok {
		c.deliveryTag++
		msg.DeliveryTag = c.deliveryTag
		msg.ConsumerTag = consumerTag
		msg.Acknowledger = c
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.finished {
		return false
	}
	deliveries <- msg
	return true
}

// Calls returns the protocol methods invoked so far, in order.
func (c *Channel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Publishes returns the recorded publishes.
func (c *Channel) Publishes() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.publishes...)
}

// Settled returns the recorded consumer acknowledgements.
func (c *Channel) Settled() []Settled {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Settled(nil), c.settled...)
}

// ConsumerTags returns the active consumer tags.
func (c *Channel) ConsumerTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// Prefetch returns the last prefetch count set with Qos.
func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

// Confirming reports whether the channel is in confirm mode.
func (c *Channel) Confirming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirming
}
