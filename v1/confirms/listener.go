package confirms

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/observability"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
)

var (
	// ErrConfirmsNotEnabled is returned when registering on a channel that is
	// not in confirm mode.
	ErrConfirmsNotEnabled = errors.New("publisher confirms not enabled on channel")

	// ErrListenerClosed is returned after Close, and completes confirmations
	// still pending at Close.
	ErrListenerClosed = errors.New("confirmation listener closed")

	// ErrConfirmationCancelled completes a confirmation removed with Cancel.
	ErrConfirmationCancelled = errors.New("confirmation cancelled")

	// ErrDuplicateDeliveryTag is returned when the channel's next sequence
	// number is already awaiting confirmation, i.e. two registrations were made
	// without a publish in between.
	ErrDuplicateDeliveryTag = errors.New("delivery tag already awaiting confirmation")
)

// Listener correlates publisher confirms with pending publishes.
//
// Channels are learned from ChannelOpenedEvent; confirms arrive as
// ConfirmationEvent; ChannelShutdownEvent and DisconnectedEvent purge every
// confirmation still pending on the affected channels with
// transport.ErrConnectionLost.
type Listener struct {
	bus      *eventbus.Bus
	logger   Logger
	observer observability.Observer

	mu       sync.Mutex
	channels map[transport.Channel]*channelConfirms
	subs     []*eventbus.Subscription
	closed   bool
}

// channelConfirms holds the pending confirmations of one channel. Its mutex
// makes registration, resolution and purge mutually exclusive.
type channelConfirms struct {
	mu      sync.Mutex
	pending map[uint64]*PendingConfirmation
	closed  bool
}

// New creates a listener subscribed to bus.
func New(bus *eventbus.Bus) (*Listener, error) {
	l := &Listener{
		bus:      bus,
		channels: make(map[transport.Channel]*channelConfirms),
	}

	subscribe := []func() (*eventbus.Subscription, error){
		func() (*eventbus.Subscription, error) { return eventbus.Subscribe(bus, l.onChannelOpened) },
		func() (*eventbus.Subscription, error) { return eventbus.Subscribe(bus, l.onConfirmation) },
		func() (*eventbus.Subscription, error) { return eventbus.Subscribe(bus, l.onChannelShutdown) },
		func() (*eventbus.Subscription, error) { return eventbus.Subscribe(bus, l.onDisconnected) },
	}
	for _, s := range subscribe {
		sub, err := s()
		if err != nil {
			l.unsubscribe()
			return nil, fmt.Errorf("failed to subscribe confirmation listener: %w", err)
		}
		l.subs = append(l.subs, sub)
	}
	return l, nil
}

// WithLogger attaches a logger.
func (l *Listener) WithLogger(logger Logger) *Listener {
	l.logger = logger
	return l
}

// WithObserver attaches an observer that receives one report per completed
// confirmation.
func (l *Listener) WithObserver(observer observability.Observer) *Listener {
	l.observer = observer
	return l
}

// CreatePendingConfirmation registers a confirmation for the next message
// published on ch. Call it right before publishing, from the goroutine that
// publishes, and Cancel the result if the publish fails.
func (l *Listener) CreatePendingConfirmation(ch transport.Channel) (*PendingConfirmation, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrListenerClosed
	}
	entry := l.channels[ch]
	l.mu.Unlock()

	if entry == nil {
		if ch.IsClosed() {
			return nil, fmt.Errorf("%w: %w", transport.ErrConnectionLost, transport.ErrChannelClosed)
		}
		return nil, ErrConfirmsNotEnabled
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnectionLost, transport.ErrChannelClosed)
	}

	tag := ch.GetNextPublishSeqNo()
	if _, exists := entry.pending[tag]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateDeliveryTag, tag)
	}

	p := &PendingConfirmation{
		tag:          tag,
		registeredAt: time.Now(),
		owner:        entry,
		done:         make(chan struct{}),
	}
	entry.pending[tag] = p
	return p, nil
}

// Pending returns the number of confirmations not yet completed.
func (l *Listener) Pending() int {
	l.mu.Lock()
	entries := make([]*channelConfirms, 0, len(l.channels))
	for _, e := range l.channels {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		n += len(e.pending)
		e.mu.Unlock()
	}
	return n
}

// Close unsubscribes from the bus and fails every pending confirmation with
// ErrListenerClosed. Close is idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	entries := l.channels
	l.channels = make(map[transport.Channel]*channelConfirms)
	l.mu.Unlock()

	l.unsubscribe()
	for _, e := range entries {
		l.purge(e, ErrListenerClosed)
	}
	return nil
}

func (l *Listener) unsubscribe() {
	for _, sub := range l.subs {
		sub.Close()
	}
}

func (l *Listener) onChannelOpened(e eventbus.ChannelOpenedEvent) {
	if !e.PublisherConfirms {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.channels[e.Channel] = &channelConfirms{pending: make(map[uint64]*PendingConfirmation)}
}

func (l *Listener) onConfirmation(e eventbus.ConfirmationEvent) {
	l.mu.Lock()
	entry := l.channels[e.Channel]
	l.mu.Unlock()
	if entry == nil {
		return
	}

	var outcome error
	if e.Nack {
		outcome = fmt.Errorf("%w: delivery tag %d", transport.ErrMessageNacked, e.DeliveryTag)
	}

	entry.mu.Lock()
	var tags []uint64
	if e.Multiple {
		for tag := range entry.pending {
			if tag <= e.DeliveryTag {
				tags = append(tags, tag)
			}
		}
		slices.Sort(tags)
	} else if _, ok := entry.pending[e.DeliveryTag]; ok {
		tags = []uint64{e.DeliveryTag}
	}

	completed := make([]*PendingConfirmation, 0, len(tags))
	for _, tag := range tags {
		p := entry.pending[tag]
		delete(entry.pending, tag)
		if p.complete(outcome) {
			completed = append(completed, p)
		}
	}
	entry.mu.Unlock()

	if e.Nack && len(completed) > 0 {
		l.logWarn(context.Background(), "Broker rejected published messages", transport.ErrMessageNacked, map[string]interface{}{
			"delivery_tag": e.DeliveryTag,
			"multiple":     e.Multiple,
			"count":        len(completed),
		})
	}
	for _, p := range completed {
		l.observeConfirmation(p, outcome)
	}
}

func (l *Listener) onChannelShutdown(e eventbus.ChannelShutdownEvent) {
	l.mu.Lock()
	entry := l.channels[e.Channel]
	delete(l.channels, e.Channel)
	l.mu.Unlock()
	if entry == nil {
		return
	}

	reason := e.Reason
	if reason == nil {
		reason = transport.ErrChannelClosed
	}
	l.purge(entry, fmt.Errorf("%w: %w", transport.ErrConnectionLost, reason))
}

func (l *Listener) onDisconnected(e eventbus.DisconnectedEvent) {
	l.mu.Lock()
	entries := l.channels
	l.channels = make(map[transport.Channel]*channelConfirms)
	l.mu.Unlock()

	reason := e.Reason
	if reason == nil {
		reason = transport.ErrConnectionLost
	}
	err := reason
	if !errors.Is(err, transport.ErrConnectionLost) {
		err = fmt.Errorf("%w: %w", transport.ErrConnectionLost, reason)
	}
	for _, entry := range entries {
		l.purge(entry, err)
	}
}

// purge closes entry and fails everything still pending on it.
func (l *Listener) purge(entry *channelConfirms, err error) {
	entry.mu.Lock()
	entry.closed = true
	pending := entry.pending
	entry.pending = make(map[uint64]*PendingConfirmation)
	completed := make([]*PendingConfirmation, 0, len(pending))
	for _, p := range pending {
		if p.complete(err) {
			completed = append(completed, p)
		}
	}
	entry.mu.Unlock()

	if len(completed) == 0 {
		return
	}
	l.logWarn(context.Background(), "Failed pending confirmations of lost channel", err, map[string]interface{}{
		"count": len(completed),
	})
	for _, p := range completed {
		l.observeConfirmation(p, err)
	}
}
