package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	"github.com/Aleph-Alpha/amqpbus/v1/transport/transporttest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var (
	hostA = hosts.Host{Name: "rabbit-a", Port: hosts.DefaultPort}
	hostB = hosts.Host{Name: "rabbit-b", Port: hosts.DefaultPort}
)

// recorder collects every lifecycle event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []any
}

func newRecorder(t *testing.T, bus *eventbus.Bus) *recorder {
	t.Helper()
	r := &recorder{}
	add := func(e any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
	_, err := eventbus.Subscribe(bus, func(e eventbus.ConnectedEvent) { add(e) })
	require.NoError(t, err)
	_, err = eventbus.Subscribe(bus, func(e eventbus.DisconnectedEvent) { add(e) })
	require.NoError(t, err)
	_, err = eventbus.Subscribe(bus, func(e eventbus.BlockedEvent) { add(e) })
	require.NoError(t, err)
	_, err = eventbus.Subscribe(bus, func(e eventbus.UnblockedEvent) { add(e) })
	require.NoError(t, err)
	_, err = eventbus.Subscribe(bus, func(e eventbus.ConfirmationEvent) { add(e) })
	require.NoError(t, err)
	_, err = eventbus.Subscribe(bus, func(e eventbus.ChannelShutdownEvent) { add(e) })
	require.NoError(t, err)
	_, err = eventbus.Subscribe(bus, func(e eventbus.ReturnedMessageEvent) { add(e) })
	require.NoError(t, err)
	return r
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func (r *recorder) connected() []eventbus.ConnectedEvent {
	var out []eventbus.ConnectedEvent
	for _, e := range r.all() {
		if c, ok := e.(eventbus.ConnectedEvent); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) count(match func(any) bool) int {
	n := 0
	for _, e := range r.all() {
		if match(e) {
			n++
		}
	}
	return n
}

func newTestConnection(t *testing.T, dialer transport.Dialer, candidates ...hosts.Host) (*PersistentConnection, hosts.Strategy, *recorder) {
	t.Helper()
	if len(candidates) == 0 {
		candidates = []hosts.Host{hostA}
	}
	strategy, err := hosts.New(hosts.Ordered, candidates...)
	require.NoError(t, err)

	bus := eventbus.New()
	rec := newRecorder(t, bus)
	conn := New(Config{RetryInterval: 10 * time.Millisecond}, dialer, strategy, bus)
	return conn, strategy, rec
}

func waitConnected(t *testing.T, c *PersistentConnection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
}

func TestInitializeConnects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	c, strategy, rec := newTestConnection(t, dialer)

	assert.Equal(t, Disconnected, c.State())
	require.NoError(t, c.Initialize())
	assert.ErrorIs(t, c.Initialize(), ErrAlreadyInitialized)

	waitConnected(t, c)
	assert.True(t, c.IsConnected())
	assert.Equal(t, hostA, c.Host())
	assert.True(t, strategy.Succeeded())

	require.Eventually(t, func() bool { return len(rec.connected()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, eventbus.ConnectedEvent{Host: hostA, Recovered: false}, rec.connected()[0])

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Disposed, c.State())
	assert.True(t, dialer.Last().IsClosed())
	assert.ErrorIs(t, c.Initialize(), ErrDisposed)
	assert.ErrorIs(t, c.WaitConnected(context.Background()), ErrDisposed)

	// local close is not a disconnect
	assert.Equal(t, 0, rec.count(func(e any) bool { _, ok := e.(eventbus.DisconnectedEvent); return ok }))
}

func TestHostCyclingOnDialFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	dialer.DialFunc = func(ctx context.Context, host hosts.Host) (transport.Connection, error) {
		if host == hostA {
			return nil, errors.New("dial tcp: connection refused")
		}
		return transporttest.NewConnection(), nil
	}

	c, strategy, rec := newTestConnection(t, dialer, hostA, hostB)
	require.NoError(t, c.Initialize())
	waitConnected(t, c)
	defer c.Close()

	assert.Equal(t, []hosts.Host{hostA, hostB}, dialer.Dials())
	assert.True(t, strategy.Succeeded())
	assert.Equal(t, hostB, c.Host())

	require.Eventually(t, func() bool { return len(rec.connected()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, hostB, rec.connected()[0].Host)
}

func TestRetriesAfterExhaustedCycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	attempts := 0
	dialer := &transporttest.Dialer{}
	dialer.DialFunc = func(ctx context.Context, host hosts.Host) (transport.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 4 {
			return nil, errors.New("broker unreachable")
		}
		return transporttest.NewConnection(), nil
	}

	c, _, _ := newTestConnection(t, dialer, hostA, hostB)
	require.NoError(t, c.Initialize())
	waitConnected(t, c)
	defer c.Close()

	// two full cycles failed, the third starts over at A
	assert.Equal(t, []hosts.Host{hostA, hostB, hostA, hostB, hostA}, dialer.Dials())
}

func TestCloseDuringRetryWait(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	dialer.DialFunc = func(ctx context.Context, host hosts.Host) (transport.Connection, error) {
		return nil, errors.New("broker unreachable")
	}

	strategy, err := hosts.New(hosts.Ordered, hostA)
	require.NoError(t, err)
	c := New(Config{RetryInterval: time.Hour}, dialer, strategy, eventbus.New())
	require.NoError(t, c.Initialize())

	require.Eventually(t, func() bool { return len(dialer.Dials()) == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the retry timer")
	}
}

func TestDialCompletingAfterCloseIsDisposed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialing := make(chan struct{})
	release := make(chan struct{})
	late := transporttest.NewConnection()

	dialer := &transporttest.Dialer{}
	dialer.DialFunc = func(ctx context.Context, host hosts.Host) (transport.Connection, error) {
		close(dialing)
		// ignores ctx on purpose: the handshake finishes regardless
		<-release
		return late, nil
	}

	c, strategy, rec := newTestConnection(t, dialer)
	require.NoError(t, c.Initialize())
	<-dialing

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()

	require.Eventually(t, func() bool { return c.State() == Disposed }, time.Second, time.Millisecond)
	close(release)
	<-closed

	assert.True(t, late.IsClosed())
	assert.Equal(t, 1, late.CloseCalls())
	assert.False(t, strategy.Succeeded())
	assert.Empty(t, rec.connected())
	assert.False(t, c.IsConnected())
}

func TestReconnectAfterDrop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	c, _, rec := newTestConnection(t, dialer)
	require.NoError(t, c.Initialize())
	waitConnected(t, c)
	defer c.Close()

	first := dialer.Last()
	first.Drop(nil)

	require.Eventually(t, func() bool { return len(rec.connected()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, dialer.Connections(), 2)
	assert.True(t, rec.connected()[1].Recovered)

	var disconnects []eventbus.DisconnectedEvent
	for _, e := range rec.all() {
		if d, ok := e.(eventbus.DisconnectedEvent); ok {
			disconnects = append(disconnects, d)
		}
	}
	require.Len(t, disconnects, 1)
	assert.Equal(t, hostA, disconnects[0].Host)

	var amqpErr *amqp.Error
	require.True(t, errors.As(disconnects[0].Reason, &amqpErr))
	assert.Equal(t, amqp.ConnectionForced, amqpErr.Code)
}

func TestCreateChannel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	c, _, rec := newTestConnection(t, dialer)

	_, err := c.CreateChannel(transport.ChannelOptions{})
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, c.Initialize())
	waitConnected(t, c)
	defer c.Close()

	ch, err := c.CreateChannel(transport.ChannelOptions{PublisherConfirms: true, PrefetchCount: 5})
	require.NoError(t, err)

	fake := ch.(*transporttest.Channel)
	assert.True(t, fake.Confirming())
	assert.Equal(t, 5, fake.Prefetch())

	require.NoError(t, ch.PublishWithContext(context.Background(), "ex", "key", false, false, amqp.Publishing{}))
	fake.AckPublish(1)

	require.Eventually(t, func() bool {
		return rec.count(func(e any) bool { _, ok := e.(eventbus.ConfirmationEvent); return ok }) == 1
	}, time.Second, 5*time.Millisecond)

	fake.ReturnMessage(amqp.Return{Exchange: "ex", RoutingKey: "nowhere", ReplyText: "NO_ROUTE"})
	require.Eventually(t, func() bool {
		return rec.count(func(e any) bool { _, ok := e.(eventbus.ReturnedMessageEvent); return ok }) == 1
	}, time.Second, 5*time.Millisecond)

	dialer.Last().Drop(nil)
	require.Eventually(t, func() bool {
		return rec.count(func(e any) bool {
			s, ok := e.(eventbus.ChannelShutdownEvent)
			return ok && s.Channel == ch && errors.Is(s.Reason, transport.ErrChannelClosed)
		}) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConfirmsArePublishedBeforeShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	c, _, rec := newTestConnection(t, dialer)
	require.NoError(t, c.Initialize())
	waitConnected(t, c)
	defer c.Close()

	ch, err := c.CreateChannel(transport.ChannelOptions{PublisherConfirms: true})
	require.NoError(t, err)
	fake := ch.(*transporttest.Channel)

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.PublishWithContext(context.Background(), "", "q", false, false, amqp.Publishing{}))
	}
	fake.AckPublish(1)
	fake.AckPublish(2)
	fake.NackPublish(3)
	fake.Shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: "CHANNEL_ERROR"})

	require.Eventually(t, func() bool {
		return rec.count(func(e any) bool { _, ok := e.(eventbus.ChannelShutdownEvent); return ok }) == 1
	}, time.Second, 5*time.Millisecond)

	var tags []uint64
	shutdownSeen := false
	for _, e := range rec.all() {
		switch ev := e.(type) {
		case eventbus.ConfirmationEvent:
			assert.False(t, shutdownSeen, "confirmation after shutdown")
			tags = append(tags, ev.DeliveryTag)
			assert.Equal(t, ev.DeliveryTag == 3, ev.Nack)
		case eventbus.ChannelShutdownEvent:
			shutdownSeen = true
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, tags)
}

func TestBlockedNotifications(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	c, _, rec := newTestConnection(t, dialer)
	require.NoError(t, c.Initialize())
	waitConnected(t, c)
	defer c.Close()

	dialer.Last().Block("low on memory")
	require.Eventually(t, c.IsBlocked, time.Second, 5*time.Millisecond)

	dialer.Last().Unblock()
	require.Eventually(t, func() bool { return !c.IsBlocked() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, rec.count(func(e any) bool {
		b, ok := e.(eventbus.BlockedEvent)
		return ok && b.Reason == "low on memory"
	}))
	assert.Equal(t, 1, rec.count(func(e any) bool { _, ok := e.(eventbus.UnblockedEvent); return ok }))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "disposed", Disposed.String())
	assert.Equal(t, "unknown", State(42).String())
}
