package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	"github.com/Aleph-Alpha/amqpbus/v1/transport/transporttest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeProvider stands in for the persistent connection.
type fakeProvider struct {
	mu        sync.Mutex
	connected bool
	ready     chan struct{}
	createErr error
	channels  []*transporttest.Channel
}

func newFakeProvider(connected bool) *fakeProvider {
	p := &fakeProvider{ready: make(chan struct{})}
	if connected {
		p.connect()
	}
	return p
}

func (p *fakeProvider) connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		p.connected = true
		close(p.ready)
	}
}

func (p *fakeProvider) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		p.connected = false
		p.ready = make(chan struct{})
		for _, ch := range p.channels {
			ch.Shutdown(transporttest.ErrDropped)
		}
	}
}

func (p *fakeProvider) WaitConnected(ctx context.Context) error {
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProvider) CreateChannel(opts transport.ChannelOptions) (transport.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, transport.ErrNotConnected
	}
	if p.createErr != nil {
		return nil, p.createErr
	}
	ch := transporttest.NewChannel()
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *fakeProvider) created() []*transporttest.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*transporttest.Channel(nil), p.channels...)
}

func testConfig() Config {
	return Config{Timeout: time.Second, RetryInterval: 5 * time.Millisecond}
}

func TestInvokeChannelActionReusesChannel(t *testing.T) {
	provider := newFakeProvider(true)
	pc := New(provider, testConfig())
	defer pc.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, pc.InvokeChannelAction(context.Background(), func(ch transport.Channel) error {
			return ch.QueueBind("q", "k", "ex", false, nil)
		}))
	}

	require.Len(t, provider.created(), 1)
	assert.Equal(t, []string{"QueueBind", "QueueBind", "QueueBind"}, provider.created()[0].Calls())
}

func TestWaitsForReconnect(t *testing.T) {
	provider := newFakeProvider(false)
	pc := New(provider, testConfig())
	defer pc.Close()

	time.AfterFunc(30*time.Millisecond, provider.connect)

	start := time.Now()
	err := pc.InvokeChannelAction(context.Background(), func(ch transport.Channel) error {
		return ch.ExchangeDeclare("ex", "direct", true, false, false, false, nil)
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestTimeoutWhileDisconnected(t *testing.T) {
	provider := newFakeProvider(false)
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	pc := New(provider, cfg)
	defer pc.Close()

	ran := false
	err := pc.InvokeChannelAction(context.Background(), func(transport.Channel) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestCallerDeadlineWins(t *testing.T) {
	provider := newFakeProvider(false)
	pc := New(provider, Config{Timeout: time.Minute})
	defer pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := pc.InvokeChannelAction(ctx, func(transport.Channel) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGiveUpWrapsLastFailure(t *testing.T) {
	provider := newFakeProvider(true)
	provider.createErr = transport.ErrNotConnected
	cfg := testConfig()
	cfg.Timeout = 40 * time.Millisecond
	pc := New(provider, cfg)
	defer pc.Close()

	err := pc.InvokeChannelAction(context.Background(), func(transport.Channel) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestConnectionLossMidActionRetriesOnFreshChannel(t *testing.T) {
	provider := newFakeProvider(true)
	pc := New(provider, testConfig())
	defer pc.Close()

	var attempts atomic.Int32
	var used []transport.Channel
	err := pc.InvokeChannelAction(context.Background(), func(ch transport.Channel) error {
		used = append(used, ch)
		if attempts.Add(1) == 1 {
			provider.disconnect()
			time.AfterFunc(10*time.Millisecond, provider.connect)
			return amqp.ErrClosed
		}
		return ch.Qos(10, 0, false)
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), attempts.Load())
	require.Len(t, used, 2)
	assert.NotSame(t, used[0], used[1])
	assert.True(t, used[0].IsClosed())
	assert.Equal(t, 10, provider.created()[1].Prefetch())
}

func TestChannelLocalErrorIsNotRetried(t *testing.T) {
	provider := newFakeProvider(true)
	pc := New(provider, testConfig())
	defer pc.Close()

	attempts := 0
	err := pc.InvokeChannelAction(context.Background(), func(ch transport.Channel) error {
		attempts++
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue 'missing'", Recover: true}
	})
	assert.ErrorIs(t, err, transport.ErrNotFound)
	assert.NotErrorIs(t, err, transport.ErrConnectionLost)
	assert.Equal(t, 1, attempts)

	// the open channel is kept
	require.NoError(t, pc.InvokeChannelAction(context.Background(), func(transport.Channel) error { return nil }))
	assert.Len(t, provider.created(), 1)
}

func TestSoftErrorThatClosedChannelReopens(t *testing.T) {
	provider := newFakeProvider(true)
	pc := New(provider, testConfig())
	defer pc.Close()

	notFound := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND", Recover: true}
	err := pc.InvokeChannelAction(context.Background(), func(ch transport.Channel) error {
		ch.(*transporttest.Channel).Shutdown(notFound)
		return notFound
	})
	assert.ErrorIs(t, err, transport.ErrNotFound)

	require.NoError(t, pc.InvokeChannelAction(context.Background(), func(transport.Channel) error { return nil }))
	assert.Len(t, provider.created(), 2)
}

func TestActionsAreSerialized(t *testing.T) {
	provider := newFakeProvider(true)
	pc := New(provider, Config{Timeout: 5 * time.Second})
	defer pc.Close()

	var active, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pc.InvokeChannelAction(context.Background(), func(transport.Channel) error {
				if active.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(100 * time.Microsecond)
				active.Add(-1)
				return nil
			}))
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load())
}

func TestClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := newFakeProvider(true)
	pc := New(provider, testConfig())

	require.NoError(t, pc.InvokeChannelAction(context.Background(), func(transport.Channel) error { return nil }))
	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())

	assert.True(t, provider.created()[0].IsClosed())
	err := pc.InvokeChannelAction(context.Background(), func(transport.Channel) error { return nil })
	assert.ErrorIs(t, err, ErrChannelDisposed)
}

func TestCloseAbortsWaitingAction(t *testing.T) {
	provider := newFakeProvider(false)
	pc := New(provider, Config{Timeout: time.Minute})

	res := make(chan error, 1)
	go func() {
		res <- pc.InvokeChannelAction(context.Background(), func(transport.Channel) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pc.Close())

	select {
	case err := <-res:
		assert.True(t, errors.Is(err, ErrChannelDisposed))
	case <-time.After(time.Second):
		t.Fatal("action still waiting after Close")
	}
}
