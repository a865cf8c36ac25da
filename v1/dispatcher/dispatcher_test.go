package dispatcher

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

// fakeFactory opens transporttest channels, or fails with err when set.
type fakeFactory struct {
	mu       sync.Mutex
	err      error
	channels []*transporttest.Channel
	opts     []transport.ChannelOptions
}

func (f *fakeFactory) CreateChannel(opts transport.ChannelOptions) (transport.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := transporttest.NewChannel()
	f.channels = append(f.channels, ch)
	f.opts = append(f.opts, opts)
	return ch, nil
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFactory) created() []*transporttest.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transporttest.Channel(nil), f.channels...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	d := New(f, Config{ShutdownTimeout: time.Second})
	t.Cleanup(func() { _ = d.Close() })
	return d, f
}

// blockWorker occupies the worker until the returned release func is called.
func blockWorker(t *testing.T, d *Dispatcher) (release func(), result <-chan error) {
	t.Helper()
	started := make(chan struct{})
	unblock := make(chan struct{})
	res := make(chan error, 1)
	go func() {
		res <- d.Invoke(context.Background(), func(transport.Channel) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started
	return func() { close(unblock) }, res
}

func TestInvokeRunsOnDispatcherChannel(t *testing.T) {
	d, f := newTestDispatcher(t)

	var seen transport.Channel
	require.NoError(t, d.Invoke(context.Background(), func(ch transport.Channel) error {
		seen = ch
		return ch.ExchangeDeclare("events", "topic", true, false, false, false, nil)
	}))

	require.Len(t, f.created(), 1)
	assert.Same(t, f.created()[0], seen)
	assert.Equal(t, []string{"ExchangeDeclare"}, f.created()[0].Calls())

	// the channel is reused
	require.NoError(t, d.Invoke(context.Background(), func(ch transport.Channel) error { return nil }))
	assert.Len(t, f.created(), 1)
}

func TestCallReturnsValue(t *testing.T) {
	d, _ := newTestDispatcher(t)

	q, err := Call(context.Background(), d, func(ch transport.Channel) (amqp.Queue, error) {
		return ch.QueueDeclare("", false, true, true, false, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, "amq.gen-1", q.Name)

	_, err = Call(context.Background(), d, func(ch transport.Channel) (int, error) {
		return 0, errors.New("nope")
	})
	assert.EqualError(t, err, "nope")
}

func TestCommandsNeverOverlap(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Invoke(context.Background(), func(transport.Channel) error {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestFIFOOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)
	release, first := blockWorker(t, d)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = d.Invoke(context.Background(), func(transport.Channel) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		require.Eventually(t, func() bool { return d.Len() == i }, time.Second, time.Millisecond)
	}

	release()
	require.NoError(t, <-first)
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestConnectionLossWhileCommandsQueued(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &fakeFactory{}
	d := New(f, Config{})
	defer d.Close()

	var used []transport.Channel
	record := func(ch transport.Channel) { used = append(used, ch) }

	err := d.Invoke(context.Background(), func(ch transport.Channel) error {
		record(ch)
		return nil
	})
	require.NoError(t, err)

	err = d.Invoke(context.Background(), func(ch transport.Channel) error {
		record(ch)
		ch.(*transporttest.Channel).Shutdown(transporttest.ErrDropped)
		return amqp.ErrClosed
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnectionLost)

	err = d.Invoke(context.Background(), func(ch transport.Channel) error {
		record(ch)
		return ch.QueueBind("q", "k", "ex", false, nil)
	})
	require.NoError(t, err)

	require.Len(t, f.created(), 2)
	assert.Same(t, used[0], used[1])
	assert.NotSame(t, used[1], used[2])
	assert.Same(t, f.created()[1], used[2])
}

func TestFatalErrorDiscardsOpenChannel(t *testing.T) {
	d, f := newTestDispatcher(t)

	err := d.Invoke(context.Background(), func(ch transport.Channel) error {
		return &amqp.Error{Code: amqp.FrameError, Reason: "FRAME_ERROR"}
	})
	assert.ErrorIs(t, err, transport.ErrConnectionLost)

	var amqpErr *amqp.Error
	require.True(t, errors.As(err, &amqpErr))
	assert.Equal(t, amqp.FrameError, amqpErr.Code)

	require.Len(t, f.created(), 1)
	assert.True(t, f.created()[0].IsClosed())
}

func TestChannelLocalErrorIsSurfacedAsIs(t *testing.T) {
	d, f := newTestDispatcher(t)

	conflict := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable'", Recover: true}
	err := d.Invoke(context.Background(), func(ch transport.Channel) error {
		return conflict
	})
	assert.ErrorIs(t, err, transport.ErrPreconditionFailed)
	assert.NotErrorIs(t, err, transport.ErrConnectionLost)

	// the channel is still open and reused
	require.NoError(t, d.Invoke(context.Background(), func(transport.Channel) error { return nil }))
	assert.Len(t, f.created(), 1)

	// the broker closed the channel for the soft error: replaced silently
	err = d.Invoke(context.Background(), func(ch transport.Channel) error {
		ch.(*transporttest.Channel).Shutdown(conflict)
		return conflict
	})
	assert.NotErrorIs(t, err, transport.ErrConnectionLost)
	require.NoError(t, d.Invoke(context.Background(), func(transport.Channel) error { return nil }))
	assert.Len(t, f.created(), 2)
}

func TestNotConnected(t *testing.T) {
	d, f := newTestDispatcher(t)
	f.setErr(transport.ErrNotConnected)

	ran := false
	err := d.Invoke(context.Background(), func(transport.Channel) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.False(t, ran)

	f.setErr(nil)
	require.NoError(t, d.Invoke(context.Background(), func(transport.Channel) error { return nil }))
}

func TestCancelledBeforeDequeueNeverRuns(t *testing.T) {
	d, _ := newTestDispatcher(t)
	release, first := blockWorker(t, d)

	var ran atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() {
		res <- d.Invoke(ctx, func(transport.Channel) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return d.Len() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-res, context.Canceled)

	release()
	require.NoError(t, <-first)
	require.NoError(t, d.Invoke(context.Background(), func(transport.Channel) error { return nil }))
	assert.False(t, ran.Load())
}

func TestCancelWhileRunningDiscardsResult(t *testing.T) {
	d, _ := newTestDispatcher(t)

	finished := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Invoke(ctx, func(transport.Channel) error {
		time.Sleep(60 * time.Millisecond)
		close(finished)
		return errors.New("ignored")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-finished
	require.NoError(t, d.Invoke(context.Background(), func(transport.Channel) error { return nil }))
}

func TestPanicBecomesError(t *testing.T) {
	d, f := newTestDispatcher(t)

	err := d.Invoke(context.Background(), func(transport.Channel) error {
		panic("broken command")
	})
	assert.ErrorIs(t, err, ErrCommandPanicked)

	require.NoError(t, d.Invoke(context.Background(), func(transport.Channel) error { return nil }))
	assert.Len(t, f.created(), 2)
}

func TestClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &fakeFactory{}
	d := New(f, Config{PublisherConfirms: true, ShutdownTimeout: time.Second})
	release, first := blockWorker(t, d)

	queued := make(chan error, 1)
	go func() {
		queued <- d.Invoke(context.Background(), func(transport.Channel) error { return nil })
	}()
	require.Eventually(t, func() bool { return d.Len() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = d.Close()
		close(closed)
	}()

	assert.ErrorIs(t, <-queued, ErrDispatcherClosed)
	release()
	require.NoError(t, <-first)
	<-closed

	assert.ErrorIs(t, d.Invoke(context.Background(), func(transport.Channel) error { return nil }), ErrDispatcherClosed)
	require.NoError(t, d.Close())

	require.Len(t, f.created(), 1)
	assert.True(t, f.created()[0].IsClosed())
	assert.True(t, f.opts[0].PublisherConfirms)
}

func TestCloseIsBoundedByShutdownTimeout(t *testing.T) {
	f := &fakeFactory{}
	d := New(f, Config{ShutdownTimeout: 20 * time.Millisecond})

	unblock := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = d.Invoke(context.Background(), func(transport.Channel) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	start := time.Now()
	require.NoError(t, d.Close())
	assert.Less(t, time.Since(start), time.Second)

	close(unblock)
	require.Eventually(t, func() bool { return f.created()[0].IsClosed() }, time.Second, time.Millisecond)
}
