package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/eventbus"
	"github.com/Aleph-Alpha/amqpbus/v1/logger/mocks"
	"github.com/Aleph-Alpha/amqpbus/v1/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	d, err := NewDispatcher(bus, Config{ShutdownTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, bus
}

// drain waits until every action queued on group so far has run.
func drain(t *testing.T, d *Dispatcher, group string) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, d.QueueAction(context.Background(), group, func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("queue %q did not drain", group)
	}
}

func TestActionsRunInOrderPerGroup(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		require.NoError(t, d.QueueAction(context.Background(), "orders", func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	drain(t, d, "orders")

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestGroupsRunInParallel(t *testing.T) {
	d, _ := newTestDispatcher(t)

	release := make(chan struct{})
	require.NoError(t, d.QueueAction(context.Background(), "slow", func(context.Context) { <-release }))
	defer close(release)

	// "fast" is not held up by the blocked "slow" queue
	drain(t, d, "fast")

	qa, err := d.Queue("slow")
	require.NoError(t, err)
	qb, err := d.Queue("slow")
	require.NoError(t, err)
	assert.Same(t, qa, qb)
	assert.Equal(t, "slow", qa.Name())
}

func TestActionReceivesContext(t *testing.T) {
	d, _ := newTestDispatcher(t)

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "delivery-1")
	got := make(chan any, 1)
	require.NoError(t, d.QueueAction(ctx, "g", func(ctx context.Context) { got <- ctx.Value(key{}) }))
	assert.Equal(t, "delivery-1", <-got)
}

func TestCancelledActionIsSkipped(t *testing.T) {
	d, _ := newTestDispatcher(t)

	release := make(chan struct{})
	require.NoError(t, d.QueueAction(context.Background(), "g", func(context.Context) { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	require.NoError(t, d.QueueAction(ctx, "g", func(context.Context) { ran.Store(true) }))
	cancel()
	close(release)

	drain(t, d, "g")
	assert.False(t, ran.Load())
}

func TestDisconnectDropsQueuedActions(t *testing.T) {
	d, bus := newTestDispatcher(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var firstFinished, secondRan atomic.Bool

	require.NoError(t, d.QueueAction(context.Background(), "g", func(context.Context) {
		close(started)
		<-release
		firstFinished.Store(true)
	}))
	require.NoError(t, d.QueueAction(context.Background(), "g", func(context.Context) {
		secondRan.Store(true)
	}))
	<-started

	q, err := d.Queue("g")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	eventbus.Publish(bus, eventbus.DisconnectedEvent{Reason: transporttest.ErrDropped})
	assert.Zero(t, q.Len())

	close(release)
	drain(t, d, "g")

	assert.True(t, firstFinished.Load())
	assert.False(t, secondRan.Load())
}

func TestPanicIsRecoveredAndLogged(t *testing.T) {
	ctrl := gomock.NewController(t)
	log := mocks.NewMockLogger(ctrl)
	log.EXPECT().ErrorWithContext(gomock.Any(), "Consumer action panicked", gomock.Any(), gomock.Any()).Times(1)

	bus := eventbus.New()
	d, err := NewDispatcher(bus, Config{})
	require.NoError(t, err)
	d.WithLogger(log)
	defer d.Close()

	require.NoError(t, d.QueueAction(context.Background(), "g", func(context.Context) { panic("handler bug") }))
	drain(t, d, "g")
}

func TestClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := eventbus.New()
	d, err := NewDispatcher(bus, Config{ShutdownTimeout: time.Second})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished, queuedRan atomic.Bool
	require.NoError(t, d.QueueAction(context.Background(), "a", func(context.Context) {
		close(started)
		<-release
		finished.Store(true)
	}))
	require.NoError(t, d.QueueAction(context.Background(), "a", func(context.Context) { queuedRan.Store(true) }))
	drain(t, d, "b")
	<-started

	q, err := d.Queue("a")
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, func() { close(release) })
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.True(t, finished.Load())
	assert.False(t, queuedRan.Load())

	assert.ErrorIs(t, d.QueueAction(context.Background(), "a", func(context.Context) {}), ErrQueueClosed)
	assert.ErrorIs(t, q.QueueAction(context.Background(), func(context.Context) {}), ErrQueueClosed)

	// unsubscribed from the bus
	eventbus.Publish(bus, eventbus.DisconnectedEvent{})
}

func TestCloseIsBounded(t *testing.T) {
	bus := eventbus.New()
	d, err := NewDispatcher(bus, Config{ShutdownTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, d.QueueAction(context.Background(), "stuck", func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	start := time.Now()
	require.NoError(t, d.Close())
	assert.Less(t, time.Since(start), time.Second)
}
