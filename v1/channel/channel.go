package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
	"github.com/Aleph-Alpha/amqpbus/v1/transport"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// ErrChannelDisposed is returned by InvokeChannelAction after Close.
var ErrChannelDisposed = errors.New("persistent channel disposed")

// Action is run against the persistent channel's current channel.
type Action func(ch transport.Channel) error

// PersistentChannel owns one dedicated channel and keeps it usable across
// reconnects.
type PersistentChannel struct {
	provider ConnectionProvider
	cfg      Config
	logger   Logger
	observer observability.Observer

	// sem admits one action at a time
	sem *semaphore.Weighted

	// done is closed by Close and aborts waiting actions
	done   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     transport.Channel
	closed bool
}

// New creates a PersistentChannel. No channel is opened until the first action.
func New(provider ConnectionProvider, cfg Config) *PersistentChannel {
	done, cancel := context.WithCancel(context.Background())
	return &PersistentChannel{
		provider: provider,
		cfg:      cfg.withDefaults(),
		sem:      semaphore.NewWeighted(1),
		done:     done,
		cancel:   cancel,
	}
}

// WithLogger attaches a logger that reports retried attempts.
func (p *PersistentChannel) WithLogger(logger Logger) *PersistentChannel {
	p.logger = logger
	return p
}

// WithObserver attaches an observer that receives one report per action.
func (p *PersistentChannel) WithObserver(observer observability.Observer) *PersistentChannel {
	p.observer = observer
	return p
}

// InvokeChannelAction runs action against a live channel.
//
// While the connection is down the call waits for it to come back. When the
// channel or connection dies during the action, the channel is discarded and
// the action is run again on a fresh one. A channel-local failure of the action
// is returned at once, translated by transport.TranslateError.
//
// The whole call, waiting and retries included, is bounded by Config.Timeout
// and by ctx. On expiry the returned error wraps both the context error and
// the last failure seen.
func (p *PersistentChannel) InvokeChannelAction(ctx context.Context, action Action) (err error) {
	if p.isClosed() {
		return ErrChannelDisposed
	}

	start := time.Now()
	attempts := 0
	defer func() {
		p.observeOperation(time.Since(start), attempts, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(p.done, cancel)
	defer stop()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		if p.isClosed() {
			return ErrChannelDisposed
		}
		return err
	}
	defer p.sem.Release(1)

	var lastErr error
	operation := func() error {
		attempts++
		if p.isClosed() {
			return backoff.Permanent(ErrChannelDisposed)
		}

		ch, err := p.acquire(ctx)
		if err != nil {
			if retryable(err) {
				lastErr = err
				return err
			}
			return backoff.Permanent(err)
		}

		err = action(ch)
		if err == nil {
			return nil
		}
		if p.isClosed() {
			return backoff.Permanent(ErrChannelDisposed)
		}
		if transport.IsConnectionFatal(err) {
			p.discard(ch)
			if !errors.Is(err, transport.ErrConnectionLost) {
				err = fmt.Errorf("%w: %w", transport.ErrConnectionLost, err)
			}
			lastErr = err
			return err
		}

		// the broker may have closed the channel for a soft error
		if ch.IsClosed() {
			p.discard(ch)
		}
		return backoff.Permanent(transport.TranslateError(err))
	}

	notify := func(err error, next time.Duration) {
		p.logWarn(ctx, "Channel action failed, retrying", err, map[string]interface{}{
			"attempt":  attempts,
			"retry_in": next.String(),
		})
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(backoff.NewConstantBackOff(p.cfg.RetryInterval), ctx), notify)
	if err == nil {
		return nil
	}
	if p.isClosed() {
		return ErrChannelDisposed
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("channel action gave up after %d attempts: %w: %w", attempts, ctxErr, lastErr)
	}
	return err
}

// Close closes the owned channel and aborts actions waiting for a
// connection. Later actions fail with ErrChannelDisposed. Close is idempotent.
func (p *PersistentChannel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ch := p.ch
	p.ch = nil
	p.mu.Unlock()

	p.cancel()

	if ch != nil {
		p.closeQuietly(ch)
	}
	return nil
}

// acquire returns the current channel or opens a new one, waiting for the
// connection when necessary. Only the semaphore holder calls it.
func (p *PersistentChannel) acquire(ctx context.Context) (transport.Channel, error) {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	if err := p.provider.WaitConnected(ctx); err != nil {
		return nil, err
	}
	ch, err := p.provider.CreateChannel(p.cfg.Options)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeQuietly(ch)
		return nil, ErrChannelDisposed
	}
	p.ch = ch
	p.mu.Unlock()
	return ch, nil
}

// discard forgets ch if it is still the current channel and closes it.
func (p *PersistentChannel) discard(ch transport.Channel) {
	p.mu.Lock()
	if p.ch == ch {
		p.ch = nil
	}
	p.mu.Unlock()
	p.closeQuietly(ch)
}

func (p *PersistentChannel) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// retryable reports whether a failure to obtain a channel may clear up after a
// reconnect.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, transport.ErrNotConnected) || transport.IsConnectionFatal(err)
}

func (p *PersistentChannel) closeQuietly(ch transport.Channel) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.logWarn(context.Background(), "Failed to close persistent channel", err, nil)
	}
}
