package confirms

import (
	"context"
	"time"
)

// PendingConfirmation tracks one published message until the broker confirms
// it. It completes exactly once: acked (nil error), nacked
// (transport.ErrMessageNacked), lost with its channel
// (transport.ErrConnectionLost) or cancelled (ErrConfirmationCancelled).
type PendingConfirmation struct {
	tag          uint64
	registeredAt time.Time
	owner        *channelConfirms

	done chan struct{}

	// err and resolved are guarded by owner.mu
	err      error
	resolved bool
}

// DeliveryTag returns the publish sequence number awaiting confirmation.
func (p *PendingConfirmation) DeliveryTag() uint64 { return p.tag }

// RegisteredAt returns when the confirmation was registered.
func (p *PendingConfirmation) RegisteredAt() time.Time { return p.registeredAt }

// Done is closed once the confirmation has completed.
func (p *PendingConfirmation) Done() <-chan struct{} { return p.done }

// Err returns the outcome. It is nil until Done is closed.
func (p *PendingConfirmation) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	return p.err
}

// Wait blocks until the confirmation completes or ctx ends. Returning on ctx
// does not cancel the confirmation.
func (p *PendingConfirmation) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops tracking the confirmation, for example because the publish
// itself failed. It is a no-op once the confirmation has completed.
func (p *PendingConfirmation) Cancel() {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	if p.resolved {
		return
	}
	delete(p.owner.pending, p.tag)
	p.complete(ErrConfirmationCancelled)
}

// complete records the outcome. The caller holds owner.mu.
func (p *PendingConfirmation) complete(err error) bool {
	if p.resolved {
		return false
	}
	p.resolved = true
	p.err = err
	close(p.done)
	return true
}
