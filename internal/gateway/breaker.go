package gateway

import (
	"context"
	"errors"

	"github.com/freightdesk/paycore/internal/circuitbreaker"
	"github.com/freightdesk/paycore/internal/money"
)

// ErrUnavailable is returned when the provider's circuit is open.
var ErrUnavailable = errors.New("gateway: provider unavailable")

// breakerAdapter wraps an Adapter with a circuit breaker keyed by the
// provider name. Transient failures count against the circuit; business
// declines do not, a declined card says nothing about provider health.
type breakerAdapter struct {
	inner   Adapter
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps adapter so calls fail fast while the provider is down.
func WithBreaker(adapter Adapter, b *circuitbreaker.Breaker) Adapter {
	return &breakerAdapter{inner: adapter, breaker: b}
}

func (a *breakerAdapter) Name() string { return a.inner.Name() }

func (a *breakerAdapter) Initialize(ctx context.Context, req Request) (*Session, error) {
	if !a.breaker.Allow(a.inner.Name()) {
		return nil, &TransientError{Op: "initialize", Err: ErrUnavailable}
	}
	sess, err := a.inner.Initialize(ctx, req)
	a.record(err)
	return sess, err
}

func (a *breakerAdapter) GetStatus(ctx context.Context, externalID string) (Status, error) {
	if !a.breaker.Allow(a.inner.Name()) {
		return "", &TransientError{Op: "get_status", Err: ErrUnavailable}
	}
	status, err := a.inner.GetStatus(ctx, externalID)
	a.record(err)
	return status, err
}

func (a *breakerAdapter) Refund(ctx context.Context, externalID string, amount money.Money) (string, error) {
	if !a.breaker.Allow(a.inner.Name()) {
		return "", &TransientError{Op: "refund", Err: ErrUnavailable}
	}
	ref, err := a.inner.Refund(ctx, externalID, amount)
	a.record(err)
	return ref, err
}

func (a *breakerAdapter) record(err error) {
	if IsTransient(err) {
		a.breaker.RecordFailure(a.inner.Name())
		return
	}
	a.breaker.RecordSuccess(a.inner.Name())
}
