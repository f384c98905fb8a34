// Package gateway defines the external payment gateway boundary.
//
// The core treats the gateway as opaque: initiate a charge, poll its
// status, refund it. Provider specifics (Stripe, the test simulator)
// live behind the Adapter interface; the orchestrator never sees them.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/freightdesk/paycore/internal/money"
)

var (
	ErrSessionNotFound = errors.New("gateway: session not found")
	ErrDeclined        = errors.New("gateway: charge declined")
	ErrNotRefundable   = errors.New("gateway: session not refundable")
	ErrInvalidAmount   = errors.New("gateway: invalid amount")
)

// TransientError marks a gateway failure the caller may retry with
// backoff (network trouble, provider 5xx). Business declines are
// returned as ErrDeclined, never wrapped as transient.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("gateway: %s failed: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Status represents the remote state of a gateway charge.
type Status string

const (
	StatusInitiated Status = "initiated" // accepted by the provider, not final
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether the gateway reached a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRefunded
}

// Request describes a charge to initiate.
type Request struct {
	PaymentID   string // used as the provider idempotency key
	OwnerID     string
	Amount      money.Money
	Description string
	Metadata    map[string]string
}

// Session is the provider's handle for an initiated charge.
type Session struct {
	ExternalID  string // provider-side id, stored on the Payment
	RedirectRef string // where the payer completes the charge, if applicable
	Status      Status
}

// Adapter is the opaque gateway contract consumed by the orchestrator.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context, req Request) (*Session, error)
	GetStatus(ctx context.Context, externalID string) (Status, error)
	Refund(ctx context.Context, externalID string, amount money.Money) (string, error)
}
