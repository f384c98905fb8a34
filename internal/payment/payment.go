// Package payment orchestrates payments across the wallet ledger, the
// credit ledger and external gateways.
//
// A payment is created pending, advanced to processing or a terminal
// status, and every transition is persisted before the next step runs.
// The payment id doubles as the ledger idempotency key, so a crash
// between steps resumes without double-applying a ledger mutation.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/freightdesk/paycore/internal/money"
)

var (
	ErrPaymentNotFound       = errors.New("payment: not found")
	ErrInvalidMethod         = errors.New("payment: unknown payment method")
	ErrNotRefundable         = errors.New("payment: only completed payments can be refunded")
	ErrRefundExceedsOriginal = errors.New("payment: refund exceeds original amount")
	ErrStaleTransition       = errors.New("payment: payment changed status concurrently")
	ErrInvalidCallback       = errors.New("payment: invalid gateway callback")
	ErrLockTimeout           = errors.New("payment: timed out waiting for payment lock")
)

// Method selects which rail a payment runs on.
type Method string

const (
	MethodWallet    Method = "wallet"
	MethodCredit    Method = "credit"
	MethodGateway   Method = "gateway"
	MethodSimulator Method = "simulator"
)

// ParseMethod validates a payment method string.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodWallet, MethodCredit, MethodGateway, MethodSimulator:
		return Method(s), nil
	}
	return "", ErrInvalidMethod
}

// Status represents the payment lifecycle.
//
// pending → processing → {completed, failed, cancelled};
// completed → refunded once the full amount has been returned.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether no further forward transition is possible.
// Completed is not terminal: it may still become refunded.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusRefunded
}

// Payment is the orchestrator's record of a single payment attempt.
type Payment struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"ownerId"`
	Method         Method            `json:"method"`
	Amount         money.Money       `json:"amount"`
	RefundedAmount money.Money       `json:"refundedAmount"`
	Status         Status            `json:"status"`
	// ExternalID links into the chosen rail: a ledger transaction id or
	// a gateway session id.
	ExternalID      string            `json:"externalId,omitempty"`
	GatewayResponse string            `json:"gatewayResponse,omitempty"`
	ErrorCode       string            `json:"errorCode,omitempty"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	CompletedAt     time.Time         `json:"completedAt,omitzero"`
}

// Remaining returns how much of the payment has not been refunded yet.
func (p *Payment) Remaining() money.Money {
	left := p.Amount.Decimal().Sub(p.RefundedAmount.Decimal())
	return money.FromDecimal(left, p.Amount.Currency())
}

// Store persists payments.
//
// Update persists every mutable field but only when the row still holds
// the expected status; a stale update fails ErrStaleTransition. This is
// what makes each lifecycle transition an atomic check-and-set.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByExternalID(ctx context.Context, externalID string) (*Payment, error)
	Update(ctx context.Context, p *Payment, expect Status) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Payment, error)
	// ListStuckProcessing finds payments sitting in processing since
	// before the cutoff, for the reconcile sweep.
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)
}
