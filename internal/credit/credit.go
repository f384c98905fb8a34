// Package credit implements the deferred-payment credit ledger.
//
// Flow:
//  1. Owner opens an account (pending approval) and is approved
//  2. A payment authorizes an amount against the credit line: a hold
//     with a due date, not a charge
//  3. Settlement converts the hold into a charge, fully or partially;
//     cancellation releases it
//  4. Holds past their due date accrue interest and fees until settled
package credit

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freightdesk/paycore/internal/money"
)

var (
	ErrAccountNotFound       = errors.New("credit: account not found")
	ErrTransactionNotFound   = errors.New("credit: transaction not found")
	ErrDuplicateAccount      = errors.New("credit: owner already has a credit account")
	ErrInsufficientCredit    = errors.New("credit: insufficient credit available")
	ErrAccountInactive       = errors.New("credit: account is not active")
	ErrAlreadyProcessed      = errors.New("credit: transaction already processed")
	ErrRefundExceedsOriginal = errors.New("credit: refund exceeds settled amount")
	ErrNotRefundable         = errors.New("credit: only settled charges can be refunded")
	ErrNotOverdue            = errors.New("credit: transaction is not past its due date")
	ErrOutstandingBalance    = errors.New("credit: outstanding balance must be zero to close")
	ErrInvalidTransition     = errors.New("credit: invalid status transition")
	ErrVersionConflict       = errors.New("credit: concurrent update conflict")
	ErrLockTimeout           = errors.New("credit: timed out waiting for account lock")
)

// AccountStatus represents the state of a credit account.
type AccountStatus string

const (
	AccountPendingApproval AccountStatus = "pending_approval"
	AccountActive          AccountStatus = "active"
	AccountSuspended       AccountStatus = "suspended"
	AccountClosed          AccountStatus = "closed"
)

var legalAccountTransitions = map[AccountStatus][]AccountStatus{
	AccountPendingApproval: {AccountActive, AccountClosed},
	AccountActive:          {AccountSuspended, AccountClosed},
	AccountSuspended:       {AccountActive, AccountClosed},
	AccountClosed:          {},
}

// CanTransition reports whether an account may move from one status to another.
func CanTransition(from, to AccountStatus) bool {
	for _, next := range legalAccountTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TxType classifies a credit ledger entry.
type TxType string

const (
	TxAuthorization TxType = "authorization"
	TxCharge        TxType = "charge"
	TxPayment       TxType = "payment"
	TxRefund        TxType = "refund"
	TxInterest      TxType = "interest"
	TxFee           TxType = "fee"
)

// TxStatus represents the lifecycle of a credit transaction.
//
// authorized → {settled, cancelled, overdue}; overdue → settled (late
// payment). settled and cancelled are terminal: refunds spawn new
// transactions rather than mutating the original.
type TxStatus string

const (
	TxAuthorized TxStatus = "authorized"
	TxSettled    TxStatus = "settled"
	TxCancelled  TxStatus = "cancelled"
	TxOverdue    TxStatus = "overdue"
)

// Account is a credit line extended to a platform owner.
type Account struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"ownerId"`
	Currency       money.Currency  `json:"currency"`
	CreditLimit    money.Money     `json:"creditLimit"`
	UsedCredit     money.Money     `json:"usedCredit"`
	OverdraftLimit money.Money     `json:"overdraftLimit"`
	TermDays       int             `json:"termDays"`
	MonthlyRate    decimal.Decimal `json:"monthlyRate"`
	Status         AccountStatus   `json:"status"`
	Version        int64           `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// AvailableCredit returns how much more can be authorized, including
// the overdraft allowance.
func (a *Account) AvailableCredit() money.Money {
	limit := a.CreditLimit.Decimal().Add(a.OverdraftLimit.Decimal())
	avail := limit.Sub(a.UsedCredit.Decimal())
	return money.FromDecimal(avail, a.Currency)
}

// InOverdraft reports whether usage exceeds the base credit limit.
func (a *Account) InOverdraft() bool {
	return a.UsedCredit.Decimal().GreaterThan(a.CreditLimit.Decimal())
}

// Transaction is an immutable credit ledger entry.
type Transaction struct {
	ID             string      `json:"id"`
	AccountID      string      `json:"accountId"`
	Type           TxType      `json:"type"`
	Status         TxStatus    `json:"status"`
	Amount         money.Money `json:"amount"`
	SettledAmount  money.Money `json:"settledAmount"`
	RefundedAmount money.Money `json:"refundedAmount"`
	ParentID       string      `json:"parentId,omitempty"`
	Reference      string      `json:"reference,omitempty"`
	Description    string      `json:"description,omitempty"`
	DueDate        time.Time   `json:"dueDate,omitzero"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Overdue reports whether an open hold is past its due date.
func (t *Transaction) Overdue(now time.Time) bool {
	if t.Type != TxAuthorization {
		return false
	}
	if t.Status != TxAuthorized && t.Status != TxOverdue {
		return false
	}
	return now.After(t.DueDate)
}

// Store persists credit accounts and their transaction log.
//
// Save persists the account with an optimistic version check and any
// transaction writes in one atomic step.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetByOwner(ctx context.Context, ownerID string) (*Account, error)
	Save(ctx context.Context, a *Account, upserts []*Transaction) error

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetByReference(ctx context.Context, accountID, reference string, txType TxType) (*Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error)

	// ListOverdueCandidates finds authorization holds whose due date has
	// passed and that have not yet been marked overdue.
	ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]*Transaction, error)
	// SumByType totals transactions of a type and status for an account.
	SumByType(ctx context.Context, accountID string, txType TxType, status TxStatus) (decimal.Decimal, error)
}
