// Package wallet implements the prepaid wallet ledger.
//
// Flow:
//  1. Owner tops up → balance credited
//  2. Payments debit the available balance
//  3. Funds pending external settlement are reserved, then released or spent
//  4. Every balance change appends an immutable transaction with a
//     before/after snapshot; corrections are reversal records, never edits
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/pagination"
)

var (
	ErrWalletNotFound      = errors.New("wallet: not found")
	ErrTransactionNotFound = errors.New("wallet: transaction not found")
	ErrDuplicateWallet     = errors.New("wallet: owner already has an active wallet")
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrInsufficientReserve = errors.New("wallet: release exceeds reserved funds")
	ErrLimitExceeded       = errors.New("wallet: spending limit exceeded")
	ErrWalletInactive      = errors.New("wallet: wallet is not active")
	ErrSameWalletTransfer  = errors.New("wallet: source and destination are the same wallet")
	ErrNonZeroBalance      = errors.New("wallet: balance must be zero to close")
	ErrInvalidTransition   = errors.New("wallet: invalid status transition")
	ErrAlreadyReversed     = errors.New("wallet: transaction already reversed")
	ErrNotReversible       = errors.New("wallet: only completed transactions can be reversed")
	ErrVersionConflict     = errors.New("wallet: concurrent update conflict")
	ErrLockTimeout         = errors.New("wallet: timed out waiting for wallet lock")
)

// IntegrityError reports a detected balance mismatch. It is never
// repaired automatically; the wallet is flagged for manual review.
type IntegrityError struct {
	WalletID string
	Stored   string
	Derived  string
	Detail   string
}

func (e *IntegrityError) Error() string {
	return "wallet: integrity violation on " + e.WalletID + ": stored " + e.Stored +
		" vs derived " + e.Derived + " (" + e.Detail + ")"
}

// Status represents the state of a wallet.
type Status string

const (
	StatusActive    Status = "active"
	StatusFrozen    Status = "frozen"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// legalTransitions is the enumerated status machine for wallets.
var legalTransitions = map[Status][]Status{
	StatusActive:    {StatusFrozen, StatusSuspended, StatusClosed},
	StatusFrozen:    {StatusActive, StatusSuspended, StatusClosed},
	StatusSuspended: {StatusActive, StatusClosed},
	StatusClosed:    {},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TxType classifies a wallet transaction.
type TxType string

const (
	TxDebit       TxType = "debit"
	TxCredit      TxType = "credit"
	TxTransferIn  TxType = "transfer_in"
	TxTransferOut TxType = "transfer_out"
	TxReversal    TxType = "reversal"
)

// outbound reports whether the type moves money out of the wallet.
func (t TxType) outbound() bool {
	return t == TxDebit || t == TxTransferOut
}

// TxStatus tracks a transaction through its lifecycle. Ledger writes
// append transactions already completed; pending/processing exist for
// multi-step flows driven by the orchestrator.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxReversed   TxStatus = "reversed"
)

// Limits configures per-wallet spending caps. A zero limit means
// unlimited.
type Limits struct {
	Daily               money.Money `json:"daily"`
	Monthly             money.Money `json:"monthly"`
	LowBalanceThreshold money.Money `json:"lowBalanceThreshold"`
}

// Wallet is the per-owner prepaid balance.
type Wallet struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"ownerId"`
	Currency  money.Currency `json:"currency"`
	Balance   money.Money    `json:"balance"`
	Reserved  money.Money    `json:"reserved"`
	Limits    Limits         `json:"limits"`
	Status    Status         `json:"status"`
	Version   int64          `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Available returns balance minus reserved funds.
func (w *Wallet) Available() money.Money {
	avail, _ := w.Balance.Sub(w.Reserved)
	return avail
}

// Transaction is one immutable row in the wallet ledger.
type Transaction struct {
	ID             string      `json:"id"`
	WalletID       string      `json:"walletId"`
	CounterpartyID string      `json:"counterpartyId,omitempty"` // other wallet on transfers
	TransferGroup  string      `json:"transferGroup,omitempty"`  // shared by both legs of a transfer
	Type           TxType      `json:"type"`
	Status         TxStatus    `json:"status"`
	Amount         money.Money `json:"amount"`
	BalanceBefore  money.Money `json:"balanceBefore"`
	BalanceAfter   money.Money `json:"balanceAfter"`
	ReversalOf     string      `json:"reversalOf,omitempty"` // original transaction for reversals
	Reference      string      `json:"reference,omitempty"`  // payment id or other external key
	Description    string      `json:"description,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Delta returns the signed balance effect of a completed transaction.
func (t *Transaction) Delta() decimal.Decimal {
	d := t.Amount.Decimal()
	switch t.Type {
	case TxDebit, TxTransferOut:
		return d.Neg()
	case TxReversal:
		// A reversal's sign is the opposite of what it reverses; the
		// amount is stored signed at append time.
		return d
	default:
		return d
	}
}

// ListOption configures optional parameters for transaction listing.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to transactions after the given cursor
// position. Malformed cursors are ignored and listing starts from the top.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists wallets and their transaction log.
//
// Apply is the single mutation point: it saves every wallet with an
// optimistic version check and appends the transactions in one atomic
// step, so a transfer's two legs commit together or not at all.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetByOwner(ctx context.Context, ownerID string) (*Wallet, error)
	Apply(ctx context.Context, wallets []*Wallet, txs []*Transaction) error

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetByReference(ctx context.Context, walletID, reference string, txType TxType) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID string, limit int, opts ...ListOption) ([]*Transaction, error)
	MarkReversed(ctx context.Context, id string) error

	// SumCompletedOutbound totals completed debit-class transactions in
	// [from, to] for spending-limit checks.
	SumCompletedOutbound(ctx context.Context, walletID string, from, to time.Time) (decimal.Decimal, error)
	// SumCompletedDeltas re-derives the balance from the transaction log.
	SumCompletedDeltas(ctx context.Context, walletID string) (decimal.Decimal, error)

	ListWalletIDs(ctx context.Context) ([]string, error)
	// ListDanglingTransfers finds completed transfer_out legs older than
	// cutoff whose group has no completed transfer_in counterpart.
	ListDanglingTransfers(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)
}
