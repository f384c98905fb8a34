package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/idgen"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/syncutil"
)

// DefaultLockTimeout bounds how long an operation waits for a wallet lock.
const DefaultLockTimeout = 5 * time.Second

// Service implements wallet ledger business logic. Every check-then-mutate
// sequence runs under the wallet's lock, so two concurrent debits cannot
// both pass the balance check.
type Service struct {
	store       Store
	locks       *syncutil.ContextShardedMutex
	clk         clock.Clock
	logger      *slog.Logger
	lockTimeout time.Duration
}

// Option configures the service.
type Option func(*Service)

// WithClock sets the time source (tests use a fake).
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clk = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLockTimeout bounds lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

// NewService creates a wallet ledger service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		locks:       syncutil.NewContextShardedMutex(),
		clk:         clock.System{},
		logger:      slog.Default(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock acquires the per-wallet mutex, bounded by the configured timeout.
func (s *Service) lock(ctx context.Context, walletID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locks.LockContext(lockCtx, walletID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockTimeout
	}
	return unlock, nil
}

// lockPair acquires both wallet mutexes for a transfer. Two ids that
// share a lock shard must be acquired as one, or the second acquire
// would wait on the shard the caller already holds.
func (s *Service) lockPair(ctx context.Context, walletID1, walletID2 string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locks.LockPairContext(lockCtx, walletID1, walletID2)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockTimeout
	}
	return unlock, nil
}

// CreateWallet opens a wallet for an owner. An owner holds at most one
// active wallet; a second create fails ErrDuplicateWallet.
func (s *Service) CreateWallet(ctx context.Context, ownerID string, currency money.Currency, limits Limits) (*Wallet, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", money.ErrInvalidAmount)
	}

	now := s.clk.Now()
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   money.Zero(currency),
		Reserved:  money.Zero(currency),
		Limits:    limits,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// GetWallet returns a wallet by id.
func (s *Service) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

// GetByOwner returns the owner's wallet.
func (s *Service) GetByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	return s.store.GetByOwner(ctx, ownerID)
}

// History returns recent ledger entries for a wallet, newest first.
func (s *Service) History(ctx context.Context, walletID string, limit int, opts ...ListOption) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, walletID, limit, opts...)
}

// GetTransaction returns a single ledger entry.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Debit removes funds from the available balance. Reference is the
// caller's idempotency key: a repeated debit with the same reference
// returns the original transaction instead of debiting twice.
func (s *Service) Debit(ctx context.Context, walletID string, amount money.Money, reference, description string) (*Transaction, error) {
	if err := money.ValidateAmount(amount, money.WalletRule); err != nil {
		return nil, err
	}

	done := observeOp("debit")
	defer done()

	unlock, err := s.lock(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if reference != "" {
		if existing, err := s.store.GetByReference(ctx, walletID, reference, TxDebit); err == nil {
			return existing, nil
		}
	}

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSpendable(ctx, w, amount); err != nil {
		return nil, err
	}

	before := w.Balance
	after, err := w.Balance.Sub(amount)
	if err != nil {
		return nil, err
	}
	w.Balance = after
	w.UpdatedAt = s.clk.Now()

	tx := s.newTransaction(w.ID, TxDebit, amount, before, after, reference, description)
	if err := s.store.Apply(ctx, []*Wallet{w}, []*Transaction{tx}); err != nil {
		return nil, err
	}

	s.warnLowBalance(w)
	return tx, nil
}

// Credit adds funds to the balance. Always succeeds within currency
// bounds, regardless of wallet limits.
func (s *Service) Credit(ctx context.Context, walletID string, amount money.Money, reference, description string) (*Transaction, error) {
	if err := money.ValidateAmount(amount, money.WalletRule); err != nil {
		return nil, err
	}

	done := observeOp("credit")
	defer done()

	unlock, err := s.lock(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if reference != "" {
		if existing, err := s.store.GetByReference(ctx, walletID, reference, TxCredit); err == nil {
			return existing, nil
		}
	}

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status == StatusClosed {
		return nil, ErrWalletInactive
	}
	if w.Currency != amount.Currency() {
		return nil, fmt.Errorf("%w: wallet is %s", money.ErrCurrencyMismatch, w.Currency)
	}

	before := w.Balance
	after, err := w.Balance.Add(amount)
	if err != nil {
		return nil, err
	}
	w.Balance = after
	w.UpdatedAt = s.clk.Now()

	tx := s.newTransaction(w.ID, TxCredit, amount, before, after, reference, description)
	if err := s.store.Apply(ctx, []*Wallet{w}, []*Transaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

// Reserve sets funds aside from the available balance pending external
// settlement. The wallet total is unchanged.
func (s *Service) Reserve(ctx context.Context, walletID string, amount money.Money, reference string) error {
	if err := money.ValidateAmount(amount, money.WalletRule); err != nil {
		return err
	}

	done := observeOp("reserve")
	defer done()

	unlock, err := s.lock(ctx, walletID)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if err := s.checkSpendable(ctx, w, amount); err != nil {
		return err
	}

	w.Reserved, err = w.Reserved.Add(amount)
	if err != nil {
		return err
	}
	w.UpdatedAt = s.clk.Now()

	return s.store.Apply(ctx, []*Wallet{w}, nil)
}

// Release returns reserved funds to the available balance.
func (s *Service) Release(ctx context.Context, walletID string, amount money.Money, reference string) error {
	if err := money.ValidateAmount(amount, money.WalletRule); err != nil {
		return err
	}

	done := observeOp("release")
	defer done()

	unlock, err := s.lock(ctx, walletID)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if under, _ := w.Reserved.LessThan(amount); under {
		return ErrInsufficientReserve
	}

	w.Reserved, err = w.Reserved.Sub(amount)
	if err != nil {
		return err
	}
	w.UpdatedAt = s.clk.Now()

	return s.store.Apply(ctx, []*Wallet{w}, nil)
}

// Transfer moves funds between two wallets atomically: both legs commit
// or neither does. Both locks come from one ordered pair acquisition so
// two opposite transfers cannot deadlock.
func (s *Service) Transfer(ctx context.Context, sourceID, destID string, amount money.Money, reference, description string) (*Transaction, *Transaction, error) {
	if err := money.ValidateAmount(amount, money.WalletRule); err != nil {
		return nil, nil, err
	}
	if sourceID == destID {
		return nil, nil, ErrSameWalletTransfer
	}

	done := observeOp("transfer")
	defer done()

	unlock, err := s.lockPair(ctx, sourceID, destID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if reference != "" {
		if existing, err := s.store.GetByReference(ctx, sourceID, reference, TxTransferOut); err == nil {
			in, err := s.store.GetByReference(ctx, destID, reference, TxTransferIn)
			if err != nil {
				return nil, nil, err
			}
			return existing, in, nil
		}
	}

	src, err := s.store.GetWallet(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}
	dst, err := s.store.GetWallet(ctx, destID)
	if err != nil {
		return nil, nil, err
	}
	if src.Status != StatusActive || dst.Status != StatusActive {
		return nil, nil, ErrWalletInactive
	}
	if err := s.checkSpendable(ctx, src, amount); err != nil {
		return nil, nil, err
	}
	if dst.Currency != amount.Currency() {
		return nil, nil, fmt.Errorf("%w: destination is %s", money.ErrCurrencyMismatch, dst.Currency)
	}

	group := idgen.WithPrefix("trf_")
	now := s.clk.Now()

	srcBefore := src.Balance
	src.Balance, err = src.Balance.Sub(amount)
	if err != nil {
		return nil, nil, err
	}
	src.UpdatedAt = now

	dstBefore := dst.Balance
	dst.Balance, err = dst.Balance.Add(amount)
	if err != nil {
		return nil, nil, err
	}
	dst.UpdatedAt = now

	out := s.newTransaction(src.ID, TxTransferOut, amount, srcBefore, src.Balance, reference, description)
	out.CounterpartyID = dst.ID
	out.TransferGroup = group
	in := s.newTransaction(dst.ID, TxTransferIn, amount, dstBefore, dst.Balance, reference, description)
	in.CounterpartyID = src.ID
	in.TransferGroup = group

	if err := s.store.Apply(ctx, []*Wallet{src, dst}, []*Transaction{out, in}); err != nil {
		return nil, nil, err
	}

	s.warnLowBalance(src)
	return out, in, nil
}

// Reverse compensates a completed transaction with a new reversal
// record. The original row is never edited; it is marked reversed and
// the funds flow back the opposite way.
func (s *Service) Reverse(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	orig, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if orig.Status == TxReversed {
		return nil, ErrAlreadyReversed
	}
	if orig.Status != TxCompleted {
		return nil, ErrNotReversible
	}

	done := observeOp("reverse")
	defer done()

	unlock, err := s.lock(ctx, orig.WalletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; another caller may have reversed it.
	orig, err = s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if orig.Status == TxReversed {
		return nil, ErrAlreadyReversed
	}

	w, err := s.store.GetWallet(ctx, orig.WalletID)
	if err != nil {
		return nil, err
	}

	before := w.Balance
	var after money.Money
	var signed money.Money
	if orig.Type.outbound() {
		// Reversing a debit restores funds.
		after, err = w.Balance.Add(orig.Amount)
		signed = orig.Amount
	} else {
		// Reversing a credit claws funds back.
		if under, _ := w.Available().LessThan(orig.Amount); under {
			return nil, ErrInsufficientBalance
		}
		after, err = w.Balance.Sub(orig.Amount)
		signed = orig.Amount.Neg()
	}
	if err != nil {
		return nil, err
	}
	w.Balance = after
	w.UpdatedAt = s.clk.Now()

	rev := s.newTransaction(w.ID, TxReversal, signed, before, after, orig.Reference, reason)
	rev.ReversalOf = orig.ID
	rev.TransferGroup = orig.TransferGroup

	if err := s.store.Apply(ctx, []*Wallet{w}, []*Transaction{rev}); err != nil {
		return nil, err
	}
	if err := s.store.MarkReversed(ctx, orig.ID); err != nil {
		return nil, err
	}
	return rev, nil
}

// Freeze blocks spending while keeping the balance intact.
func (s *Service) Freeze(ctx context.Context, walletID string) error {
	return s.transition(ctx, walletID, StatusFrozen)
}

// Unfreeze restores a frozen wallet to active.
func (s *Service) Unfreeze(ctx context.Context, walletID string) error {
	return s.transition(ctx, walletID, StatusActive)
}

// Suspend takes a wallet out of service pending review.
func (s *Service) Suspend(ctx context.Context, walletID string) error {
	return s.transition(ctx, walletID, StatusSuspended)
}

// Close permanently closes a wallet. The balance must be zero.
func (s *Service) Close(ctx context.Context, walletID string) error {
	unlock, err := s.lock(ctx, walletID)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if !CanTransition(w.Status, StatusClosed) {
		return ErrInvalidTransition
	}
	if !w.Balance.IsZero() || !w.Reserved.IsZero() {
		return ErrNonZeroBalance
	}

	w.Status = StatusClosed
	w.UpdatedAt = s.clk.Now()
	return s.store.Apply(ctx, []*Wallet{w}, nil)
}

func (s *Service) transition(ctx context.Context, walletID string, to Status) error {
	unlock, err := s.lock(ctx, walletID)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if !CanTransition(w.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, to)
	}

	w.Status = to
	w.UpdatedAt = s.clk.Now()
	return s.store.Apply(ctx, []*Wallet{w}, nil)
}

// Audit re-derives the balance from the transaction log and checks the
// wallet invariants. A mismatch is returned as *IntegrityError and is
// never repaired here.
func (s *Service) Audit(ctx context.Context, walletID string) error {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	derived, err := s.store.SumCompletedDeltas(ctx, walletID)
	if err != nil {
		return err
	}

	if !w.Balance.Decimal().Equal(derived) {
		return &IntegrityError{
			WalletID: walletID,
			Stored:   w.Balance.String(),
			Derived:  money.FromDecimal(derived, w.Currency).String(),
			Detail:   "balance does not match transaction log",
		}
	}
	if w.Reserved.IsNegative() || w.Available().IsNegative() {
		return &IntegrityError{
			WalletID: walletID,
			Stored:   w.Balance.String(),
			Derived:  w.Reserved.String(),
			Detail:   "reserved funds exceed balance",
		}
	}
	return nil
}

// checkSpendable enforces status, currency, spending-limit and balance
// checks for an outbound movement. Caller holds the wallet lock.
func (s *Service) checkSpendable(ctx context.Context, w *Wallet, amount money.Money) error {
	if w.Status != StatusActive {
		return ErrWalletInactive
	}
	if w.Currency != amount.Currency() {
		return fmt.Errorf("%w: wallet is %s", money.ErrCurrencyMismatch, w.Currency)
	}
	if err := s.checkLimits(ctx, w, amount); err != nil {
		return err
	}
	if under, _ := w.Available().LessThan(amount); under {
		return ErrInsufficientBalance
	}
	return nil
}

// checkLimits sums completed outbound transactions in the current
// calendar day and month and rejects a debit that would break a cap.
func (s *Service) checkLimits(ctx context.Context, w *Wallet, amount money.Money) error {
	now := s.clk.Now().UTC()

	if !w.Limits.Daily.IsZero() {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if err := s.checkLimit(ctx, w, amount, dayStart, now, w.Limits.Daily, "daily"); err != nil {
			return err
		}
	}
	if !w.Limits.Monthly.IsZero() {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		if err := s.checkLimit(ctx, w, amount, monthStart, now, w.Limits.Monthly, "monthly"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkLimit(ctx context.Context, w *Wallet, amount money.Money, from, to time.Time, limit money.Money, period string) error {
	spent, err := s.store.SumCompletedOutbound(ctx, w.ID, from, to)
	if err != nil {
		return err
	}
	total := spent.Add(amount.Decimal())
	if total.GreaterThan(limit.Decimal()) {
		return fmt.Errorf("%w: %s limit %s, would spend %s", ErrLimitExceeded,
			period, limit.String(), money.FromDecimal(total, w.Currency).String())
	}
	return nil
}

func (s *Service) newTransaction(walletID string, txType TxType, amount, before, after money.Money, reference, description string) *Transaction {
	return &Transaction{
		ID:            idgen.WithPrefix("wtx_"),
		WalletID:      walletID,
		Type:          txType,
		Status:        TxCompleted,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     reference,
		Description:   description,
		CreatedAt:     s.clk.Now(),
	}
}

func (s *Service) warnLowBalance(w *Wallet) {
	if w.Limits.LowBalanceThreshold.IsZero() {
		return
	}
	if below, _ := w.Available().LessThan(w.Limits.LowBalanceThreshold); below {
		lowBalanceEvents.Inc()
		s.logger.Warn("wallet below low-balance threshold",
			"wallet_id", w.ID,
			"owner_id", w.OwnerID,
			"available", w.Available().String(),
			"threshold", w.Limits.LowBalanceThreshold.String(),
		)
	}
}
