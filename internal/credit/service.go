package credit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/idgen"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/syncutil"
)

// DefaultLockTimeout bounds how long an operation waits for an account lock.
const DefaultLockTimeout = 5 * time.Second

// DefaultTermDays is the payment term applied when an account is opened
// without an explicit term.
const DefaultTermDays = 30

var daysPerMonth = decimal.NewFromInt(30)

// Service implements credit ledger business logic. Authorization,
// settlement and the overdue sweep all run under the account's lock.
type Service struct {
	store        Store
	locks        *syncutil.ContextShardedMutex
	clk          clock.Clock
	logger       *slog.Logger
	lockTimeout  time.Duration
	overdraftFee money.Money
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

// WithOverdraftFee sets the flat fee charged when an overdue hold has
// pushed the account into overdraft.
func WithOverdraftFee(fee money.Money) Option {
	return func(s *Service) { s.overdraftFee = fee }
}

// NewService creates a credit ledger service.
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

func (s *Service) lock(ctx context.Context, accountID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locks.LockContext(lockCtx, accountID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockTimeout
	}
	return unlock, nil
}

// OpenAccount opens a credit line in pending_approval. One account per
// owner; termDays of 0 applies the default payment term.
func (s *Service) OpenAccount(ctx context.Context, ownerID string, currency money.Currency, creditLimit, overdraftLimit money.Money, termDays int, monthlyRate decimal.Decimal) (*Account, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", money.ErrInvalidAmount)
	}
	if creditLimit.IsNegative() || overdraftLimit.IsNegative() {
		return nil, fmt.Errorf("%w: limits must be non-negative", money.ErrInvalidAmount)
	}
	if monthlyRate.IsNegative() || monthlyRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: monthly rate out of range", money.ErrInvalidAmount)
	}
	if termDays <= 0 {
		termDays = DefaultTermDays
	}

	now := s.clk.Now()
	a := &Account{
		ID:             idgen.WithPrefix("cra_"),
		OwnerID:        ownerID,
		Currency:       currency,
		CreditLimit:    creditLimit,
		UsedCredit:     money.Zero(currency),
		OverdraftLimit: overdraftLimit,
		TermDays:       termDays,
		MonthlyRate:    monthlyRate,
		Status:         AccountPendingApproval,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Approve activates a pending account.
func (s *Service) Approve(ctx context.Context, accountID string) error {
	return s.transition(ctx, accountID, AccountActive)
}

// Suspend blocks new authorizations pending review.
func (s *Service) Suspend(ctx context.Context, accountID string) error {
	return s.transition(ctx, accountID, AccountSuspended)
}

// Reactivate restores a suspended account.
func (s *Service) Reactivate(ctx context.Context, accountID string) error {
	return s.transition(ctx, accountID, AccountActive)
}

// Close permanently closes an account. Outstanding credit must be repaid.
func (s *Service) Close(ctx context.Context, accountID string) error {
	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !CanTransition(a.Status, AccountClosed) {
		return ErrInvalidTransition
	}
	if !a.UsedCredit.IsZero() {
		return ErrOutstandingBalance
	}

	a.Status = AccountClosed
	a.UpdatedAt = s.clk.Now()
	return s.store.Save(ctx, a, nil)
}

func (s *Service) transition(ctx context.Context, accountID string, to AccountStatus) error {
	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}

	a.Status = to
	a.UpdatedAt = s.clk.Now()
	return s.store.Save(ctx, a, nil)
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// GetByOwner returns the owner's credit account.
func (s *Service) GetByOwner(ctx context.Context, ownerID string) (*Account, error) {
	return s.store.GetByOwner(ctx, ownerID)
}

// GetTransaction returns a single credit ledger entry.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetByReference finds the account's transaction recorded under a
// caller reference, scoped by type. Callers resuming after a crash use
// it to recover the charge their reference produced.
func (s *Service) GetByReference(ctx context.Context, accountID, reference string, txType TxType) (*Transaction, error) {
	return s.store.GetByReference(ctx, accountID, reference, txType)
}

// History returns recent credit ledger entries for an account.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, accountID, limit)
}

// Authorize places a hold against the credit line. The hold has a due
// date and must later be settled or cancelled; it is not yet a charge.
// Reference is the caller's idempotency key.
func (s *Service) Authorize(ctx context.Context, accountID string, amount money.Money, reference, description string) (*Transaction, error) {
	if err := money.ValidateAmount(amount, money.CreditRule); err != nil {
		return nil, err
	}

	done := observeOp("authorize")
	defer done()

	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if reference != "" {
		if existing, err := s.store.GetByReference(ctx, accountID, reference, TxAuthorization); err == nil {
			return existing, nil
		}
	}

	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Status != AccountActive {
		return nil, ErrAccountInactive
	}
	if a.Currency != amount.Currency() {
		return nil, fmt.Errorf("%w: account is %s", money.ErrCurrencyMismatch, a.Currency)
	}
	if under, _ := a.AvailableCredit().LessThan(amount); under {
		return nil, ErrInsufficientCredit
	}

	now := s.clk.Now()
	a.UsedCredit, err = a.UsedCredit.Add(amount)
	if err != nil {
		return nil, err
	}
	a.UpdatedAt = now

	tx := &Transaction{
		ID:             idgen.WithPrefix("ctx_"),
		AccountID:      a.ID,
		Type:           TxAuthorization,
		Status:         TxAuthorized,
		Amount:         amount,
		SettledAmount:  money.Zero(a.Currency),
		RefundedAmount: money.Zero(a.Currency),
		Reference:      reference,
		Description:    description,
		DueDate:        now.AddDate(0, 0, a.TermDays),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Save(ctx, a, []*Transaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

// Settle converts a hold into a charge. A zero settleAmount settles the
// full hold; a partial settle releases the unused portion back to the
// credit line. Overdue holds may settle late; the settlement covers the
// principal, accrued interest stays outstanding until repaid.
func (s *Service) Settle(ctx context.Context, transactionID string, settleAmount money.Money) (*Transaction, error) {
	orig, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	done := observeOp("settle")
	defer done()

	unlock, err := s.lock(ctx, orig.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	orig, err = s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if orig.Type != TxAuthorization {
		return nil, ErrAlreadyProcessed
	}
	if orig.Status != TxAuthorized && orig.Status != TxOverdue {
		return nil, ErrAlreadyProcessed
	}

	if settleAmount.IsZero() {
		settleAmount = orig.Amount
	}
	if settleAmount.Currency() != orig.Amount.Currency() {
		return nil, money.ErrCurrencyMismatch
	}
	if settleAmount.Decimal().GreaterThan(orig.Amount.Decimal()) {
		return nil, fmt.Errorf("%w: settle %s exceeds hold %s",
			money.ErrInvalidAmount, settleAmount, orig.Amount)
	}
	if err := money.ValidateAmount(settleAmount, money.CreditRule); err != nil {
		return nil, err
	}

	a, err := s.store.GetAccount(ctx, orig.AccountID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()

	// Release the unused portion of the hold.
	released := orig.Amount.Decimal().Sub(settleAmount.Decimal())
	if released.IsPositive() {
		a.UsedCredit = money.FromDecimal(a.UsedCredit.Decimal().Sub(released), a.Currency)
	}
	a.UpdatedAt = now

	orig.Status = TxSettled
	orig.SettledAmount = settleAmount
	orig.UpdatedAt = now

	charge := &Transaction{
		ID:             idgen.WithPrefix("ctx_"),
		AccountID:      a.ID,
		Type:           TxCharge,
		Status:         TxSettled,
		Amount:         settleAmount,
		SettledAmount:  settleAmount,
		RefundedAmount: money.Zero(a.Currency),
		ParentID:       orig.ID,
		Reference:      orig.Reference,
		Description:    "settlement of " + orig.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Save(ctx, a, []*Transaction{orig, charge}); err != nil {
		return nil, err
	}
	return charge, nil
}

// CancelAuthorization releases the full hold.
func (s *Service) CancelAuthorization(ctx context.Context, transactionID, reason string) error {
	orig, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}

	done := observeOp("cancel")
	defer done()

	unlock, err := s.lock(ctx, orig.AccountID)
	if err != nil {
		return err
	}
	defer unlock()

	orig, err = s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if orig.Type != TxAuthorization || orig.Status != TxAuthorized {
		return ErrAlreadyProcessed
	}

	a, err := s.store.GetAccount(ctx, orig.AccountID)
	if err != nil {
		return err
	}

	now := s.clk.Now()
	a.UsedCredit, err = a.UsedCredit.Sub(orig.Amount)
	if err != nil {
		return err
	}
	a.UpdatedAt = now

	orig.Status = TxCancelled
	orig.Description = appendReason(orig.Description, reason)
	orig.UpdatedAt = now

	return s.store.Save(ctx, a, []*Transaction{orig})
}

// Refund returns part of a settled charge to the credit line. Repeated
// refunds accumulate; together they can never exceed the settled amount.
func (s *Service) Refund(ctx context.Context, transactionID string, amount money.Money, reason string) (*Transaction, error) {
	orig, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	done := observeOp("refund")
	defer done()

	unlock, err := s.lock(ctx, orig.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	orig, err = s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if orig.Type != TxCharge || orig.Status != TxSettled {
		return nil, ErrNotRefundable
	}
	if err := money.ValidateAmount(amount, money.CreditRule); err != nil {
		return nil, err
	}

	remaining := orig.SettledAmount.Decimal().Sub(orig.RefundedAmount.Decimal())
	if amount.Decimal().GreaterThan(remaining) {
		return nil, ErrRefundExceedsOriginal
	}

	a, err := s.store.GetAccount(ctx, orig.AccountID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	// The owner may already have repaid the charge; never refund below zero.
	used := a.UsedCredit.Decimal().Sub(amount.Decimal())
	if used.IsNegative() {
		used = decimal.Zero
	}
	a.UsedCredit = money.FromDecimal(used, a.Currency)
	a.UpdatedAt = now

	orig.RefundedAmount = money.FromDecimal(
		orig.RefundedAmount.Decimal().Add(amount.Decimal()), a.Currency)
	orig.UpdatedAt = now

	refund := &Transaction{
		ID:             idgen.WithPrefix("ctx_"),
		AccountID:      a.ID,
		Type:           TxRefund,
		Status:         TxSettled,
		Amount:         amount,
		SettledAmount:  amount,
		RefundedAmount: money.Zero(a.Currency),
		ParentID:       orig.ID,
		Reference:      orig.Reference,
		Description:    appendReason("refund of "+orig.ID, reason),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Save(ctx, a, []*Transaction{orig, refund}); err != nil {
		return nil, err
	}
	return refund, nil
}

// RecordPayment records an owner repayment and reduces outstanding credit.
func (s *Service) RecordPayment(ctx context.Context, accountID string, amount money.Money, reference string) (*Transaction, error) {
	if err := money.ValidateAmount(amount, money.CreditRule); err != nil {
		return nil, err
	}

	done := observeOp("payment")
	defer done()

	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Status == AccountClosed {
		return nil, ErrAccountInactive
	}

	now := s.clk.Now()
	used := a.UsedCredit.Decimal().Sub(amount.Decimal())
	if used.IsNegative() {
		used = decimal.Zero
	}
	a.UsedCredit = money.FromDecimal(used, a.Currency)
	a.UpdatedAt = now

	tx := &Transaction{
		ID:             idgen.WithPrefix("ctx_"),
		AccountID:      a.ID,
		Type:           TxPayment,
		Status:         TxSettled,
		Amount:         amount,
		SettledAmount:  amount,
		RefundedAmount: money.Zero(a.Currency),
		Reference:      reference,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Save(ctx, a, []*Transaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

// ProcessOverdue accrues interest on an authorization past its due
// date and marks it overdue: interest = principal x (monthlyRate/30) x
// daysOverdue, rounded to cents. A flat fee is added when the hold has
// pushed the account into overdraft.
func (s *Service) ProcessOverdue(ctx context.Context, transactionID string) error {
	orig, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}

	done := observeOp("overdue")
	defer done()

	unlock, err := s.lock(ctx, orig.AccountID)
	if err != nil {
		return err
	}
	defer unlock()

	orig, err = s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if orig.Type != TxAuthorization || orig.Status != TxAuthorized {
		return ErrAlreadyProcessed
	}

	now := s.clk.Now()
	if !orig.Overdue(now) {
		return ErrNotOverdue
	}

	a, err := s.store.GetAccount(ctx, orig.AccountID)
	if err != nil {
		return err
	}

	daysOverdue := int64(now.Sub(orig.DueDate).Hours() / 24)
	upserts := []*Transaction{orig}

	if daysOverdue >= 1 {
		dailyRate := a.MonthlyRate.Div(daysPerMonth)
		// Half-up rounding to cents.
		interest := orig.Amount.Decimal().
			Mul(dailyRate).
			Mul(decimal.NewFromInt(daysOverdue)).
			Round(2)
		if interest.IsPositive() {
			interestMoney := money.FromDecimal(interest, a.Currency)
			a.UsedCredit = money.FromDecimal(a.UsedCredit.Decimal().Add(interest), a.Currency)
			upserts = append(upserts, &Transaction{
				ID:             idgen.WithPrefix("ctx_"),
				AccountID:      a.ID,
				Type:           TxInterest,
				Status:         TxSettled,
				Amount:         interestMoney,
				SettledAmount:  interestMoney,
				RefundedAmount: money.Zero(a.Currency),
				ParentID:       orig.ID,
				Description:    fmt.Sprintf("interest, %d days overdue", daysOverdue),
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			overdueCharges.WithLabelValues("interest").Inc()
		}
	}

	if a.InOverdraft() && !s.overdraftFee.IsZero() && s.overdraftFee.Currency() == a.Currency {
		a.UsedCredit = money.FromDecimal(
			a.UsedCredit.Decimal().Add(s.overdraftFee.Decimal()), a.Currency)
		upserts = append(upserts, &Transaction{
			ID:             idgen.WithPrefix("ctx_"),
			AccountID:      a.ID,
			Type:           TxFee,
			Status:         TxSettled,
			Amount:         s.overdraftFee,
			SettledAmount:  s.overdraftFee,
			RefundedAmount: money.Zero(a.Currency),
			ParentID:       orig.ID,
			Description:    "overdraft fee",
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		overdueCharges.WithLabelValues("fee").Inc()
	}

	orig.Status = TxOverdue
	orig.UpdatedAt = now
	a.UpdatedAt = now

	if err := s.store.Save(ctx, a, upserts); err != nil {
		return err
	}

	s.logger.Warn("authorization overdue",
		"transaction_id", orig.ID,
		"account_id", a.ID,
		"principal", orig.Amount.String(),
		"days_overdue", daysOverdue,
	)
	return nil
}

// SweepOverdue finds holds past their due date and processes each one
// under its own account lock. Returns how many were marked overdue.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	candidates, err := s.store.ListOverdueCandidates(ctx, s.clk.Now(), 100)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, tx := range candidates {
		if err := s.ProcessOverdue(ctx, tx.ID); err != nil {
			// Another writer may have settled or cancelled it meanwhile.
			if err == ErrAlreadyProcessed || err == ErrNotOverdue {
				continue
			}
			s.logger.Warn("overdue processing failed", "transaction_id", tx.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// CreditStatus is a read-only projection of an account's position.
type CreditStatus struct {
	AccountID    string        `json:"accountId"`
	OwnerID      string        `json:"ownerId"`
	Status       AccountStatus `json:"status"`
	CreditLimit  money.Money   `json:"creditLimit"`
	UsedCredit   money.Money   `json:"usedCredit"`
	Available    money.Money   `json:"available"`
	InOverdraft  bool          `json:"inOverdraft"`
	OverdueTotal money.Money   `json:"overdueTotal"`
}

// Status returns the owner's credit position including overdue totals.
func (s *Service) Status(ctx context.Context, ownerID string) (*CreditStatus, error) {
	a, err := s.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	overdue, err := s.store.SumByType(ctx, a.ID, TxAuthorization, TxOverdue)
	if err != nil {
		return nil, err
	}
	return &CreditStatus{
		AccountID:    a.ID,
		OwnerID:      a.OwnerID,
		Status:       a.Status,
		CreditLimit:  a.CreditLimit,
		UsedCredit:   a.UsedCredit,
		Available:    a.AvailableCredit(),
		InOverdraft:  a.InOverdraft(),
		OverdueTotal: money.FromDecimal(overdue, a.Currency),
	}, nil
}

func appendReason(base, reason string) string {
	if reason == "" {
		return base
	}
	if base == "" {
		return reason
	}
	return base + ": " + reason
}
