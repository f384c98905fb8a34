package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/credit"
	"github.com/freightdesk/paycore/internal/gateway"
	"github.com/freightdesk/paycore/internal/idgen"
	"github.com/freightdesk/paycore/internal/metrics"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/retry"
	"github.com/freightdesk/paycore/internal/syncutil"
	"github.com/freightdesk/paycore/internal/traces"
	"github.com/freightdesk/paycore/internal/wallet"
)

// Defaults for the orchestrator's retry and reconcile policy.
const (
	DefaultRetryAttempts   = 3
	DefaultRetryBaseDelay  = 50 * time.Millisecond
	DefaultCallbackMaxSkew = 5 * time.Minute
	DefaultGracePeriod     = 30 * time.Minute
	DefaultLockTimeout     = 5 * time.Second
)

// Service drives payments through their lifecycle across rails.
type Service struct {
	store           Store
	rails           map[Method]railHandler
	locks           *syncutil.ContextShardedMutex
	clk             clock.Clock
	logger          *slog.Logger
	callbackSecret  string
	callbackMaxSkew time.Duration
	retryAttempts   int
	retryBaseDelay  time.Duration
	gracePeriod     time.Duration
	lockTimeout     time.Duration
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

// WithCallbackSecret sets the HMAC secret for gateway callbacks.
func WithCallbackSecret(secret string, maxSkew time.Duration) Option {
	return func(s *Service) {
		s.callbackSecret = secret
		if maxSkew > 0 {
			s.callbackMaxSkew = maxSkew
		}
	}
}

// WithRetryPolicy bounds retries of transient rail failures.
func WithRetryPolicy(attempts int, baseDelay time.Duration) Option {
	return func(s *Service) {
		s.retryAttempts = attempts
		s.retryBaseDelay = baseDelay
	}
}

// WithGracePeriod sets how long a payment may sit in processing before
// the reconcile sweep picks it up.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Service) { s.gracePeriod = d }
}

// WithLockTimeout bounds lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

// NewService creates a payment orchestrator. A nil gateway adapter
// leaves that method unavailable.
func NewService(store Store, wallets WalletLedger, accounts CreditLedger, gw, sim gateway.Adapter, opts ...Option) *Service {
	s := &Service{
		store:           store,
		rails:           make(map[Method]railHandler),
		locks:           syncutil.NewContextShardedMutex(),
		clk:             clock.System{},
		logger:          slog.Default(),
		callbackMaxSkew: DefaultCallbackMaxSkew,
		retryAttempts:   DefaultRetryAttempts,
		retryBaseDelay:  DefaultRetryBaseDelay,
		gracePeriod:     DefaultGracePeriod,
		lockTimeout:     DefaultLockTimeout,
	}
	if wallets != nil {
		s.rails[MethodWallet] = &walletRail{wallets: wallets}
	}
	if accounts != nil {
		s.rails[MethodCredit] = &creditRail{accounts: accounts}
	}
	if gw != nil {
		s.rails[MethodGateway] = &gatewayRail{adapter: gw}
	}
	if sim != nil {
		s.rails[MethodSimulator] = &gatewayRail{adapter: sim}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock acquires the per-payment mutex, bounded by the configured
// timeout. Capture and refund are check-then-mutate sequences: without
// the lock two concurrent refunds could both pass the Remaining check.
func (s *Service) lock(ctx context.Context, paymentID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locks.LockContext(lockCtx, paymentID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockTimeout
	}
	return unlock, nil
}

// ProcessRequest describes a payment to run.
type ProcessRequest struct {
	OwnerID     string
	Amount      money.Money
	Method      Method
	Description string
	Metadata    map[string]string
}

// Result is the orchestrator's answer to a payment or refund request.
type Result struct {
	PaymentID    string `json:"paymentId"`
	Status       Status `json:"status"`
	ExternalID   string `json:"externalId,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ProcessPayment creates a payment and drives it as far as its rail
// allows: wallet payments complete synchronously, credit and gateway
// payments usually return processing.
func (s *Service) ProcessPayment(ctx context.Context, req ProcessRequest) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "payment.Process",
		traces.OwnerID(req.OwnerID),
		traces.Method(string(req.Method)),
		traces.Amount(req.Amount.String()),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	rail, ok := s.rails[req.Method]
	if !ok {
		return nil, ErrInvalidMethod
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id required", money.ErrInvalidAmount)
	}
	if err := money.ValidateAmount(req.Amount, ruleFor(req.Method)); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	p := &Payment{
		ID:             idgen.WithPrefix("pay_"),
		OwnerID:        req.OwnerID,
		Method:         req.Method,
		Amount:         req.Amount,
		RefundedAmount: money.Zero(req.Amount.Currency()),
		Status:         StatusPending,
		Description:    req.Description,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	if err := s.authorize(ctx, p, rail); err != nil {
		return nil, err
	}
	return s.result(p), nil
}

// authorize runs the pending → processing/completed/failed transition.
func (s *Service) authorize(ctx context.Context, p *Payment, rail railHandler) error {
	var res railResult
	err := retry.Do(ctx, s.retryAttempts, s.retryBaseDelay, func() error {
		var railErr error
		res, railErr = rail.Authorize(ctx, p)
		return classify(railErr)
	})
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(string(p.Method), string(StatusFailed)).Inc()
		return s.fail(ctx, p, err)
	}

	p.ExternalID = res.externalID
	p.GatewayResponse = res.response
	p.Status = res.status
	p.UpdatedAt = s.clk.Now()
	if p.Status == StatusCompleted {
		p.CompletedAt = p.UpdatedAt
	}
	if err := s.store.Update(ctx, p, StatusPending); err != nil {
		return err
	}
	metrics.PaymentsTotal.WithLabelValues(string(p.Method), string(p.Status)).Inc()

	s.logger.Info("payment authorized",
		"payment_id", p.ID,
		"method", p.Method,
		"amount", p.Amount.String(),
		"status", p.Status,
	)
	return nil
}

// fail records a business failure as the payment's terminal state. The
// failure itself is the answer, not an error.
func (s *Service) fail(ctx context.Context, p *Payment, cause error) error {
	expect := p.Status
	p.Status = StatusFailed
	p.ErrorCode = ErrorCode(cause)
	p.ErrorMessage = cause.Error()
	p.UpdatedAt = s.clk.Now()
	if err := s.store.Update(ctx, p, expect); err != nil {
		return err
	}

	s.logger.Warn("payment failed",
		"payment_id", p.ID,
		"method", p.Method,
		"error_code", p.ErrorCode,
		"error", cause,
	)
	return nil
}

// CompletePayment captures a processing payment: credit holds settle,
// gateway sessions are confirmed against the adapter.
func (s *Service) CompletePayment(ctx context.Context, paymentID string) (*Result, error) {
	unlock, err := s.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCompleted {
		return s.result(p), nil
	}
	if p.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: payment is %s", ErrStaleTransition, p.Status)
	}
	rail := s.rails[p.Method]
	if rail == nil {
		return nil, ErrInvalidMethod
	}

	if gw, ok := rail.(*gatewayRail); ok {
		// Confirm with the gateway before trusting the capture request.
		status, err := gw.Query(ctx, p)
		if err != nil {
			return nil, err
		}
		return s.finalizeGateway(ctx, p, status)
	}

	err = retry.Do(ctx, s.retryAttempts, s.retryBaseDelay, func() error {
		return classify(rail.Complete(ctx, p))
	})
	if err != nil {
		return nil, err
	}

	p.Status = StatusCompleted
	p.CompletedAt = s.clk.Now()
	p.UpdatedAt = p.CompletedAt
	if err := s.store.Update(ctx, p, StatusProcessing); err != nil {
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(p.Method), string(StatusCompleted)).Inc()
	return s.result(p), nil
}

// RefundPayment returns funds on the originating rail. Partial refunds
// accumulate; once the full amount is returned the payment flips to
// refunded.
func (s *Service) RefundPayment(ctx context.Context, paymentID string, amount money.Money, reason string) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "payment.Refund",
		traces.PaymentID(paymentID),
		traces.Amount(amount.String()),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock, err := s.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted {
		return nil, ErrNotRefundable
	}
	if err := money.ValidateAmount(amount, money.WalletRule); err != nil {
		return nil, err
	}
	if amount.Decimal().GreaterThan(p.Remaining().Decimal()) {
		return nil, ErrRefundExceedsOriginal
	}
	rail := s.rails[p.Method]
	if rail == nil {
		return nil, ErrInvalidMethod
	}

	var refundID string
	err = retry.Do(ctx, s.retryAttempts, s.retryBaseDelay, func() error {
		var railErr error
		refundID, railErr = rail.Refund(ctx, p, amount, reason)
		return classify(railErr)
	})
	if err != nil {
		return nil, err
	}

	p.RefundedAmount = money.FromDecimal(
		p.RefundedAmount.Decimal().Add(amount.Decimal()), p.Amount.Currency())
	expect := p.Status
	if p.Remaining().IsZero() {
		p.Status = StatusRefunded
	}
	p.UpdatedAt = s.clk.Now()
	if err := s.store.Update(ctx, p, expect); err != nil {
		return nil, err
	}
	metrics.RefundsTotal.WithLabelValues(string(p.Method)).Inc()

	s.logger.Info("payment refunded",
		"payment_id", p.ID,
		"refund_id", refundID,
		"amount", amount.String(),
		"status", p.Status,
	)
	res := s.result(p)
	res.ExternalID = refundID
	return res, nil
}

// GetStatus resolves a payment by id or by rail-side external id.
// Gateway payments still in processing re-query the adapter and
// finalize if the gateway reached a terminal state.
func (s *Service) GetStatus(ctx context.Context, identifier string) (*Payment, error) {
	p, err := s.store.Get(ctx, identifier)
	if err == ErrPaymentNotFound {
		p, err = s.store.GetByExternalID(ctx, identifier)
	}
	if err != nil {
		return nil, err
	}

	if p.Status == StatusProcessing {
		if gw, ok := s.rails[p.Method].(*gatewayRail); ok {
			status, qerr := gw.Query(ctx, p)
			if qerr == nil && status.Terminal() {
				if _, ferr := s.finalizeGateway(ctx, p, status); ferr == nil {
					return s.store.Get(ctx, p.ID)
				}
			}
		}
	}
	return p, nil
}

// ListByOwner returns the owner's recent payments.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// callbackPayload is the body a gateway posts when a session settles.
type callbackPayload struct {
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
	Reference  string `json:"reference"`
}

// HandleGatewayCallback verifies and applies an asynchronous gateway
// notification. The signature covers "timestamp.payload" and stale
// timestamps are rejected to stop replays.
func (s *Service) HandleGatewayCallback(ctx context.Context, payload []byte, signature, timestamp string) (*Result, error) {
	if s.callbackSecret == "" {
		return nil, fmt.Errorf("%w: callbacks not configured", ErrInvalidCallback)
	}
	if !gateway.VerifySignature(s.callbackSecret, payload, signature, timestamp, s.callbackMaxSkew, s.clk.Now()) {
		return nil, fmt.Errorf("%w: bad signature or stale timestamp", ErrInvalidCallback)
	}

	var cb callbackPayload
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if cb.ExternalID == "" {
		return nil, fmt.Errorf("%w: missing external id", ErrInvalidCallback)
	}

	p, err := s.store.GetByExternalID(ctx, cb.ExternalID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusProcessing {
		// Deliveries can repeat; an already-final payment is not an error.
		return s.result(p), nil
	}

	status := gateway.Status(cb.Status)
	if !status.Terminal() {
		return s.result(p), nil
	}
	return s.finalizeGateway(ctx, p, status)
}

// finalizeGateway applies a terminal gateway status to a processing payment.
func (s *Service) finalizeGateway(ctx context.Context, p *Payment, status gateway.Status) (*Result, error) {
	switch status {
	case gateway.StatusSucceeded:
		p.Status = StatusCompleted
		p.CompletedAt = s.clk.Now()
		p.UpdatedAt = p.CompletedAt
		if err := s.store.Update(ctx, p, StatusProcessing); err != nil {
			return nil, err
		}
		metrics.PaymentsTotal.WithLabelValues(string(p.Method), string(StatusCompleted)).Inc()
		s.logger.Info("gateway payment completed", "payment_id", p.ID, "external_id", p.ExternalID)
		return s.result(p), nil
	case gateway.StatusFailed:
		if err := s.fail(ctx, p, gateway.ErrDeclined); err != nil {
			return nil, err
		}
		metrics.PaymentsTotal.WithLabelValues(string(p.Method), string(StatusFailed)).Inc()
		return s.result(p), nil
	default:
		return s.result(p), nil
	}
}

// Reconcile finds payments stuck in processing past the grace period
// and resolves them: gateway payments are re-queried and finalized,
// stale credit holds are released and the payment failed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	cutoff := s.clk.Now().Add(-s.gracePeriod)
	stuck, err := s.store.ListStuckProcessing(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, p := range stuck {
		outcome, err := s.reconcileOne(ctx, p)
		if err != nil {
			s.logger.Warn("reconcile failed", "payment_id", p.ID, "error", err)
			continue
		}
		metrics.ReconciledPaymentsTotal.WithLabelValues(outcome).Inc()
		resolved++
	}
	return resolved, nil
}

func (s *Service) reconcileOne(ctx context.Context, p *Payment) (string, error) {
	rail := s.rails[p.Method]
	if rail == nil {
		return "", ErrInvalidMethod
	}

	if gw, ok := rail.(*gatewayRail); ok {
		status, err := gw.Query(ctx, p)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			if _, err := s.finalizeGateway(ctx, p, status); err != nil {
				return "", err
			}
			if status == gateway.StatusSucceeded {
				return "completed", nil
			}
			return "failed", nil
		}
		// Still open at the gateway after the grace period: give up and
		// release the customer.
		if err := s.fail(ctx, p, fmt.Errorf("gateway session stale after %s", s.gracePeriod)); err != nil {
			return "", err
		}
		return "expired", nil
	}

	// Credit payments stuck in processing hold an authorization that
	// will never settle. Release it and fail the payment.
	if err := rail.Abort(ctx, p, "reconcile: processing past grace period"); err != nil {
		return "", err
	}
	if err := s.fail(ctx, p, fmt.Errorf("authorization stale after %s", s.gracePeriod)); err != nil {
		return "", err
	}
	return "aborted", nil
}

func (s *Service) result(p *Payment) *Result {
	return &Result{
		PaymentID:    p.ID,
		Status:       p.Status,
		ExternalID:   p.ExternalID,
		ErrorCode:    p.ErrorCode,
		ErrorMessage: p.ErrorMessage,
	}
}

func ruleFor(m Method) money.Rule {
	switch m {
	case MethodCredit:
		return money.CreditRule
	case MethodGateway, MethodSimulator:
		return money.GatewayRule
	default:
		return money.WalletRule
	}
}

// classify wraps rail errors for the retry loop: concurrency conflicts
// and transient gateway faults retry, business failures do not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, wallet.ErrLockTimeout),
		errors.Is(err, wallet.ErrVersionConflict),
		errors.Is(err, credit.ErrLockTimeout),
		errors.Is(err, credit.ErrVersionConflict),
		gateway.IsTransient(err):
		return err
	}
	return retry.Permanent(err)
}

// ErrorCode maps a rail error onto the stable code persisted with the
// payment and surfaced to API clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, credit.ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, wallet.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, wallet.ErrWalletInactive):
		return "wallet_inactive"
	case errors.Is(err, credit.ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, credit.ErrAccountNotFound),
		errors.Is(err, ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, credit.ErrAlreadyProcessed),
		errors.Is(err, ErrStaleTransition),
		errors.Is(err, wallet.ErrInvalidTransition),
		errors.Is(err, credit.ErrInvalidTransition):
		return "invalid_state"
	case errors.Is(err, wallet.ErrLockTimeout),
		errors.Is(err, wallet.ErrVersionConflict),
		errors.Is(err, credit.ErrLockTimeout),
		errors.Is(err, credit.ErrVersionConflict):
		return "concurrency_conflict"
	case errors.Is(err, gateway.ErrDeclined):
		return "gateway_declined"
	case gateway.IsTransient(err):
		return "gateway_error"
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrAmountOutOfRange),
		errors.Is(err, money.ErrPrecision),
		errors.Is(err, money.ErrCurrencyMismatch):
		return "validation_error"
	}
	return "internal_error"
}
