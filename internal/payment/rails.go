package payment

import (
	"context"
	"fmt"

	"github.com/freightdesk/paycore/internal/credit"
	"github.com/freightdesk/paycore/internal/gateway"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/wallet"
)

// WalletLedger is what the orchestrator needs from the wallet service.
type WalletLedger interface {
	GetByOwner(ctx context.Context, ownerID string) (*wallet.Wallet, error)
	Debit(ctx context.Context, walletID string, amount money.Money, reference, description string) (*wallet.Transaction, error)
	Credit(ctx context.Context, walletID string, amount money.Money, reference, description string) (*wallet.Transaction, error)
}

// CreditLedger is what the orchestrator needs from the credit service.
type CreditLedger interface {
	GetByOwner(ctx context.Context, ownerID string) (*credit.Account, error)
	GetByReference(ctx context.Context, accountID, reference string, txType credit.TxType) (*credit.Transaction, error)
	Authorize(ctx context.Context, accountID string, amount money.Money, reference, description string) (*credit.Transaction, error)
	Settle(ctx context.Context, transactionID string, settleAmount money.Money) (*credit.Transaction, error)
	CancelAuthorization(ctx context.Context, transactionID, reason string) error
	Refund(ctx context.Context, transactionID string, amount money.Money, reason string) (*credit.Transaction, error)
}

// railResult is what a rail reports back after authorizing a payment.
type railResult struct {
	externalID string
	status     Status
	response   string
}

// railHandler is the capability a payment method must provide. Each
// rail owns the mapping between the orchestrator lifecycle and its
// ledger or gateway primitives.
type railHandler interface {
	// Authorize moves a pending payment onto the rail. Wallet payments
	// complete synchronously; credit and gateway payments come back
	// processing and are finalized later.
	Authorize(ctx context.Context, p *Payment) (railResult, error)
	// Complete finalizes a processing payment after the rail's
	// asynchronous step succeeded.
	Complete(ctx context.Context, p *Payment) error
	// Refund returns funds on the rail and reports the rail-side id of
	// the refund.
	Refund(ctx context.Context, p *Payment, amount money.Money, reason string) (string, error)
	// Abort releases rail-side holds for a payment that will be failed.
	Abort(ctx context.Context, p *Payment, reason string) error
}

// walletRail pays from the owner's prepaid wallet balance.
type walletRail struct {
	wallets WalletLedger
}

func (r *walletRail) Authorize(ctx context.Context, p *Payment) (railResult, error) {
	w, err := r.wallets.GetByOwner(ctx, p.OwnerID)
	if err != nil {
		return railResult{}, err
	}
	tx, err := r.wallets.Debit(ctx, w.ID, p.Amount, p.ID, p.Description)
	if err != nil {
		return railResult{}, err
	}
	return railResult{externalID: tx.ID, status: StatusCompleted}, nil
}

func (r *walletRail) Complete(ctx context.Context, p *Payment) error {
	// Wallet debits settle synchronously in Authorize.
	return nil
}

func (r *walletRail) Refund(ctx context.Context, p *Payment, amount money.Money, reason string) (string, error) {
	w, err := r.wallets.GetByOwner(ctx, p.OwnerID)
	if err != nil {
		return "", err
	}
	// The cumulative refunded amount keys the credit, so a retried
	// refund step lands on the same ledger row.
	cumulative := p.RefundedAmount.Decimal().Add(amount.Decimal())
	ref := fmt.Sprintf("%s:refund:%s", p.ID, cumulative.StringFixed(2))
	tx, err := r.wallets.Credit(ctx, w.ID, amount, ref, reason)
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

func (r *walletRail) Abort(ctx context.Context, p *Payment, reason string) error {
	// Nothing held: wallet payments either completed or never debited.
	return nil
}

// creditRail pays against the owner's credit line: an authorization
// hold first, settled on completion.
type creditRail struct {
	accounts CreditLedger
}

func (r *creditRail) Authorize(ctx context.Context, p *Payment) (railResult, error) {
	a, err := r.accounts.GetByOwner(ctx, p.OwnerID)
	if err != nil {
		return railResult{}, err
	}
	tx, err := r.accounts.Authorize(ctx, a.ID, p.Amount, p.ID, p.Description)
	if err != nil {
		return railResult{}, err
	}
	return railResult{externalID: tx.ID, status: StatusProcessing}, nil
}

func (r *creditRail) Complete(ctx context.Context, p *Payment) error {
	charge, err := r.accounts.Settle(ctx, p.ExternalID, money.Money{})
	if err == credit.ErrAlreadyProcessed {
		// A crashed earlier attempt settled the hold. The charge it
		// wrote carries the payment id as its reference; recover it so
		// refunds still find a charge and not the spent hold.
		a, gerr := r.accounts.GetByOwner(ctx, p.OwnerID)
		if gerr != nil {
			return gerr
		}
		charge, gerr = r.accounts.GetByReference(ctx, a.ID, p.ID, credit.TxCharge)
		if gerr != nil {
			// No charge either: the hold reached a terminal state some
			// other way (cancelled), so completing is genuinely stale.
			return err
		}
	} else if err != nil {
		return err
	}
	// From here on refunds target the charge, not the spent hold.
	p.ExternalID = charge.ID
	return nil
}

func (r *creditRail) Refund(ctx context.Context, p *Payment, amount money.Money, reason string) (string, error) {
	tx, err := r.accounts.Refund(ctx, p.ExternalID, amount, reason)
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

func (r *creditRail) Abort(ctx context.Context, p *Payment, reason string) error {
	err := r.accounts.CancelAuthorization(ctx, p.ExternalID, reason)
	if err == credit.ErrAlreadyProcessed || err == credit.ErrTransactionNotFound {
		return nil
	}
	return err
}

// gatewayRail delegates to an external payment gateway through the
// opaque adapter interface. The simulator method is a gatewayRail over
// the in-memory simulator adapter.
type gatewayRail struct {
	adapter gateway.Adapter
}

func (r *gatewayRail) Authorize(ctx context.Context, p *Payment) (railResult, error) {
	session, err := r.adapter.Initialize(ctx, gateway.Request{
		PaymentID:   p.ID,
		OwnerID:     p.OwnerID,
		Amount:      p.Amount,
		Description: p.Description,
		Metadata:    p.Metadata,
	})
	if err != nil {
		return railResult{}, err
	}

	status := StatusProcessing
	if session.Status == gateway.StatusSucceeded {
		status = StatusCompleted
	}
	return railResult{
		externalID: session.ExternalID,
		status:     status,
		response:   session.RedirectRef,
	}, nil
}

func (r *gatewayRail) Complete(ctx context.Context, p *Payment) error {
	// The money moved at the gateway; nothing settles locally.
	return nil
}

func (r *gatewayRail) Refund(ctx context.Context, p *Payment, amount money.Money, reason string) (string, error) {
	return r.adapter.Refund(ctx, p.ExternalID, amount)
}

func (r *gatewayRail) Abort(ctx context.Context, p *Payment, reason string) error {
	return nil
}

// Query asks the gateway for the session's current status. Used by
// GetStatus and the reconcile sweep to finalize processing payments.
func (r *gatewayRail) Query(ctx context.Context, p *Payment) (gateway.Status, error) {
	return r.adapter.GetStatus(ctx, p.ExternalID)
}
