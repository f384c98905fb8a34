package gateway

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/freightdesk/paycore/internal/money"
)

// StripeAdapter implements Adapter on Stripe PaymentIntents.
type StripeAdapter struct {
	api *client.API
}

// NewStripeAdapter creates a Stripe-backed gateway adapter.
func NewStripeAdapter(apiKey string) *StripeAdapter {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeAdapter{api: api}
}

func (a *StripeAdapter) Name() string { return "stripe" }

// Initialize creates a PaymentIntent for the requested amount. The
// payment id doubles as the Stripe idempotency key so a retried call
// cannot double-charge.
func (a *StripeAdapter) Initialize(ctx context.Context, req Request) (*Session, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.PaymentID),
		},
		Amount:      stripe.Int64(req.Amount.MinorUnits()),
		Currency:    stripe.String(strings.ToLower(string(req.Amount.Currency()))),
		Description: stripe.String(req.Description),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("owner_id", req.OwnerID)

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeErr("initialize", err)
	}

	sess := &Session{
		ExternalID: intent.ID,
		Status:     mapIntentStatus(intent.Status),
	}
	if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		sess.RedirectRef = intent.NextAction.RedirectToURL.URL
	}
	return sess, nil
}

// GetStatus fetches the current PaymentIntent status.
func (a *StripeAdapter) GetStatus(ctx context.Context, externalID string) (Status, error) {
	intent, err := a.api.PaymentIntents.Get(externalID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", mapStripeErr("get_status", err)
	}
	return mapIntentStatus(intent.Status), nil
}

// Refund refunds part or all of a succeeded PaymentIntent.
func (a *StripeAdapter) Refund(ctx context.Context, externalID string, amount money.Money) (string, error) {
	ref, err := a.api.Refunds.New(&stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(externalID),
		Amount:        stripe.Int64(amount.MinorUnits()),
	})
	if err != nil {
		return "", mapStripeErr("refund", err)
	}
	return ref.ID, nil
}

func mapIntentStatus(s stripe.PaymentIntentStatus) Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		// requires_payment_method, requires_confirmation, requires_action,
		// processing: the charge is still in flight.
		return StatusInitiated
	}
}

// mapStripeErr sorts Stripe failures into declines vs transient errors.
func mapStripeErr(op string, err error) error {
	var se *stripe.Error
	if stripeErr, ok := err.(*stripe.Error); ok {
		se = stripeErr
	}
	if se != nil {
		switch se.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return ErrDeclined
		}
	}
	return &TransientError{Op: op, Err: err}
}
