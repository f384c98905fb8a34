package gateway

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/money"
)

func TestSimulator_ChargeLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sim := NewSimulator(10*time.Second, 0, clk)

	sess, err := sim.Initialize(ctx, Request{
		PaymentID: "pay_1",
		OwnerID:   "owner_1",
		Amount:    money.MustNew("25.00", money.USD),
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ExternalID)
	assert.Equal(t, StatusInitiated, sess.Status)

	// Not settled yet.
	status, err := sim.GetStatus(ctx, sess.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, status)

	// After the settle delay the charge succeeds.
	clk.Advance(11 * time.Second)
	status, err = sim.GetStatus(ctx, sess.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)
}

func TestSimulator_RejectsBadCharges(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(0, 0, nil)

	_, err := sim.Initialize(ctx, Request{Amount: money.Zero(money.USD)})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = sim.GetStatus(ctx, "sim_missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// FailRate 1.0 declines every charge.
	failing := NewSimulator(0, 1.0, nil)
	_, err = failing.Initialize(ctx, Request{Amount: money.MustNew("5.00", money.USD)})
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestSimulator_Refunds(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	sim := NewSimulator(0, 0, clk)

	sess, err := sim.Initialize(ctx, Request{
		PaymentID: "pay_2",
		Amount:    money.MustNew("50.00", money.USD),
	})
	require.NoError(t, err)

	// Refund before settlement is rejected.
	_, err = sim.Refund(ctx, sess.ExternalID, money.MustNew("10.00", money.USD))
	assert.ErrorIs(t, err, ErrNotRefundable)

	_, err = sim.GetStatus(ctx, sess.ExternalID) // settles (zero delay)
	require.NoError(t, err)

	// Partial refund keeps the charge succeeded.
	refundID, err := sim.Refund(ctx, sess.ExternalID, money.MustNew("30.00", money.USD))
	require.NoError(t, err)
	assert.NotEmpty(t, refundID)

	status, _ := sim.GetStatus(ctx, sess.ExternalID)
	assert.Equal(t, StatusSucceeded, status)

	// Over-refund of the remainder is rejected.
	_, err = sim.Refund(ctx, sess.ExternalID, money.MustNew("30.00", money.USD))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Refunding exactly the remainder flips to refunded.
	_, err = sim.Refund(ctx, sess.ExternalID, money.MustNew("20.00", money.USD))
	require.NoError(t, err)
	status, _ = sim.GetStatus(ctx, sess.ExternalID)
	assert.Equal(t, StatusRefunded, status)
}

func TestSimulator_ForcedFailure(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(time.Hour, 0, clock.NewFake(time.Now()))

	sess, err := sim.Initialize(ctx, Request{Amount: money.MustNew("5.00", money.USD)})
	require.NoError(t, err)

	require.True(t, sim.Fail(sess.ExternalID))
	status, err := sim.GetStatus(ctx, sess.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	// Terminal charges can't be failed again.
	assert.False(t, sim.Fail(sess.ExternalID))
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"external_id":"sim_abc","status":"succeeded"}`)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sig := SignPayload(secret, payload, now.Unix())

	ok := VerifySignature(secret, payload, sig, formatUnix(now.Unix()), 5*time.Minute, now)
	assert.True(t, ok)

	// Wrong secret.
	assert.False(t, VerifySignature("other", payload, sig, formatUnix(now.Unix()), 5*time.Minute, now))

	// Tampered payload.
	assert.False(t, VerifySignature(secret, []byte(`{}`), sig, formatUnix(now.Unix()), 5*time.Minute, now))

	// Stale timestamp outside the skew window.
	old := now.Add(-10 * time.Minute)
	oldSig := SignPayload(secret, payload, old.Unix())
	assert.False(t, VerifySignature(secret, payload, oldSig, formatUnix(old.Unix()), 5*time.Minute, now))

	// Garbage timestamp.
	assert.False(t, VerifySignature(secret, payload, sig, "not-a-number", 5*time.Minute, now))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInitiated.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRefunded.Terminal())
}

func formatUnix(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
