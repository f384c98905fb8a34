package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/idgen"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/wallet"
)

type fixture struct {
	svc     *Service
	wallets *wallet.Service
	store   wallet.Store
	clk     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := wallet.NewMemoryStore()
	wallets := wallet.NewService(store, wallet.WithClock(clk))
	svc := NewService(wallets, store, WithClock(clk))
	return &fixture{svc: svc, wallets: wallets, store: store, clk: clk}
}

func (f *fixture) openFunded(t *testing.T, owner, amount string) *wallet.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := f.wallets.CreateWallet(ctx, owner, money.USD, wallet.Limits{
		Daily:               money.Zero(money.USD),
		Monthly:             money.Zero(money.USD),
		LowBalanceThreshold: money.Zero(money.USD),
	})
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, w.ID, money.MustNew(amount, money.USD), "topup-"+owner, "top up")
	require.NoError(t, err)
	return w
}

func TestAuditAllClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.openFunded(t, "shipper-1", "100.00")
	b := f.openFunded(t, "carrier-1", "50.00")
	_, _, err := f.wallets.Transfer(ctx, a.ID, b.ID, money.MustNew("25.00", money.USD), "bk-1", "booking")
	require.NoError(t, err)

	res, err := f.svc.AuditAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.WalletsChecked)
	assert.Zero(t, res.Mismatches)
	assert.Empty(t, res.MismatchedWallets)
}

func TestAuditAllFlagsTamperedBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.openFunded(t, "shipper-1", "100.00")

	// Bump the stored balance without a matching ledger row.
	stored, err := f.store.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	stored.Balance = money.MustNew("150.00", money.USD)
	require.NoError(t, f.store.Apply(ctx, []*wallet.Wallet{stored}, nil))

	res, err := f.svc.AuditAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mismatches)
	assert.Equal(t, []string{w.ID}, res.MismatchedWallets)

	var integrity *wallet.IntegrityError
	err = f.svc.AuditWallet(ctx, w.ID)
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, w.ID, integrity.WalletID)
}

// plantDanglingLeg debits a wallet and appends a lone transfer_out row,
// mimicking a crash between a transfer's two legs.
func (f *fixture) plantDanglingLeg(t *testing.T, w *wallet.Wallet, amount string) *wallet.Transaction {
	t.Helper()
	ctx := context.Background()

	stored, err := f.store.GetWallet(ctx, w.ID)
	require.NoError(t, err)

	amt := money.MustNew(amount, money.USD)
	before := stored.Balance
	after, err := stored.Balance.Sub(amt)
	require.NoError(t, err)
	stored.Balance = after

	tx := &wallet.Transaction{
		ID:            idgen.WithPrefix("wtx_"),
		WalletID:      stored.ID,
		TransferGroup: idgen.WithPrefix("trf_"),
		Type:          wallet.TxTransferOut,
		Status:        wallet.TxCompleted,
		Amount:        amt,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     "bk-crash",
		CreatedAt:     f.clk.Now(),
	}
	require.NoError(t, f.store.Apply(ctx, []*wallet.Wallet{stored}, []*wallet.Transaction{tx}))
	return tx
}

func TestRepairTransfersCompensatesLoneLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.openFunded(t, "shipper-1", "100.00")

	f.plantDanglingLeg(t, w, "40.00")
	f.clk.Advance(10 * time.Minute)

	res, err := f.svc.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TransfersRepaired)
	assert.Zero(t, res.Mismatches)

	got, err := f.wallets.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Balance.String())

	// A second pass finds nothing left to repair.
	repaired, err := f.svc.RepairTransfers(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

func TestRepairTransfersHonorsGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.openFunded(t, "shipper-1", "100.00")

	f.plantDanglingLeg(t, w, "40.00")
	f.clk.Advance(2 * time.Minute)

	// Still inside the grace window; could be an in-flight transfer.
	repaired, err := f.svc.RepairTransfers(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)

	f.clk.Advance(5 * time.Minute)
	repaired, err = f.svc.RepairTransfers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
}

func TestRepairSkipsCompletedTransfers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.openFunded(t, "shipper-1", "100.00")
	b := f.openFunded(t, "carrier-1", "10.00")

	_, _, err := f.wallets.Transfer(ctx, a.ID, b.ID, money.MustNew("30.00", money.USD), "bk-1", "booking")
	require.NoError(t, err)
	f.clk.Advance(time.Hour)

	repaired, err := f.svc.RepairTransfers(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}
