package wallet

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/pagination"
)

func usd(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.New(s, money.USD)
	require.NoError(t, err)
	return m
}

func newTestService(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := NewService(NewMemoryStore(), WithClock(clk))
	return svc, clk
}

func openWallet(t *testing.T, svc *Service, owner string, limits Limits) *Wallet {
	t.Helper()
	w, err := svc.CreateWallet(context.Background(), owner, money.USD, limits)
	require.NoError(t, err)
	return w
}

func noLimits() Limits {
	return Limits{
		Daily:               money.Zero(money.USD),
		Monthly:             money.Zero(money.USD),
		LowBalanceThreshold: money.Zero(money.USD),
	}
}

func TestCreateWalletDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	openWallet(t, svc, "shipper-1", noLimits())

	_, err := svc.CreateWallet(context.Background(), "shipper-1", money.USD, noLimits())
	assert.ErrorIs(t, err, ErrDuplicateWallet)
}

func TestCreateWalletAfterClose(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	old := openWallet(t, svc, "shipper-1", noLimits())
	require.NoError(t, svc.Close(ctx, old.ID))

	// A closed wallet no longer counts against the one-per-owner rule.
	fresh, err := svc.CreateWallet(ctx, "shipper-1", money.USD, noLimits())
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)

	// The owner lookup resolves to the open wallet; the closed one is
	// still reachable by id.
	got, err := svc.GetByOwner(ctx, "shipper-1")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)

	closed, err := svc.GetWallet(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
}

func TestCreditDebitBalanceSnapshots(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	credit, err := svc.Credit(ctx, w.ID, usd(t, "100.00"), "topup-1", "top up")
	require.NoError(t, err)
	assert.Equal(t, "0.00", credit.BalanceBefore.String())
	assert.Equal(t, "100.00", credit.BalanceAfter.String())

	debit, err := svc.Debit(ctx, w.ID, usd(t, "37.50"), "pay-1", "booking fee")
	require.NoError(t, err)
	assert.Equal(t, "100.00", debit.BalanceBefore.String())
	assert.Equal(t, "62.50", debit.BalanceAfter.String())

	got, err := svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "62.50", got.Balance.String())
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	_, err := svc.Credit(ctx, w.ID, usd(t, "10.00"), "", "")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, w.ID, usd(t, "10.01"), "", "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestDebitIdempotentByReference(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	_, err := svc.Credit(ctx, w.ID, usd(t, "50.00"), "", "")
	require.NoError(t, err)

	first, err := svc.Debit(ctx, w.ID, usd(t, "20.00"), "pay_123", "")
	require.NoError(t, err)
	second, err := svc.Debit(ctx, w.ID, usd(t, "20.00"), "pay_123", "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	got, err := svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", got.Balance.String())
}

func TestDailyLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", Limits{
		Daily:               usd(t, "20.00"),
		Monthly:             money.Zero(money.USD),
		LowBalanceThreshold: money.Zero(money.USD),
	})

	_, err := svc.Credit(ctx, w.ID, usd(t, "10.00"), "", "")
	require.NoError(t, err)

	first, err := svc.Debit(ctx, w.ID, usd(t, "10.00"), "", "")
	require.NoError(t, err)
	assert.Equal(t, "0.00", first.BalanceAfter.String())

	_, err = svc.Debit(ctx, w.ID, usd(t, "15.00"), "", "")
	require.Error(t, err)
	// Either cap applies first; both reject the spend.
	ok := errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrLimitExceeded)
	assert.True(t, ok, "got %v", err)
}

func TestDailyLimitResetsNextDay(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", Limits{
		Daily:               usd(t, "20.00"),
		Monthly:             money.Zero(money.USD),
		LowBalanceThreshold: money.Zero(money.USD),
	})

	_, err := svc.Credit(ctx, w.ID, usd(t, "100.00"), "", "")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, w.ID, usd(t, "20.00"), "", "")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, w.ID, usd(t, "5.00"), "", "")
	require.ErrorIs(t, err, ErrLimitExceeded)

	clk.Advance(24 * time.Hour)
	_, err = svc.Debit(ctx, w.ID, usd(t, "5.00"), "", "")
	assert.NoError(t, err)
}

func TestDailyLimitWindowEndsAtNow(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", Limits{
		Daily:               usd(t, "100.00"),
		Monthly:             money.Zero(money.USD),
		LowBalanceThreshold: money.Zero(money.USD),
	})

	_, err := svc.Credit(ctx, w.ID, usd(t, "200.00"), "", "")
	require.NoError(t, err)

	// A row stamped after the check time stays out of the window.
	at := clk.Now()
	clk.Advance(time.Second)
	_, err = svc.Debit(ctx, w.ID, usd(t, "60.00"), "", "")
	require.NoError(t, err)

	clk.Set(at)
	_, err = svc.Debit(ctx, w.ID, usd(t, "50.00"), "", "")
	require.NoError(t, err)

	// A row stamped exactly at the check time still counts.
	_, err = svc.Debit(ctx, w.ID, usd(t, "51.00"), "", "")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestReserveRelease(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	_, err := svc.Credit(ctx, w.ID, usd(t, "100.00"), "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Reserve(ctx, w.ID, usd(t, "60.00"), "pay_1"))

	got, err := svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Balance.String())
	assert.Equal(t, "60.00", got.Reserved.String())
	assert.Equal(t, "40.00", got.Available().String())

	// Reserved funds are not spendable.
	_, err = svc.Debit(ctx, w.ID, usd(t, "50.00"), "", "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	err = svc.Release(ctx, w.ID, usd(t, "70.00"), "pay_1")
	assert.ErrorIs(t, err, ErrInsufficientReserve)

	require.NoError(t, svc.Release(ctx, w.ID, usd(t, "60.00"), "pay_1"))
	_, err = svc.Debit(ctx, w.ID, usd(t, "50.00"), "", "")
	assert.NoError(t, err)
}

func TestTransferAtomicLegs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	src := openWallet(t, svc, "shipper-1", noLimits())
	dst := openWallet(t, svc, "carrier-1", noLimits())

	_, err := svc.Credit(ctx, src.ID, usd(t, "80.00"), "", "")
	require.NoError(t, err)

	out, in, err := svc.Transfer(ctx, src.ID, dst.ID, usd(t, "30.00"), "job-9", "load payment")
	require.NoError(t, err)

	assert.Equal(t, out.TransferGroup, in.TransferGroup)
	assert.Equal(t, dst.ID, out.CounterpartyID)
	assert.Equal(t, src.ID, in.CounterpartyID)

	s, err := svc.GetWallet(ctx, src.ID)
	require.NoError(t, err)
	d, err := svc.GetWallet(ctx, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", s.Balance.String())
	assert.Equal(t, "30.00", d.Balance.String())
}

func TestTransferBetweenWalletsOnSharedLockShard(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := NewService(NewMemoryStore(), WithClock(clk),
		WithLockTimeout(200*time.Millisecond))
	ctx := context.Background()

	shard := func(id string) uint32 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		return h.Sum32() % 256
	}

	// Ids are random, so open wallets until two land on the same lock
	// shard. 257 attempts guarantee a collision.
	seen := make(map[uint32]*Wallet)
	var src, dst *Wallet
	for i := 0; src == nil; i++ {
		require.Less(t, i, 300, "no shard collision found")
		w := openWallet(t, svc, "owner-"+strconv.Itoa(i), noLimits())
		if prev, ok := seen[shard(w.ID)]; ok {
			src, dst = prev, w
		}
		seen[shard(w.ID)] = w
	}

	_, err := svc.Credit(ctx, src.ID, usd(t, "80.00"), "", "")
	require.NoError(t, err)

	// Both locks resolve to the same shard; the transfer must still
	// acquire it and complete rather than time out on itself.
	_, _, err = svc.Transfer(ctx, src.ID, dst.ID, usd(t, "30.00"), "", "")
	require.NoError(t, err)

	d, err := svc.GetWallet(ctx, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", d.Balance.String())
}

func TestTransferSameWallet(t *testing.T) {
	svc, _ := newTestService(t)
	w := openWallet(t, svc, "shipper-1", noLimits())

	_, _, err := svc.Transfer(context.Background(), w.ID, w.ID, usd(t, "5.00"), "", "")
	assert.ErrorIs(t, err, ErrSameWalletTransfer)
}

func TestTransferInactiveDestination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	src := openWallet(t, svc, "shipper-1", noLimits())
	dst := openWallet(t, svc, "carrier-1", noLimits())

	_, err := svc.Credit(ctx, src.ID, usd(t, "80.00"), "", "")
	require.NoError(t, err)
	require.NoError(t, svc.Freeze(ctx, dst.ID))

	_, _, err = svc.Transfer(ctx, src.ID, dst.ID, usd(t, "30.00"), "", "")
	assert.ErrorIs(t, err, ErrWalletInactive)

	s, err := svc.GetWallet(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "80.00", s.Balance.String())
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	_, err := svc.Credit(ctx, w.ID, usd(t, "100.00"), "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, w.ID, usd(t, "10.00"), "", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 10, succeeded)

	got, err := svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", got.Balance.String())
	assert.NoError(t, svc.Audit(ctx, w.ID))
}

func TestReverseDebit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	_, err := svc.Credit(ctx, w.ID, usd(t, "100.00"), "", "")
	require.NoError(t, err)
	debit, err := svc.Debit(ctx, w.ID, usd(t, "40.00"), "pay_7", "")
	require.NoError(t, err)

	rev, err := svc.Reverse(ctx, debit.ID, "gateway declined")
	require.NoError(t, err)
	assert.Equal(t, debit.ID, rev.ReversalOf)

	got, err := svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Balance.String())

	// Already-reversed rows cannot be reversed twice.
	_, err = svc.Reverse(ctx, debit.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyReversed)

	// The log still derives the stored balance.
	assert.NoError(t, svc.Audit(ctx, w.ID))
}

func TestStatusTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	_, err := svc.Credit(ctx, w.ID, usd(t, "10.00"), "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Freeze(ctx, w.ID))
	_, err = svc.Debit(ctx, w.ID, usd(t, "5.00"), "", "")
	assert.ErrorIs(t, err, ErrWalletInactive)

	// Frozen blocks spending but still accepts incoming funds.
	_, err = svc.Credit(ctx, w.ID, usd(t, "5.00"), "", "")
	assert.NoError(t, err)

	require.NoError(t, svc.Unfreeze(ctx, w.ID))

	err = svc.Close(ctx, w.ID)
	assert.ErrorIs(t, err, ErrNonZeroBalance)

	_, err = svc.Debit(ctx, w.ID, usd(t, "15.00"), "", "")
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx, w.ID))

	err = svc.Unfreeze(ctx, w.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestHistoryNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	_, err := svc.Credit(ctx, w.ID, usd(t, "10.00"), "a", "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, w.ID, usd(t, "20.00"), "b", "")
	require.NoError(t, err)

	txs, err := svc.History(ctx, w.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "b", txs[0].Reference)
	assert.Equal(t, "a", txs[1].Reference)
}

func TestHistoryCursorPaging(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	w := openWallet(t, svc, "shipper-1", noLimits())

	for _, ref := range []string{"a", "b", "c", "d"} {
		_, err := svc.Credit(ctx, w.ID, usd(t, "10.00"), ref, "")
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	page1, err := svc.History(ctx, w.ID, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "d", page1[0].Reference)
	assert.Equal(t, "c", page1[1].Reference)

	cursor := pagination.Encode(page1[1].CreatedAt, page1[1].ID)
	page2, err := svc.History(ctx, w.ID, 2, WithCursor(cursor))
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "b", page2[0].Reference)
	assert.Equal(t, "a", page2[1].Reference)

	// A garbage cursor is ignored and listing starts from the top.
	top, err := svc.History(ctx, w.ID, 1, WithCursor("not-a-cursor"))
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "d", top[0].Reference)
}
