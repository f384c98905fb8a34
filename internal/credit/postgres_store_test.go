//go:build integration

package credit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freightdesk/paycore/internal/idgen"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/testutil"
)

func mustUSD(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.New(s, money.USD)
	if err != nil {
		t.Fatalf("bad amount %q: %v", s, err)
	}
	return m
}

func seedAccount(t *testing.T, store *PostgresStore, owner string) *Account {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &Account{
		ID:             idgen.WithPrefix("cra_"),
		OwnerID:        owner,
		Currency:       money.USD,
		CreditLimit:    mustUSD(t, "1000.00"),
		UsedCredit:     money.Zero(money.USD),
		OverdraftLimit: mustUSD(t, "100.00"),
		TermDays:       30,
		MonthlyRate:    decimal.RequireFromString("0.025"),
		Status:         AccountActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return a
}

func TestPostgresCredit_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	a := seedAccount(t, store, "shipper-10")

	got, err := store.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.CreditLimit.String() != "1000.00" {
		t.Errorf("CreditLimit = %s, want 1000.00", got.CreditLimit)
	}
	if !got.MonthlyRate.Equal(decimal.RequireFromString("0.025")) {
		t.Errorf("MonthlyRate = %s, want 0.025", got.MonthlyRate)
	}
	if got.TermDays != 30 {
		t.Errorf("TermDays = %d, want 30", got.TermDays)
	}

	byOwner, err := store.GetByOwner(ctx, "shipper-10")
	if err != nil {
		t.Fatalf("GetByOwner failed: %v", err)
	}
	if byOwner.ID != a.ID {
		t.Errorf("GetByOwner returned %s, want %s", byOwner.ID, a.ID)
	}
}

func TestPostgresCredit_DuplicateOwner(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	seedAccount(t, store, "shipper-11")

	now := time.Now().UTC()
	dup := &Account{
		ID:             idgen.WithPrefix("cra_"),
		OwnerID:        "shipper-11",
		Currency:       money.USD,
		CreditLimit:    mustUSD(t, "500.00"),
		UsedCredit:     money.Zero(money.USD),
		OverdraftLimit: money.Zero(money.USD),
		TermDays:       30,
		MonthlyRate:    decimal.Zero,
		Status:         AccountActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateAccount(context.Background(), dup); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
}

func TestPostgresCredit_NotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.GetAccount(ctx, "cra_missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := store.GetByOwner(ctx, "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := store.GetTransaction(ctx, "ctx_missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgresCredit_SaveVersionConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	a := seedAccount(t, store, "shipper-12")

	fresh, err := store.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	stale, err := store.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}

	fresh.UsedCredit = mustUSD(t, "100.00")
	fresh.UpdatedAt = time.Now().UTC()
	if err := store.Save(ctx, fresh, nil); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	stale.UsedCredit = mustUSD(t, "200.00")
	stale.UpdatedAt = time.Now().UTC()
	if err := store.Save(ctx, stale, nil); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestPostgresCredit_TransactionUpsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	a := seedAccount(t, store, "shipper-13")
	now := time.Now().UTC().Truncate(time.Microsecond)

	hold := &Transaction{
		ID:             idgen.WithPrefix("ctx_"),
		AccountID:      a.ID,
		Type:           TxAuthorization,
		Status:         TxAuthorized,
		Amount:         mustUSD(t, "250.00"),
		SettledAmount:  money.Zero(money.USD),
		RefundedAmount: money.Zero(money.USD),
		Reference:      "bk-1001",
		DueDate:        now.AddDate(0, 0, 30),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	a.UsedCredit = mustUSD(t, "250.00")
	a.UpdatedAt = now
	if err := store.Save(ctx, a, []*Transaction{hold}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.GetTransaction(ctx, hold.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if got.Status != TxAuthorized || got.DueDate.IsZero() {
		t.Fatalf("unexpected row: status=%s due=%v", got.Status, got.DueDate)
	}

	// Upserting the same id transitions the row in place.
	hold.Status = TxSettled
	hold.SettledAmount = mustUSD(t, "250.00")
	hold.UpdatedAt = now.Add(time.Minute)
	if err := store.Save(ctx, a, []*Transaction{hold}); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err = store.GetTransaction(ctx, hold.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if got.Status != TxSettled || got.SettledAmount.String() != "250.00" {
		t.Errorf("upsert did not apply: status=%s settled=%s", got.Status, got.SettledAmount)
	}

	byRef, err := store.GetByReference(ctx, a.ID, "bk-1001", TxAuthorization)
	if err != nil {
		t.Fatalf("GetByReference failed: %v", err)
	}
	if byRef.ID != hold.ID {
		t.Errorf("GetByReference returned %s, want %s", byRef.ID, hold.ID)
	}
}

func TestPostgresCredit_OverdueCandidates(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	a := seedAccount(t, store, "shipper-14")
	now := time.Now().UTC().Truncate(time.Microsecond)

	pastDue := &Transaction{
		ID: idgen.WithPrefix("ctx_"), AccountID: a.ID,
		Type: TxAuthorization, Status: TxAuthorized,
		Amount:        mustUSD(t, "100.00"),
		SettledAmount: money.Zero(money.USD), RefundedAmount: money.Zero(money.USD),
		DueDate: now.AddDate(0, 0, -1), CreatedAt: now, UpdatedAt: now,
	}
	current := &Transaction{
		ID: idgen.WithPrefix("ctx_"), AccountID: a.ID,
		Type: TxAuthorization, Status: TxAuthorized,
		Amount:        mustUSD(t, "100.00"),
		SettledAmount: money.Zero(money.USD), RefundedAmount: money.Zero(money.USD),
		DueDate: now.AddDate(0, 0, 10), CreatedAt: now, UpdatedAt: now,
	}
	settled := &Transaction{
		ID: idgen.WithPrefix("ctx_"), AccountID: a.ID,
		Type: TxAuthorization, Status: TxSettled,
		Amount:        mustUSD(t, "100.00"),
		SettledAmount: mustUSD(t, "100.00"), RefundedAmount: money.Zero(money.USD),
		DueDate: now.AddDate(0, 0, -5), CreatedAt: now, UpdatedAt: now,
	}
	a.UpdatedAt = now
	if err := store.Save(ctx, a, []*Transaction{pastDue, current, settled}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	candidates, err := store.ListOverdueCandidates(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListOverdueCandidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != pastDue.ID {
		t.Fatalf("expected only the past-due hold, got %d rows", len(candidates))
	}
}

func TestPostgresCredit_NullableDueDate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	a := seedAccount(t, store, "shipper-15")
	now := time.Now().UTC().Truncate(time.Microsecond)

	// Payments carry no due date; the zero time maps to NULL and back.
	pay := &Transaction{
		ID: idgen.WithPrefix("ctx_"), AccountID: a.ID,
		Type: TxPayment, Status: TxSettled,
		Amount:        mustUSD(t, "75.00"),
		SettledAmount: mustUSD(t, "75.00"), RefundedAmount: money.Zero(money.USD),
		CreatedAt: now, UpdatedAt: now,
	}
	a.UpdatedAt = now
	if err := store.Save(ctx, a, []*Transaction{pay}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.GetTransaction(ctx, pay.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !got.DueDate.IsZero() {
		t.Errorf("DueDate = %v, want zero", got.DueDate)
	}
}

func TestPostgresCredit_SumByType(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	a := seedAccount(t, store, "shipper-16")
	now := time.Now().UTC().Truncate(time.Microsecond)

	var txs []*Transaction
	for _, amt := range []string{"100.00", "40.00"} {
		txs = append(txs, &Transaction{
			ID: idgen.WithPrefix("ctx_"), AccountID: a.ID,
			Type: TxCharge, Status: TxSettled,
			Amount:        mustUSD(t, amt),
			SettledAmount: mustUSD(t, amt), RefundedAmount: money.Zero(money.USD),
			CreatedAt: now, UpdatedAt: now,
		})
	}
	// A cancelled charge must not count toward the sum.
	txs = append(txs, &Transaction{
		ID: idgen.WithPrefix("ctx_"), AccountID: a.ID,
		Type: TxCharge, Status: TxCancelled,
		Amount:        mustUSD(t, "999.00"),
		SettledAmount: money.Zero(money.USD), RefundedAmount: money.Zero(money.USD),
		CreatedAt: now, UpdatedAt: now,
	})
	a.UpdatedAt = now
	if err := store.Save(ctx, a, txs); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	sum, err := store.SumByType(ctx, a.ID, TxCharge, TxSettled)
	if err != nil {
		t.Fatalf("SumByType failed: %v", err)
	}
	if !sum.Equal(decimal.RequireFromString("140")) {
		t.Errorf("sum = %s, want 140", sum)
	}
}
