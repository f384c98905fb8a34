//go:build integration

package payment

import (
	"context"
	"errors"
	"testing"
	"time"

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

func seedPayment(t *testing.T, store *PostgresStore, owner string, status Status) *Payment {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	pay := &Payment{
		ID:             idgen.WithPrefix("pay_"),
		OwnerID:        owner,
		Method:         MethodWallet,
		Amount:         mustUSD(t, "320.00"),
		RefundedAmount: money.Zero(money.USD),
		Status:         status,
		Description:    "load booking bk-2001",
		Metadata:       map[string]string{"bookingId": "bk-2001", "lane": "ORD-DFW"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Create(context.Background(), pay); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return pay
}

func TestPostgresPayment_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	pay := seedPayment(t, store, "shipper-20", StatusPending)

	got, err := store.Get(ctx, pay.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Amount.String() != "320.00" {
		t.Errorf("Amount = %s, want 320.00", got.Amount)
	}
	if got.Method != MethodWallet || got.Status != StatusPending {
		t.Errorf("got method=%s status=%s", got.Method, got.Status)
	}
	if got.Metadata["bookingId"] != "bk-2001" || got.Metadata["lane"] != "ORD-DFW" {
		t.Errorf("metadata did not round-trip: %v", got.Metadata)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("CompletedAt = %v, want zero", got.CompletedAt)
	}
}

func TestPostgresPayment_NotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	if _, err := store.Get(context.Background(), "pay_missing"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := store.GetByExternalID(context.Background(), "cs_missing"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestPostgresPayment_GetByExternalID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	pay := seedPayment(t, store, "shipper-21", StatusProcessing)
	pay.ExternalID = "cs_test_9f8e7d"
	pay.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, pay, StatusProcessing); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.GetByExternalID(ctx, "cs_test_9f8e7d")
	if err != nil {
		t.Fatalf("GetByExternalID failed: %v", err)
	}
	if got.ID != pay.ID {
		t.Errorf("GetByExternalID returned %s, want %s", got.ID, pay.ID)
	}
}

func TestPostgresPayment_UpdateStatusPredicate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	pay := seedPayment(t, store, "shipper-22", StatusProcessing)
	now := time.Now().UTC().Truncate(time.Microsecond)

	pay.Status = StatusCompleted
	pay.UpdatedAt = now
	pay.CompletedAt = now
	if err := store.Update(ctx, pay, StatusProcessing); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, pay.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not persisted")
	}

	// The row is no longer processing, so the stale writer loses.
	pay.Status = StatusFailed
	pay.ErrorCode = "gateway_timeout"
	if err := store.Update(ctx, pay, StatusProcessing); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
}

func TestPostgresPayment_ListByOwner(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedPayment(t, store, "shipper-23", StatusCompleted)
	}
	seedPayment(t, store, "shipper-24", StatusCompleted)

	got, err := store.ListByOwner(ctx, "shipper-23", 10)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d payments, want 3", len(got))
	}
	for _, p := range got {
		if p.OwnerID != "shipper-23" {
			t.Errorf("payment %s has owner %s", p.ID, p.OwnerID)
		}
	}
}

func TestPostgresPayment_ListStuckProcessing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	stuck := seedPayment(t, store, "shipper-25", StatusProcessing)
	old := time.Now().UTC().Add(-time.Hour)
	if _, err := db.ExecContext(ctx,
		`UPDATE payments SET updated_at = $1 WHERE id = $2`, old, stuck.ID); err != nil {
		t.Fatalf("backdating failed: %v", err)
	}

	seedPayment(t, store, "shipper-25", StatusProcessing)
	seedPayment(t, store, "shipper-25", StatusCompleted)

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	got, err := store.ListStuckProcessing(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListStuckProcessing failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != stuck.ID {
		t.Fatalf("expected only the backdated payment, got %d rows", len(got))
	}
}
