package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freightdesk/paycore/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	meta, err := json.Marshal(pay.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payments
			(id, owner_id, method, currency, amount, refunded_amount, status,
			 external_id, gateway_response, error_code, error_message,
			 description, metadata, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7,
			NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''),
			$12, $13, $14, $15,
			NULLIF($16, '0001-01-01T00:00:00Z'::TIMESTAMPTZ))
	`, pay.ID, pay.OwnerID, string(pay.Method), string(pay.Amount.Currency()),
		pay.Amount.Decimal().String(), pay.RefundedAmount.Decimal().String(),
		string(pay.Status), pay.ExternalID, pay.GatewayResponse,
		pay.ErrorCode, pay.ErrorMessage, pay.Description, meta,
		pay.CreatedAt, pay.UpdatedAt, pay.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, owner_id, method, currency, amount, refunded_amount,
	status, COALESCE(external_id, ''), COALESCE(gateway_response, ''),
	COALESCE(error_code, ''), COALESCE(error_message, ''),
	COALESCE(description, ''), metadata, created_at, updated_at,
	COALESCE(completed_at, '0001-01-01T00:00:00Z'::TIMESTAMPTZ)`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_id = $1`, externalID)
	return scanPayment(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		pay                      Payment
		method, status, currency string
		amount, refunded         string
		meta                     []byte
	)
	err := row.Scan(&pay.ID, &pay.OwnerID, &method, &currency, &amount, &refunded,
		&status, &pay.ExternalID, &pay.GatewayResponse,
		&pay.ErrorCode, &pay.ErrorMessage, &pay.Description, &meta,
		&pay.CreatedAt, &pay.UpdatedAt, &pay.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	cur, err := money.ParseCurrency(currency)
	if err != nil {
		return nil, err
	}
	pay.Method = Method(method)
	pay.Status = Status(status)
	if pay.Amount, err = parseMoney(amount, cur); err != nil {
		return nil, err
	}
	if pay.RefundedAmount, err = parseMoney(refunded, cur); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &pay.Metadata); err != nil {
			return nil, fmt.Errorf("bad metadata for payment %s: %w", pay.ID, err)
		}
	}
	return &pay, nil
}

func parseMoney(s string, cur money.Currency) (money.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return money.Money{}, fmt.Errorf("bad numeric %q: %w", s, err)
	}
	return money.FromDecimal(d, cur), nil
}

// Update persists the payment's mutable fields with a status predicate:
// zero rows means the row moved on and the transition is stale.
func (p *PostgresStore) Update(ctx context.Context, pay *Payment, expect Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			refunded_amount = $1::NUMERIC(20,2),
			status = $2,
			external_id = NULLIF($3, ''),
			gateway_response = NULLIF($4, ''),
			error_code = NULLIF($5, ''),
			error_message = NULLIF($6, ''),
			updated_at = $7,
			completed_at = NULLIF($8, '0001-01-01T00:00:00Z'::TIMESTAMPTZ)
		WHERE id = $9 AND status = $10
	`, pay.RefundedAmount.Decimal().String(), string(pay.Status),
		pay.ExternalID, pay.GatewayResponse, pay.ErrorCode, pay.ErrorMessage,
		pay.UpdatedAt, pay.CompletedAt, pay.ID, string(expect))
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", pay.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPayments(rows)
}

func (p *PostgresStore) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPayments(rows)
}

func collectPayments(rows *sql.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}
