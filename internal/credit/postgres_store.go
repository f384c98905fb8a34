package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/freightdesk/paycore/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_accounts
			(id, owner_id, currency, credit_limit, used_credit, overdraft_limit,
			 term_days, monthly_rate, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6::NUMERIC(20,2),
			$7, $8::NUMERIC(8,6), $9, $10, $11, $12)
	`, a.ID, a.OwnerID, string(a.Currency),
		a.CreditLimit.Decimal().String(), a.UsedCredit.Decimal().String(),
		a.OverdraftLimit.Decimal().String(),
		a.TermDays, a.MonthlyRate.String(), string(a.Status),
		a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("failed to create credit account: %w", err)
	}
	return nil
}

const accountColumns = `id, owner_id, currency, credit_limit, used_credit,
	overdraft_limit, term_days, monthly_rate, status, version, created_at, updated_at`

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (p *PostgresStore) GetByOwner(ctx context.Context, ownerID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1`, ownerID)
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                      Account
		currency, status       string
		limit, used, overdraft string
		rate                   string
	)
	err := row.Scan(&a.ID, &a.OwnerID, &currency, &limit, &used, &overdraft,
		&a.TermDays, &rate, &status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	cur, err := money.ParseCurrency(currency)
	if err != nil {
		return nil, err
	}
	a.Currency = cur
	a.Status = AccountStatus(status)
	if a.CreditLimit, err = parseMoney(limit, cur); err != nil {
		return nil, err
	}
	if a.UsedCredit, err = parseMoney(used, cur); err != nil {
		return nil, err
	}
	if a.OverdraftLimit, err = parseMoney(overdraft, cur); err != nil {
		return nil, err
	}
	if a.MonthlyRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("bad monthly rate %q: %w", rate, err)
	}
	return &a, nil
}

func parseMoney(s string, cur money.Currency) (money.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return money.Money{}, fmt.Errorf("bad numeric %q: %w", s, err)
	}
	return money.FromDecimal(d, cur), nil
}

// Save updates the account under an optimistic version check and
// upserts the transactions in the same serializable transaction.
func (p *PostgresStore) Save(ctx context.Context, a *Account, upserts []*Transaction) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx, `
		UPDATE credit_accounts SET
			credit_limit = $1::NUMERIC(20,2),
			used_credit = $2::NUMERIC(20,2),
			overdraft_limit = $3::NUMERIC(20,2),
			status = $4,
			version = version + 1,
			updated_at = $5
		WHERE id = $6 AND version = $7
	`, a.CreditLimit.Decimal().String(), a.UsedCredit.Decimal().String(),
		a.OverdraftLimit.Decimal().String(), string(a.Status),
		a.UpdatedAt, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("failed to update credit account %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}

	for _, t := range upserts {
		_, err := dbTx.ExecContext(ctx, `
			INSERT INTO credit_transactions
				(id, account_id, type, status, amount, settled_amount,
				 refunded_amount, parent_id, reference, description,
				 due_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6::NUMERIC(20,2),
				$7::NUMERIC(20,2), NULLIF($8, ''), NULLIF($9, ''), $10,
				NULLIF($11, '0001-01-01T00:00:00Z'::TIMESTAMPTZ), $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				settled_amount = EXCLUDED.settled_amount,
				refunded_amount = EXCLUDED.refunded_amount,
				description = EXCLUDED.description,
				updated_at = EXCLUDED.updated_at
		`, t.ID, t.AccountID, string(t.Type), string(t.Status),
			t.Amount.Decimal().String(), t.SettledAmount.Decimal().String(),
			t.RefundedAmount.Decimal().String(),
			t.ParentID, t.Reference, t.Description,
			t.DueDate, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert credit transaction: %w", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	a.Version++
	return nil
}

const txColumns = `t.id, t.account_id, t.type, t.status, t.amount,
	t.settled_amount, t.refunded_amount, COALESCE(t.parent_id, ''),
	COALESCE(t.reference, ''), COALESCE(t.description, ''),
	COALESCE(t.due_date, '0001-01-01T00:00:00Z'::TIMESTAMPTZ),
	t.created_at, t.updated_at, a.currency`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM credit_transactions t JOIN credit_accounts a ON a.id = t.account_id
		WHERE t.id = $1
	`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByReference(ctx context.Context, accountID, reference string, txType TxType) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM credit_transactions t JOIN credit_accounts a ON a.id = t.account_id
		WHERE t.account_id = $1 AND t.reference = $2 AND t.type = $3
		ORDER BY t.created_at ASC LIMIT 1
	`, accountID, reference, string(txType))
	return scanTransaction(row)
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t                         Transaction
		txType, status, currency  string
		amount, settled, refunded string
	)
	err := row.Scan(&t.ID, &t.AccountID, &txType, &status, &amount,
		&settled, &refunded, &t.ParentID, &t.Reference, &t.Description,
		&t.DueDate, &t.CreatedAt, &t.UpdatedAt, &currency)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	cur, err := money.ParseCurrency(currency)
	if err != nil {
		return nil, err
	}
	t.Type = TxType(txType)
	t.Status = TxStatus(status)
	if t.Amount, err = parseMoney(amount, cur); err != nil {
		return nil, err
	}
	if t.SettledAmount, err = parseMoney(settled, cur); err != nil {
		return nil, err
	}
	if t.RefundedAmount, err = parseMoney(refunded, cur); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM credit_transactions t JOIN credit_accounts a ON a.id = t.account_id
		WHERE t.account_id = $1
		ORDER BY t.created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (p *PostgresStore) ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM credit_transactions t JOIN credit_accounts a ON a.id = t.account_id
		WHERE t.type = 'authorization' AND t.status = 'authorized'
		  AND t.due_date < $1
		ORDER BY t.due_date ASC LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumByType(ctx context.Context, accountID string, txType TxType, status TxStatus) (decimal.Decimal, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_transactions
		WHERE account_id = $1 AND type = $2 AND status = $3
	`, accountID, string(txType), string(status)).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}
