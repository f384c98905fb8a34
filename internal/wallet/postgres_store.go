package wallet

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

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets
			(id, owner_id, currency, balance, reserved,
			 daily_limit, monthly_limit, low_balance_threshold,
			 status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2),
			$6::NUMERIC(20,2), $7::NUMERIC(20,2), $8::NUMERIC(20,2),
			$9, $10, $11, $12)
	`, w.ID, w.OwnerID, string(w.Currency),
		w.Balance.Decimal().String(), w.Reserved.Decimal().String(),
		w.Limits.Daily.Decimal().String(), w.Limits.Monthly.Decimal().String(),
		w.Limits.LowBalanceThreshold.Decimal().String(),
		string(w.Status), w.Version, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateWallet
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

const walletColumns = `id, owner_id, currency, balance, reserved,
	daily_limit, monthly_limit, low_balance_threshold,
	status, version, created_at, updated_at`

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

// GetByOwner returns the owner's open wallet. Closed wallets stay in
// the table for history but are only reachable by id.
func (p *PostgresStore) GetByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE owner_id = $1 AND status <> 'closed'
	`, ownerID)
	return scanWallet(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var (
		w                         Wallet
		currency                  string
		status                    string
		balance, reserved         string
		daily, monthly, lowThresh string
	)
	err := row.Scan(&w.ID, &w.OwnerID, &currency, &balance, &reserved,
		&daily, &monthly, &lowThresh, &status, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	cur, err := money.ParseCurrency(currency)
	if err != nil {
		return nil, err
	}
	w.Currency = cur
	w.Status = Status(status)
	if w.Balance, err = parseMoney(balance, cur); err != nil {
		return nil, err
	}
	if w.Reserved, err = parseMoney(reserved, cur); err != nil {
		return nil, err
	}
	if w.Limits.Daily, err = parseMoney(daily, cur); err != nil {
		return nil, err
	}
	if w.Limits.Monthly, err = parseMoney(monthly, cur); err != nil {
		return nil, err
	}
	if w.Limits.LowBalanceThreshold, err = parseMoney(lowThresh, cur); err != nil {
		return nil, err
	}
	return &w, nil
}

func parseMoney(s string, cur money.Currency) (money.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return money.Money{}, fmt.Errorf("bad numeric %q: %w", s, err)
	}
	return money.FromDecimal(d, cur), nil
}

// Apply saves the wallets and appends the transactions in one
// serializable transaction. The version predicate in the UPDATE is the
// optimistic check: zero rows means another writer got there first.
func (p *PostgresStore) Apply(ctx context.Context, wallets []*Wallet, txs []*Transaction) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	for _, w := range wallets {
		res, err := dbTx.ExecContext(ctx, `
			UPDATE wallets SET
				balance = $1::NUMERIC(20,2),
				reserved = $2::NUMERIC(20,2),
				daily_limit = $3::NUMERIC(20,2),
				monthly_limit = $4::NUMERIC(20,2),
				low_balance_threshold = $5::NUMERIC(20,2),
				status = $6,
				version = version + 1,
				updated_at = $7
			WHERE id = $8 AND version = $9
		`, w.Balance.Decimal().String(), w.Reserved.Decimal().String(),
			w.Limits.Daily.Decimal().String(), w.Limits.Monthly.Decimal().String(),
			w.Limits.LowBalanceThreshold.Decimal().String(),
			string(w.Status), w.UpdatedAt, w.ID, w.Version)
		if err != nil {
			return fmt.Errorf("failed to update wallet %s: %w", w.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrVersionConflict
		}
	}

	for _, t := range txs {
		_, err := dbTx.ExecContext(ctx, `
			INSERT INTO wallet_transactions
				(id, wallet_id, counterparty_id, transfer_group, type, status,
				 amount, balance_before, balance_after, reversal_of,
				 reference, description, created_at)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6,
				$7::NUMERIC(20,2), $8::NUMERIC(20,2), $9::NUMERIC(20,2),
				NULLIF($10, ''), NULLIF($11, ''), $12, $13)
		`, t.ID, t.WalletID, t.CounterpartyID, t.TransferGroup,
			string(t.Type), string(t.Status),
			t.Amount.Decimal().String(), t.BalanceBefore.Decimal().String(),
			t.BalanceAfter.Decimal().String(),
			t.ReversalOf, t.Reference, t.Description, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	// Increment in-memory versions to mirror the committed rows.
	for _, w := range wallets {
		w.Version++
	}
	return nil
}

const txColumns = `t.id, t.wallet_id, COALESCE(t.counterparty_id, ''),
	COALESCE(t.transfer_group, ''), t.type, t.status,
	t.amount, t.balance_before, t.balance_after,
	COALESCE(t.reversal_of, ''), COALESCE(t.reference, ''),
	COALESCE(t.description, ''), t.created_at, w.currency`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions t JOIN wallets w ON w.id = t.wallet_id
		WHERE t.id = $1
	`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByReference(ctx context.Context, walletID, reference string, txType TxType) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions t JOIN wallets w ON w.id = t.wallet_id
		WHERE t.wallet_id = $1 AND t.reference = $2 AND t.type = $3
		ORDER BY t.created_at ASC LIMIT 1
	`, walletID, reference, string(txType))
	return scanTransaction(row)
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t                     Transaction
		txType, status        string
		amount, before, after string
		currency              string
	)
	err := row.Scan(&t.ID, &t.WalletID, &t.CounterpartyID, &t.TransferGroup,
		&txType, &status, &amount, &before, &after,
		&t.ReversalOf, &t.Reference, &t.Description, &t.CreatedAt, &currency)
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
	if t.BalanceBefore, err = parseMoney(before, cur); err != nil {
		return nil, err
	}
	if t.BalanceAfter, err = parseMoney(after, cur); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, limit int, opts ...ListOption) ([]*Transaction, error) {
	o := applyListOpts(opts)

	query := `
		SELECT ` + txColumns + `
		FROM wallet_transactions t JOIN wallets w ON w.id = t.wallet_id
		WHERE t.wallet_id = $1`
	args := []any{walletID}

	if o.cursor != nil {
		query += ` AND (t.created_at, t.id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY t.created_at DESC, t.id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
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

func (p *PostgresStore) MarkReversed(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE wallet_transactions SET status = 'reversed' WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) SumCompletedOutbound(ctx context.Context, walletID string, from, to time.Time) (decimal.Decimal, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND status = 'completed'
		  AND type IN ('debit', 'transfer_out')
		  AND created_at >= $2 AND created_at <= $3
	`, walletID, from, to).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

func (p *PostgresStore) SumCompletedDeltas(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE
			WHEN type IN ('debit', 'transfer_out') THEN -amount
			ELSE amount
		END), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND status IN ('completed', 'reversed')
	`, walletID).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

func (p *PostgresStore) ListWalletIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ListDanglingTransfers(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions t JOIN wallets w ON w.id = t.wallet_id
		WHERE t.type = 'transfer_out' AND t.status = 'completed'
		  AND t.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM wallet_transactions i
			WHERE i.transfer_group = t.transfer_group
			  AND i.type = 'transfer_in' AND i.status = 'completed'
		  )
		ORDER BY t.created_at ASC LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}
