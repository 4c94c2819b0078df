package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
)

// PostgresVault is custody backed by PostgreSQL. Balances and per-escrow
// holdings survive restarts, so an escrow created before a restart can still
// be released after it. Each Lock and Release is one transaction.
type PostgresVault struct {
	db *sql.DB
}

// NewPostgresVault creates a vault over the vault_balances and
// vault_holdings tables.
func NewPostgresVault(db *sql.DB) *PostgresVault {
	return &PostgresVault{db: db}
}

// Credit adds amount to p's spendable balance.
func (v *PostgresVault) Credit(ctx context.Context, p Principal, asset Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return credit(ctx, v.db, p, asset, amount)
}

// BalanceOf returns p's spendable balance of asset. Unknown accounts hold zero.
func (v *PostgresVault) BalanceOf(ctx context.Context, p Principal, asset Asset) (*big.Int, error) {
	var raw string
	err := v.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM vault_balances WHERE principal = $1 AND asset = $2`,
		string(p), asset.Key(),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

// Held returns the amount in custody for escrow ref.
func (v *PostgresVault) Held(ctx context.Context, ref uint64) (*big.Int, error) {
	var raw string
	err := v.db.QueryRowContext(ctx, `SELECT amount::TEXT FROM vault_holdings WHERE escrow_id = $1`,
		int64(ref), //nolint:gosec // ids come from the sequence
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

// Lock moves amount from from's balance into custody under ref.
func (v *PostgresVault) Lock(ctx context.Context, from Principal, asset Asset, amount *big.Int, ref uint64) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO vault_holdings (escrow_id, asset, amount, created_at)
		VALUES ($1, $2, $3::NUMERIC(78,0), NOW())
		ON CONFLICT (escrow_id) DO NOTHING`,
		int64(ref), asset.Key(), amount.String(), //nolint:gosec // ids come from the sequence
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: escrow %d already funded", ErrCustodyMismatch, ref)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE vault_balances SET balance = balance - $3::NUMERIC(78,0)
		WHERE principal = $1 AND asset = $2 AND balance >= $3::NUMERIC(78,0)`,
		string(from), asset.Key(), amount.String(),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInsufficientFunds
	}

	return tx.Commit()
}

// Release pays out the full custody of ref. The payouts must sum to the held
// amount exactly; otherwise nothing moves.
func (v *PostgresVault) Release(ctx context.Context, ref uint64, payouts ...Payout) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var assetKey, raw string
	err = tx.QueryRowContext(ctx, `
		SELECT asset, amount::TEXT FROM vault_holdings WHERE escrow_id = $1 FOR UPDATE`,
		int64(ref), //nolint:gosec // ids come from the sequence
	).Scan(&assetKey, &raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: escrow %d has no custody", ErrCustodyMismatch, ref)
	}
	if err != nil {
		return err
	}
	held, err := parseNumeric(raw)
	if err != nil {
		return err
	}

	total := new(big.Int)
	for _, p := range payouts {
		if p.Amount == nil || p.Amount.Sign() < 0 {
			return fmt.Errorf("%w: negative payout", ErrCustodyMismatch)
		}
		total.Add(total, p.Amount)
	}
	if total.Cmp(held) != 0 {
		return fmt.Errorf("%w: payouts %s != held %s", ErrCustodyMismatch, total, held)
	}

	asset := ParseAsset(assetKey)
	for _, p := range payouts {
		if p.Amount.Sign() == 0 {
			continue
		}
		if err := credit(ctx, tx, p.To, asset, p.Amount); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vault_holdings WHERE escrow_id = $1`,
		int64(ref), //nolint:gosec // ids come from the sequence
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Supply returns the sum of all balances and custody for asset.
func (v *PostgresVault) Supply(ctx context.Context, asset Asset) (*big.Int, error) {
	var raw string
	err := v.db.QueryRowContext(ctx, `
		SELECT (COALESCE((SELECT SUM(balance) FROM vault_balances WHERE asset = $1), 0)
		      + COALESCE((SELECT SUM(amount) FROM vault_holdings WHERE asset = $1), 0))::TEXT`,
		asset.Key(),
	).Scan(&raw)
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func credit(ctx context.Context, db execer, p Principal, asset Asset, amount *big.Int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO vault_balances (principal, asset, balance)
		VALUES ($1, $2, $3::NUMERIC(78,0))
		ON CONFLICT (principal, asset) DO UPDATE SET balance = vault_balances.balance + EXCLUDED.balance`,
		string(p), asset.Key(), amount.String(),
	)
	return err
}

func parseNumeric(raw string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: bad numeric %q", raw)
	}
	return n, nil
}

var (
	_ Accounts = (*Vault)(nil)
	_ Accounts = (*PostgresVault)(nil)
)
