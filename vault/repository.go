package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/ledger"
)

// Repository keeps wallets and custody in Postgres. Every movement locks the
// rows it touches and appends to wallet_transfers in the same transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed vault.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Credit mints amount into the account's wallet.
func (r *Repository) Credit(ctx context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return r.inTx(ctx, "credit", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO wallets (account, token, balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (account, token) DO UPDATE
			SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
		`, string(account), string(token), int64(amount)); err != nil {
			return fmt.Errorf("vault: credit wallet: %w", err)
		}
		return insertTransfer(ctx, tx, account, token, DirectionCredit, amount)
	})
}

// Pull moves amount from the wallet into custody.
func (r *Repository) Pull(ctx context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return r.inTx(ctx, "pull", func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE account = $1 AND token = $2 FOR UPDATE`,
			string(account), string(token)).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s has no %s wallet", ErrInsufficientFunds, account, token)
			}
			return fmt.Errorf("vault: lock wallet: %w", err)
		}
		if balance < int64(amount) {
			return fmt.Errorf("%w: %s holds %d %s", ErrInsufficientFunds, account, balance, token)
		}
		if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = balance - $3, updated_at = now() WHERE account = $1 AND token = $2`,
			string(account), string(token), int64(amount)); err != nil {
			return fmt.Errorf("vault: debit wallet: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO custody (token, amount) VALUES ($1, $2)
			ON CONFLICT (token) DO UPDATE SET amount = custody.amount + EXCLUDED.amount, updated_at = now()
		`, string(token), int64(amount)); err != nil {
			return fmt.Errorf("vault: credit custody: %w", err)
		}
		return insertTransfer(ctx, tx, account, token, DirectionPull, amount)
	})
}

// Push moves amount from custody to the wallet.
func (r *Repository) Push(ctx context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return r.inTx(ctx, "push", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE custody SET amount = amount - $2, updated_at = now() WHERE token = $1 AND amount >= $2`,
			string(token), int64(amount))
		if err != nil {
			return fmt.Errorf("vault: debit custody: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: custody cannot cover %d %s", ErrInsufficientFunds, amount, token)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO wallets (account, token, balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (account, token) DO UPDATE
			SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
		`, string(account), string(token), int64(amount)); err != nil {
			return fmt.Errorf("vault: credit wallet: %w", err)
		}
		return insertTransfer(ctx, tx, account, token, DirectionPush, amount)
	})
}

// Wallet fetches the account's wallet for token.
func (r *Repository) Wallet(ctx context.Context, account ledger.AccountID, token ledger.TokenID) (Wallet, error) {
	const query = `
		SELECT account, token, balance, updated_at
		FROM wallets
		WHERE account = $1 AND token = $2
	`

	var (
		w       Wallet
		acct    string
		tok     string
		balance int64
	)
	err := r.pool.QueryRow(ctx, query, string(account), string(token)).Scan(&acct, &tok, &balance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, fmt.Errorf("vault: query wallet: %w", err)
	}
	w.Account = ledger.AccountID(acct)
	w.Token = ledger.TokenID(tok)
	w.Balance = ledger.Amount(balance)
	return w, nil
}

// Custody returns the amount of token held for all accounts.
func (r *Repository) Custody(ctx context.Context, token ledger.TokenID) (ledger.Amount, error) {
	var amount int64
	err := r.pool.QueryRow(ctx, `SELECT amount FROM custody WHERE token = $1`, string(token)).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("vault: query custody: %w", err)
	}
	return ledger.Amount(amount), nil
}

// Transfers fetches up to limit transfers of the account, newest first.
func (r *Repository) Transfers(ctx context.Context, account ledger.AccountID, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, account, token, direction, amount, created_at
		FROM wallet_transfers
		WHERE account = $1
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, string(account), limit)
	if err != nil {
		return nil, fmt.Errorf("vault: list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0, limit)
	for rows.Next() {
		var (
			t              Transfer
			acct, tok, dir string
			amount         int64
		)
		if err := rows.Scan(&t.ID, &acct, &tok, &dir, &amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("vault: scan transfer: %w", err)
		}
		t.Account = ledger.AccountID(acct)
		t.Token = ledger.TokenID(tok)
		t.Direction = Direction(dir)
		t.Amount = ledger.Amount(amount)
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: iterate transfers: %w", err)
	}

	return transfers, nil
}

func (r *Repository) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("vault: %s: begin tx: %w", op, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("vault: %s: commit: %w", op, err)
	}
	return nil
}

func insertTransfer(ctx context.Context, tx pgx.Tx, account ledger.AccountID, token ledger.TokenID, dir Direction, amount ledger.Amount) error {
	const q = `INSERT INTO wallet_transfers (account, token, direction, amount) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, q, string(account), string(token), string(dir), int64(amount)); err != nil {
		return fmt.Errorf("vault: record transfer: %w", err)
	}
	return nil
}
