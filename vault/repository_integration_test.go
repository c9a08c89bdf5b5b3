package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/ledger"
)

// TestRepositoryCustody_Integration exercises the Postgres wallets against DATABASE_URL.
func TestRepositoryCustody_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('wallets') IS NOT NULL AND to_regclass('custody') IS NOT NULL`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/*.sql first")
	}

	suffix := time.Now().UnixNano()
	alice := ledger.AccountID(fmt.Sprintf("alice-%d", suffix))
	token := ledger.TokenID(fmt.Sprintf("TKN%d", suffix))
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM wallet_transfers WHERE token = $1`, string(token))
		pool.Exec(ctx2, `DELETE FROM wallets WHERE token = $1`, string(token))
		pool.Exec(ctx2, `DELETE FROM custody WHERE token = $1`, string(token))
	})

	repo := NewRepository(pool)
	if err := repo.Credit(ctx, alice, token, 50); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := repo.Pull(ctx, alice, token, 30); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := repo.Pull(ctx, alice, token, 30); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := repo.Push(ctx, alice, token, 31); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected custody shortfall, got %v", err)
	}
	if err := repo.Push(ctx, alice, token, 10); err != nil {
		t.Fatalf("push: %v", err)
	}

	w, err := repo.Wallet(ctx, alice, token)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Balance != 30 {
		t.Fatalf("expected wallet 30, got %d", w.Balance)
	}
	custody, err := repo.Custody(ctx, token)
	if err != nil {
		t.Fatalf("custody: %v", err)
	}
	if custody != 20 {
		t.Fatalf("expected custody 20, got %d", custody)
	}
	transfers, err := repo.Transfers(ctx, alice, 10)
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if len(transfers) != 3 || transfers[0].Direction != DirectionPush {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
}
