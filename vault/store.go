package vault

import (
	"context"

	"agreementflow/ledger"
)

// Store is a wallet backend usable as the engine's ledger.Vault.
type Store interface {
	ledger.Vault
	Credit(ctx context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error
	Wallet(ctx context.Context, account ledger.AccountID, token ledger.TokenID) (Wallet, error)
	Custody(ctx context.Context, token ledger.TokenID) (ledger.Amount, error)
	Transfers(ctx context.Context, account ledger.AccountID, limit int) ([]Transfer, error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Repository)(nil)
)
