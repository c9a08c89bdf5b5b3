package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agreementflow/ledger"
)

// Memory keeps wallets and custody in process.
type Memory struct {
	mu        sync.Mutex
	wallets   map[ledger.Key]ledger.Amount
	custody   map[ledger.TokenID]ledger.Amount
	transfers []Transfer
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		wallets: make(map[ledger.Key]ledger.Amount),
		custody: make(map[ledger.TokenID]ledger.Amount),
		now:     time.Now,
	}
}

// Credit mints amount into the account's wallet.
func (m *Memory) Credit(_ context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledger.Key{Account: account, Token: token}
	m.wallets[k] += amount
	m.record(account, token, DirectionCredit, amount)
	return nil
}

// Pull moves amount from the wallet into custody.
func (m *Memory) Pull(_ context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledger.Key{Account: account, Token: token}
	if m.wallets[k] < amount {
		return fmt.Errorf("%w: %s holds %d %s", ErrInsufficientFunds, account, m.wallets[k], token)
	}
	m.wallets[k] -= amount
	m.custody[token] += amount
	m.record(account, token, DirectionPull, amount)
	return nil
}

// Push moves amount from custody to the wallet.
func (m *Memory) Push(_ context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.custody[token] < amount {
		return fmt.Errorf("%w: custody holds %d %s", ErrInsufficientFunds, m.custody[token], token)
	}
	m.custody[token] -= amount
	m.wallets[ledger.Key{Account: account, Token: token}] += amount
	m.record(account, token, DirectionPush, amount)
	return nil
}

func (m *Memory) Wallet(_ context.Context, account ledger.AccountID, token ledger.TokenID) (Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledger.Key{Account: account, Token: token}
	bal, ok := m.wallets[k]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return Wallet{Account: account, Token: token, Balance: bal, UpdatedAt: m.now()}, nil
}

func (m *Memory) Custody(_ context.Context, token ledger.TokenID) (ledger.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.custody[token], nil
}

// Transfers returns the newest transfers of the account first, at most limit.
func (m *Memory) Transfers(_ context.Context, account ledger.AccountID, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, limit)
	for i := len(m.transfers) - 1; i >= 0 && len(out) < limit; i-- {
		if m.transfers[i].Account == account {
			out = append(out, m.transfers[i])
		}
	}
	return out, nil
}

func (m *Memory) record(account ledger.AccountID, token ledger.TokenID, dir Direction, amount ledger.Amount) {
	m.transfers = append(m.transfers, Transfer{
		ID:        int64(len(m.transfers)) + 1,
		Account:   account,
		Token:     token,
		Direction: dir,
		Amount:    amount,
		CreatedAt: m.now(),
	})
}
