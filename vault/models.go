// Package vault implements the external token wallets the agreement engine
// pulls stake from and pushes unstaked tokens to.
package vault

import (
	"errors"
	"math"
	"time"

	"agreementflow/ledger"
)

var (
	// ErrNotFound signals the wallet does not exist.
	ErrNotFound = errors.New("vault: wallet not found")
	// ErrInsufficientFunds signals the wallet or custody cannot cover a transfer.
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	// ErrInvalidAmount signals a zero amount or one the store cannot represent.
	ErrInvalidAmount = errors.New("vault: invalid amount")
)

// Direction of a wallet transfer.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionPull   Direction = "pull"
	DirectionPush   Direction = "push"
)

// Wallet is an account's external balance of one token.
type Wallet struct {
	Account   ledger.AccountID
	Token     ledger.TokenID
	Balance   ledger.Amount
	UpdatedAt time.Time
}

// Transfer is one movement recorded against a wallet.
type Transfer struct {
	ID        int64
	Account   ledger.AccountID
	Token     ledger.TokenID
	Direction Direction
	Amount    ledger.Amount
	CreatedAt time.Time
}

func checkAmount(amount ledger.Amount) error {
	if amount == 0 || uint64(amount) > math.MaxInt64 {
		return ErrInvalidAmount
	}
	return nil
}
