// Package ledger keeps the per-account, per-token collateral balances. Every
// bucket move is staged on a Tx and published with Commit, so an operation
// either applies all of its moves or none of them.
package ledger

import (
	"context"
	"errors"
	"math/bits"
)

type (
	AccountID string
	TokenID   string
	// Amount is an integer quantity of token minor units.
	Amount uint64
)

var (
	// ErrInsufficientBalance signals a bucket does not hold the requested amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvalidAmount signals a zero or otherwise unusable amount for stake/unstake.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrAmountOverflow signals a bucket would exceed the representable maximum.
	ErrAmountOverflow = errors.New("ledger: amount overflow")
	// ErrInvalidAccount signals an empty account or token reference.
	ErrInvalidAccount = errors.New("ledger: invalid account")
	// ErrTxClosed signals use of a committed or discarded transaction.
	ErrTxClosed = errors.New("ledger: transaction closed")
)

// Bucket names one of the three balance partitions.
type Bucket string

const (
	BucketAvailable  Bucket = "available"
	BucketLocked     Bucket = "locked"
	BucketChallenged Bucket = "challenged"
)

// Key addresses one balance row.
type Key struct {
	Account AccountID
	Token   TokenID
}

// Balance is the split of an account's staked tokens.
type Balance struct {
	Available  Amount
	Locked     Amount
	Challenged Amount
}

// Total sums all buckets. Buckets are bounded by staked supply so the sum
// cannot wrap for balances produced by a Ledger.
func (b Balance) Total() Amount {
	return b.Available + b.Locked + b.Challenged
}

func (b Balance) bucket(which Bucket) Amount {
	switch which {
	case BucketLocked:
		return b.Locked
	case BucketChallenged:
		return b.Challenged
	default:
		return b.Available
	}
}

func (b *Balance) set(which Bucket, v Amount) {
	switch which {
	case BucketLocked:
		b.Locked = v
	case BucketChallenged:
		b.Challenged = v
	default:
		b.Available = v
	}
}

func add(a, b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrAmountOverflow
	}
	return Amount(sum), nil
}

// Vault moves tokens physically between the outside world and the ledger's
// custody. Stake pulls, unstake pushes.
type Vault interface {
	Pull(ctx context.Context, account AccountID, token TokenID, amount Amount) error
	Push(ctx context.Context, account AccountID, token TokenID, amount Amount) error
}
