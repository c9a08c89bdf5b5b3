package ledger

import (
	"fmt"
	"sort"

	"agreementflow/events"
)

// Ledger is the arena of balances keyed by (account, token). It is not safe
// for concurrent use: the owning service serializes every Begin/Commit pair.
type Ledger struct {
	balances map[Key]Balance
}

func New() *Ledger {
	return &Ledger{balances: make(map[Key]Balance)}
}

// Balance returns the committed balance of account in token.
func (l *Ledger) Balance(account AccountID, token TokenID) Balance {
	return l.balances[Key{Account: account, Token: token}]
}

// Balances returns every committed token balance held by account.
func (l *Ledger) Balances(account AccountID) map[TokenID]Balance {
	out := make(map[TokenID]Balance)
	for k, b := range l.balances {
		if k.Account == account {
			out[k.Token] = b
		}
	}
	return out
}

// Supply sums every bucket of every account for token. It equals staked minus
// unstaked amounts at all times. Each balance is bounded on its own, so the
// sum across accounts can still overflow.
func (l *Ledger) Supply(token TokenID) (Amount, error) {
	var (
		total Amount
		err   error
	)
	for k, b := range l.balances {
		if k.Token != token {
			continue
		}
		if total, err = add(total, b.Total()); err != nil {
			return 0, fmt.Errorf("%w: supply of %s", err, token)
		}
	}
	return total, nil
}

// Snapshot copies the committed balances in deterministic key order.
func (l *Ledger) Snapshot() []Entry {
	out := make([]Entry, 0, len(l.balances))
	for k, b := range l.balances {
		out = append(out, Entry{Key: k, Balance: b})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Account != out[j].Key.Account {
			return out[i].Key.Account < out[j].Key.Account
		}
		return out[i].Key.Token < out[j].Key.Token
	})
	return out
}

// Entry pairs a key with its balance.
type Entry struct {
	Key     Key
	Balance Balance
}

// Begin opens a staged transaction over the committed balances.
func (l *Ledger) Begin() *Tx {
	return &Tx{l: l, staged: make(map[Key]Balance)}
}

// Tx stages bucket moves and the events describing them. A failed move may
// leave partial staged state behind; the caller discards the whole Tx.
type Tx struct {
	l      *Ledger
	staged map[Key]Balance
	events []events.Event
	closed bool
}

// Balance reads through the staged view.
func (tx *Tx) Balance(account AccountID, token TokenID) Balance {
	k := Key{Account: account, Token: token}
	if b, ok := tx.staged[k]; ok {
		return b
	}
	return tx.l.balances[k]
}

// Events returns the balance events staged so far.
func (tx *Tx) Events() []events.Event {
	return tx.events
}

// Commit publishes the staged balances. The transaction cannot be reused.
func (tx *Tx) Commit() {
	if tx.closed {
		return
	}
	for k, b := range tx.staged {
		tx.l.balances[k] = b
	}
	tx.closed = true
}

// Discard drops the staged balances.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.staged = nil
	tx.events = nil
}

// Deposit credits available after tokens were pulled into custody.
func (tx *Tx) Deposit(account AccountID, token TokenID, amount Amount) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := tx.credit(account, token, BucketAvailable, amount); err != nil {
		return err
	}
	tx.emit(events.TypeBalanceStaked, account, token, amount, nil)
	return nil
}

// Withdraw debits available before tokens are pushed out of custody.
func (tx *Tx) Withdraw(account AccountID, token TokenID, amount Amount) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := tx.debit(account, token, BucketAvailable, amount); err != nil {
		return err
	}
	tx.emit(events.TypeBalanceUnstaked, account, token, amount, nil)
	return nil
}

// Lock moves available to locked.
func (tx *Tx) Lock(account AccountID, token TokenID, amount Amount) error {
	return tx.move(events.TypeBalanceLocked, account, token, amount, BucketAvailable, BucketLocked)
}

// Unlock moves locked to available.
func (tx *Tx) Unlock(account AccountID, token TokenID, amount Amount) error {
	return tx.move(events.TypeBalanceUnlocked, account, token, amount, BucketLocked, BucketAvailable)
}

// Challenge moves locked to challenged.
func (tx *Tx) Challenge(account AccountID, token TokenID, amount Amount) error {
	return tx.move(events.TypeBalanceChallenged, account, token, amount, BucketLocked, BucketChallenged)
}

// Unchallenge moves challenged back to dest, which must be locked or available.
func (tx *Tx) Unchallenge(account AccountID, token TokenID, amount Amount, dest Bucket) error {
	if dest != BucketLocked && dest != BucketAvailable {
		return fmt.Errorf("ledger: unchallenge destination %q", dest)
	}
	return tx.move(events.TypeBalanceUnchallenged, account, token, amount, BucketChallenged, dest)
}

// Slash removes amount from account's challenged bucket and credits the
// beneficiary's available bucket.
func (tx *Tx) Slash(account AccountID, token TokenID, amount Amount, beneficiary AccountID) error {
	return tx.between(events.TypeBalanceSlashed, account, BucketChallenged, beneficiary, token, amount)
}

// Transfer removes amount from account's locked bucket and credits the
// recipient's available bucket.
func (tx *Tx) Transfer(account AccountID, token TokenID, amount Amount, recipient AccountID) error {
	return tx.between(events.TypeBalanceTransferred, account, BucketLocked, recipient, token, amount)
}

func (tx *Tx) between(t events.Type, from AccountID, bucket Bucket, to AccountID, token TokenID, amount Amount) error {
	if amount == 0 {
		return nil
	}
	if to == "" {
		return ErrInvalidAccount
	}
	if err := tx.debit(from, token, bucket, amount); err != nil {
		return err
	}
	if err := tx.credit(to, token, BucketAvailable, amount); err != nil {
		return err
	}
	tx.emit(t, from, token, amount, map[string]any{"beneficiary": string(to)})
	return nil
}

func (tx *Tx) move(t events.Type, account AccountID, token TokenID, amount Amount, from, to Bucket) error {
	if amount == 0 {
		return nil
	}
	if err := tx.debit(account, token, from, amount); err != nil {
		return err
	}
	if err := tx.credit(account, token, to, amount); err != nil {
		return err
	}
	tx.emit(t, account, token, amount, map[string]any{"from": string(from), "to": string(to)})
	return nil
}

func (tx *Tx) debit(account AccountID, token TokenID, bucket Bucket, amount Amount) error {
	if tx.closed {
		return ErrTxClosed
	}
	if account == "" || token == "" {
		return ErrInvalidAccount
	}
	b := tx.Balance(account, token)
	have := b.bucket(bucket)
	if have < amount {
		return fmt.Errorf("%w: %s %s %s has %d, needs %d", ErrInsufficientBalance, account, token, bucket, have, amount)
	}
	b.set(bucket, have-amount)
	tx.staged[Key{Account: account, Token: token}] = b
	return nil
}

func (tx *Tx) credit(account AccountID, token TokenID, bucket Bucket, amount Amount) error {
	if tx.closed {
		return ErrTxClosed
	}
	if account == "" || token == "" {
		return ErrInvalidAccount
	}
	b := tx.Balance(account, token)
	next, err := add(b.bucket(bucket), amount)
	if err != nil {
		return err
	}
	if _, err := add(b.Total(), amount); err != nil {
		return err
	}
	b.set(bucket, next)
	tx.staged[Key{Account: account, Token: token}] = b
	return nil
}

func (tx *Tx) emit(t events.Type, account AccountID, token TokenID, amount Amount, extra map[string]any) {
	payload := map[string]any{
		"account": string(account),
		"token":   string(token),
		"amount":  uint64(amount),
	}
	for k, v := range extra {
		payload[k] = v
	}
	tx.events = append(tx.events, events.New(t, 0, payload))
}
