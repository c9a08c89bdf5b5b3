package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/dispute"
	"agreementflow/events"
	"agreementflow/journal"
	"agreementflow/ledger"
	"agreementflow/relay"
	"agreementflow/vault"
)

// Chaos kills backends at random, so actors only stop for a cancelled run.
func fatal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func done(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Staker moves random amounts between the wallet and custody. Overdrafts are
// expected under contention and must be refused without touching balances.
func Staker(ctx context.Context, wallets *vault.Repository, account ledger.AccountID, token ledger.TokenID, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		amount := ledger.Amount(1 + rand.Intn(25))
		var err error
		if rand.Intn(2) == 0 {
			err = wallets.Pull(ctx, account, token, amount)
		} else {
			err = wallets.Push(ctx, account, token, amount)
		}
		if err != nil && !errors.Is(err, vault.ErrInsufficientFunds) {
			if ferr := fatal(ctx, err); ferr != nil {
				return fmt.Errorf("staker %s: %w", account, ferr)
			}
		}
		pause(5, 20)
	}
}

// Minter credits fresh tokens so custody and wallets keep growing.
func Minter(ctx context.Context, wallets *vault.Repository, accounts []ledger.AccountID, token ledger.TokenID, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		account := accounts[rand.Intn(len(accounts))]
		if err := wallets.Credit(ctx, account, token, ledger.Amount(1+rand.Intn(50))); err != nil {
			if ferr := fatal(ctx, err); ferr != nil {
				return fmt.Errorf("minter: %w", ferr)
			}
		}
		pause(40, 60)
	}
}

// Journaler appends small batches concurrently with other journalers; the
// advisory lock has to keep the chain contiguous.
func Journaler(ctx context.Context, w *journal.PGWriter, actionID uint64, stop <-chan struct{}) error {
	types := []events.Type{
		events.TypeActionScheduled,
		events.TypeBalanceLocked,
		events.TypeActionChallenged,
		events.TypeActionSettled,
	}
	var seq uint64
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		batch := make([]events.Event, 1+rand.Intn(3))
		for i := range batch {
			seq++
			ev := events.New(types[rand.Intn(len(types))], actionID, map[string]any{
				"actor": fmt.Sprintf("journaler-%d", actionID),
				"n":     seq,
			})
			ev.ID = uuid.NewString()
			ev.Seq = seq
			ev.OccurredAt = time.Now()
			batch[i] = ev
		}
		if err := w.Record(ctx, batch); err != nil {
			if ferr := fatal(ctx, err); ferr != nil {
				return fmt.Errorf("journaler %d: %w", actionID, ferr)
			}
		}
		pause(10, 30)
	}
}

// FlakyPublisher fails roughly one publish in FailEvery.
type FlakyPublisher struct {
	FailEvery int
}

func (p FlakyPublisher) Publish(context.Context, relay.Message) error {
	if p.FailEvery > 0 && rand.Intn(p.FailEvery) == 0 {
		return errors.New("broker unavailable")
	}
	return nil
}

// Relayer drains the outbox alongside other relayers with SKIP LOCKED.
func Relayer(ctx context.Context, pool *pgxpool.Pool, pub relay.Publisher, stop <-chan struct{}) error {
	r := relay.New(relay.NewPGStore(pool), pub, relay.WithBatchSize(10), relay.WithMaxAttempts(5))
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		if _, err := r.RunOnce(ctx); err != nil {
			if ferr := fatal(ctx, err); ferr != nil {
				return fmt.Errorf("relayer: %w", ferr)
			}
		}
		pause(50, 50)
	}
}

// Arbitrator opens cases, feeds evidence into them and hands each case to
// two rulers.
func Arbitrator(ctx context.Context, docket *dispute.Repository, cases chan<- dispute.ID, stop <-chan struct{}) error {
	var subject uint64
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		subject++
		c, err := docket.Create(ctx, subject, []byte(`{"stress":true}`))
		if err != nil {
			if ferr := fatal(ctx, err); ferr != nil {
				return fmt.Errorf("arbitrator create: %w", ferr)
			}
			continue
		}
		for i := 0; i < 1+rand.Intn(3); i++ {
			_ = docket.AddEvidence(ctx, c.ID, dispute.Evidence{Submitter: "stress", Data: []byte(fmt.Sprintf("e%d", i))})
		}
		for i := 0; i < 2; i++ {
			select {
			case cases <- c.ID:
			case <-stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		pause(50, 100)
	}
}

// Ruler races other rulers on the same case. Only the first ruling may land.
func Ruler(ctx context.Context, docket *dispute.Repository, cases <-chan dispute.ID, stop <-chan struct{}) error {
	rulings := []dispute.Ruling{
		dispute.RulingRefused,
		dispute.RulingInFavorOfSubmitter,
		dispute.RulingInFavorOfChallenger,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case id := <-cases:
			if rand.Intn(2) == 0 {
				_, _ = docket.CloseEvidence(ctx, id)
			}
			_, err := docket.Resolve(ctx, id, rulings[rand.Intn(len(rulings))])
			if err != nil {
				if ferr := fatal(ctx, err); ferr != nil {
					return fmt.Errorf("ruler %d: %w", id, ferr)
				}
				continue
			}
			// a second ruling on a resolved case must bounce
			if _, err := docket.Resolve(ctx, id, dispute.RulingRefused); err == nil {
				return fmt.Errorf("ruler: case %d resolved twice", id)
			}
		}
	}
}
