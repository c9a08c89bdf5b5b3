package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agreementflow/arbitrator"
	"agreementflow/dispute"
	"agreementflow/events"
	"agreementflow/ledger"
	"agreementflow/setting"
	"agreementflow/vault"
)

const (
	submitter  ledger.AccountID = "alice"
	challenger ledger.AccountID = "bob"
	stranger   ledger.AccountID = "mallory"
	judge      ledger.AccountID = "court"
	operator   ledger.AccountID = "ops"
	ant        ledger.TokenID   = "ANT"
	dai        ledger.TokenID   = "DAI"

	actionCollateral    ledger.Amount = 10
	challengeCollateral ledger.Amount = 5
	feeAmount           ledger.Amount = 2

	delayPeriod        = time.Hour
	challengeDuration  = 72 * time.Hour
	settlementDuration = 24 * time.Hour
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// flakySink fails every batch while broken is set.
type flakySink struct {
	log    *events.Log
	broken bool
}

func (f *flakySink) Record(ctx context.Context, batch []events.Event) error {
	if f.broken {
		return errors.New("journal unavailable")
	}
	return f.log.Record(ctx, batch)
}

type countingExecutor struct{ executed []uint64 }

func (e *countingExecutor) Execute(_ context.Context, a Action) error {
	e.executed = append(e.executed, a.ID)
	return nil
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	svc      *Service
	clock    *fakeClock
	wallets  *vault.Memory
	court    *arbitrator.Court
	sink     *flakySink
	executor *countingExecutor
}

func defaultSetting() setting.Params {
	return setting.Params{
		Title:               "Sample Agreement",
		Content:             []byte("ipfs:QmAgreement"),
		Arbitrator:          judge,
		CollateralToken:     ant,
		ActionCollateral:    actionCollateral,
		ChallengeCollateral: challengeCollateral,
		ChallengeDuration:   challengeDuration,
		SettlementDuration:  settlementDuration,
		DelayPeriod:         delayPeriod,
	}
}

// newUninitialized wires a service without calling Initialize.
func newUninitialized(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		wallets:  vault.NewMemory(),
		sink:     &flakySink{log: events.NewLog()},
		executor: &countingExecutor{},
	}
	h.court = arbitrator.NewCourt(judge, arbitrator.Fees{Token: dai, Amount: feeAmount}, dispute.NewMemory())
	dir := arbitrator.NewDirectory()
	dir.Register(judge, h.court)
	h.svc = New(h.wallets, dir, h.sink, WithClock(h.clock.Now), WithExecutor(h.executor))
	h.court.Bind(h.svc)
	return h
}

// newHarness returns an initialized service where the submitter and the
// challenger have staked 100 ANT and the challenger 10 DAI.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := newUninitialized(t)
	_, err := h.svc.Initialize(h.ctx, InitParams{Operator: operator, Setting: defaultSetting()})
	require.NoError(t, err)

	h.fund(submitter, ant, 100)
	h.fund(challenger, ant, 100)
	h.fund(challenger, dai, 10)
	return h
}

func (h *harness) fund(account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) {
	h.t.Helper()
	require.NoError(h.t, h.wallets.Credit(h.ctx, account, token, amount))
	require.NoError(h.t, h.svc.Stake(h.ctx, account, token, amount))
}

func (h *harness) balance(account ledger.AccountID, token ledger.TokenID) ledger.Balance {
	return h.svc.BalanceOf(account, token)
}

func (h *harness) schedule() Action {
	h.t.Helper()
	a, err := h.svc.Schedule(h.ctx, ScheduleParams{Submitter: submitter, Context: []byte("ctx"), Script: []byte("script")})
	require.NoError(h.t, err)
	return a
}

// openWindow moves the clock past the delay period.
func (h *harness) openWindow() { h.clock.advance(delayPeriod) }

func (h *harness) challenge(actionID uint64, offer ledger.Amount) Challenge {
	h.t.Helper()
	c, err := h.svc.Challenge(h.ctx, ChallengeParams{ActionID: actionID, Challenger: challenger, Context: []byte("objection"), SettlementOffer: offer})
	require.NoError(h.t, err)
	return c
}

func (h *harness) dispute(actionID uint64) dispute.Record {
	h.t.Helper()
	d, err := h.svc.Dispute(h.ctx, submitter, actionID)
	require.NoError(h.t, err)
	return d
}

// disputed schedules, challenges and disputes an action.
func (h *harness) disputed() (Action, Challenge, dispute.Record) {
	h.t.Helper()
	a := h.schedule()
	h.openWindow()
	c := h.challenge(a.ID, 3)
	d := h.dispute(a.ID)
	return a, c, d
}

func (h *harness) events() []events.Event { return h.sink.log.Events() }
