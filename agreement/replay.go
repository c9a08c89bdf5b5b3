package agreement

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"

	"agreementflow/dispute"
	"agreementflow/events"
	"agreementflow/ledger"
	"agreementflow/setting"
)

// Restore rebuilds the engine from recorded events, oldest first. It runs
// before any other call and touches neither the vault, the arbitrators nor
// the sink. History opening with a setting leaves the service initialized
// with operator as the account allowed to change settings. On error the
// service is left as New returned it.
func (s *Service) Restore(operator ledger.AccountID, history []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized || s.seq != 0 {
		return ErrAlreadyInitialized
	}
	if len(history) == 0 {
		return nil
	}

	r := &replay{
		ledger:   ledger.New(),
		settings: setting.NewRegistry(),
		disputes: make(map[dispute.ID]dispute.Record),
	}
	r.tx = r.ledger.Begin()
	for _, ev := range history {
		if ev.Seq != r.seq+1 {
			return fmt.Errorf("%w: event %s has seq %d, want %d", ErrReplay, ev.ID, ev.Seq, r.seq+1)
		}
		if err := r.apply(ev); err != nil {
			return fmt.Errorf("%w: seq %d %s: %w", ErrReplay, ev.Seq, ev.Type, err)
		}
		r.seq = ev.Seq
	}
	r.tx.Commit()

	s.ledger = r.ledger
	s.settings = r.settings
	s.actions = r.actions
	s.challenges = r.challenges
	s.disputes = r.disputes
	s.seq = r.seq
	s.initialized = r.settings.CurrentID() > 0
	if s.initialized {
		s.operator = operator
	}
	s.logger.Info("agreement restored", "events", len(history), "seq", s.seq,
		"settings", r.settings.CurrentID(), "actions", len(r.actions), "challenges", len(r.challenges), "disputes", len(r.disputes))
	return nil
}

// replay is the state under reconstruction.
type replay struct {
	ledger     *ledger.Ledger
	tx         *ledger.Tx
	settings   *setting.Registry
	actions    []Action
	challenges []Challenge
	disputes   map[dispute.ID]dispute.Record
	seq        uint64
}

var replayedChallengeStates = map[events.Type]ChallengeState{
	events.TypeActionSettled:  ChallengeSettled,
	events.TypeActionAccepted: ChallengeRejected,
	events.TypeActionRejected: ChallengeAccepted,
	events.TypeActionVoided:   ChallengeVoided,
}

func (r *replay) apply(ev events.Event) error {
	p := &payload{m: ev.Payload}
	switch ev.Type {
	case events.TypeBalanceStaked, events.TypeBalanceUnstaked, events.TypeBalanceLocked,
		events.TypeBalanceUnlocked, events.TypeBalanceChallenged, events.TypeBalanceUnchallenged,
		events.TypeBalanceSlashed, events.TypeBalanceTransferred:
		return r.balance(ev.Type, p)

	case events.TypeSettingChanged:
		params := setting.Params{
			Title:               p.text("title"),
			Content:             p.blob("content"),
			Arbitrator:          ledger.AccountID(p.text("arbitrator")),
			CollateralToken:     ledger.TokenID(p.text("collateral_token")),
			ActionCollateral:    ledger.Amount(p.num("action_collateral")),
			ChallengeCollateral: ledger.Amount(p.num("challenge_collateral")),
			ChallengeDuration:   p.span("challenge_duration"),
			SettlementDuration:  p.span("settlement_duration"),
			DelayPeriod:         p.span("delay_period"),
		}
		id := p.num("setting_id")
		if p.err != nil {
			return p.err
		}
		st, err := r.settings.Add(params, ev.OccurredAt)
		if err != nil {
			return err
		}
		if st.ID != id {
			return fmt.Errorf("setting id %d, registry assigned %d", id, st.ID)
		}
		return nil

	case events.TypeActionScheduled:
		a := Action{
			ID:                 ev.ActionID,
			SettingID:          p.num("setting_id"),
			Submitter:          ledger.AccountID(p.text("submitter")),
			Context:            p.blob("context"),
			Script:             p.blob("script"),
			State:              ActionScheduled,
			CollateralToken:    ledger.TokenID(p.text("collateral_token")),
			Collateral:         ledger.Amount(p.num("collateral")),
			ScheduledAt:        p.instant("scheduled_at"),
			ChallengeStartDate: p.instant("challenge_start_date"),
			ChallengeEndDate:   p.instant("challenge_end_date"),
		}
		if p.err != nil {
			return p.err
		}
		if a.ID != uint64(len(r.actions))+1 {
			return fmt.Errorf("action id %d out of order", a.ID)
		}
		r.actions = append(r.actions, a)
		return nil

	case events.TypeActionChallenged:
		a, err := r.action(ev.ActionID)
		if err != nil {
			return err
		}
		c := Challenge{
			ID:                  p.num("challenge_id"),
			ActionID:            a.ID,
			Challenger:          ledger.AccountID(p.text("challenger")),
			Context:             p.blob("context"),
			SettlementOffer:     ledger.Amount(p.num("settlement_offer")),
			SettlementEndDate:   p.instant("settlement_end_date"),
			Collateral:          ledger.Amount(p.num("collateral")),
			ArbitratorFeeToken:  ledger.TokenID(p.text("fee_token")),
			ArbitratorFeeAmount: ledger.Amount(p.num("fee_amount")),
			State:               ChallengeWaiting,
		}
		if p.err != nil {
			return p.err
		}
		if c.ID != uint64(len(r.challenges))+1 {
			return fmt.Errorf("challenge id %d out of order", c.ID)
		}
		r.challenges = append(r.challenges, c)
		a.State = ActionChallenged
		a.LastChallengeID = c.ID
		return nil

	case events.TypeActionSettled, events.TypeActionAccepted, events.TypeActionRejected, events.TypeActionVoided:
		c, err := r.challenge(p)
		if err != nil {
			return err
		}
		c.State = replayedChallengeStates[ev.Type]
		return nil

	case events.TypeActionDisputed:
		c, err := r.challenge(p)
		if err != nil {
			return err
		}
		id := dispute.ID(p.num("dispute_id"))
		if p.err != nil {
			return p.err
		}
		if _, exists := r.disputes[id]; exists || id == 0 {
			return fmt.Errorf("dispute id %d reused", id)
		}
		c.State = ChallengeDisputed
		c.DisputeID = id
		r.disputes[id] = dispute.Record{ID: id, ActionID: c.ActionID}
		return nil

	case events.TypeEvidenceSubmitted:
		rec, err := r.dispute(p)
		if err != nil {
			return err
		}
		sender := ledger.AccountID(p.text("submitter"))
		finished := p.flag("finished")
		if p.err != nil {
			return p.err
		}
		if !finished {
			return nil
		}
		a, err := r.action(rec.ActionID)
		if err != nil {
			return err
		}
		if sender == a.Submitter {
			rec.SubmitterFinishedEvidence = true
		} else {
			rec.ChallengerFinishedEvidence = true
		}
		r.disputes[rec.ID] = rec
		return nil

	case events.TypeEvidencePeriodClosed:
		rec, err := r.dispute(p)
		if err != nil {
			return err
		}
		rec.SubmitterFinishedEvidence = true
		rec.ChallengerFinishedEvidence = true
		r.disputes[rec.ID] = rec
		return nil

	case events.TypeRuled:
		rec, err := r.dispute(p)
		if err != nil {
			return err
		}
		raw := p.num("ruling")
		if p.err != nil {
			return p.err
		}
		if raw > math.MaxUint8 {
			return fmt.Errorf("%w: %d", dispute.ErrUnknownRuling, raw)
		}
		ruling := dispute.Ruling(raw)
		if _, err := ruling.Outcome(); err != nil {
			return err
		}
		rec.Ruling = ruling
		r.disputes[rec.ID] = rec
		return nil

	case events.TypeActionCancelled, events.TypeActionExecuted:
		a, err := r.action(ev.ActionID)
		if err != nil {
			return err
		}
		a.State = ActionExecuted
		if ev.Type == events.TypeActionCancelled {
			a.State = ActionCancelled
		}
		return nil
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

func (r *replay) balance(t events.Type, p *payload) error {
	account := ledger.AccountID(p.text("account"))
	token := ledger.TokenID(p.text("token"))
	amount := ledger.Amount(p.num("amount"))
	if p.err != nil {
		return p.err
	}
	switch t {
	case events.TypeBalanceStaked:
		return r.tx.Deposit(account, token, amount)
	case events.TypeBalanceUnstaked:
		return r.tx.Withdraw(account, token, amount)
	case events.TypeBalanceLocked:
		return r.tx.Lock(account, token, amount)
	case events.TypeBalanceUnlocked:
		return r.tx.Unlock(account, token, amount)
	case events.TypeBalanceChallenged:
		return r.tx.Challenge(account, token, amount)
	case events.TypeBalanceUnchallenged:
		dest := ledger.Bucket(p.text("to"))
		if p.err != nil {
			return p.err
		}
		return r.tx.Unchallenge(account, token, amount, dest)
	}
	beneficiary := ledger.AccountID(p.text("beneficiary"))
	if p.err != nil {
		return p.err
	}
	if t == events.TypeBalanceSlashed {
		return r.tx.Slash(account, token, amount, beneficiary)
	}
	return r.tx.Transfer(account, token, amount, beneficiary)
}

func (r *replay) action(id uint64) (*Action, error) {
	if id == 0 || id > uint64(len(r.actions)) {
		return nil, fmt.Errorf("%w: %d", ErrActionDoesNotExist, id)
	}
	return &r.actions[id-1], nil
}

func (r *replay) challenge(p *payload) (*Challenge, error) {
	id := p.num("challenge_id")
	if p.err != nil {
		return nil, p.err
	}
	if id == 0 || id > uint64(len(r.challenges)) {
		return nil, fmt.Errorf("%w: %d", ErrChallengeDoesNotExist, id)
	}
	return &r.challenges[id-1], nil
}

func (r *replay) dispute(p *payload) (dispute.Record, error) {
	id := dispute.ID(p.num("dispute_id"))
	if p.err != nil {
		return dispute.Record{}, p.err
	}
	rec, ok := r.disputes[id]
	if !ok {
		return dispute.Record{}, fmt.Errorf("%w: %d", ErrDisputeDoesNotExist, id)
	}
	return rec, nil
}

// payload reads typed fields out of an event payload. Numbers may arrive as
// Go integers or as json.Number after a trip through the journal. The first
// failure sticks in err and later reads return zero values.
type payload struct {
	m   map[string]any
	err error
}

func (p *payload) raw(key string) (any, bool) {
	if p.err != nil {
		return nil, false
	}
	v, ok := p.m[key]
	if !ok {
		p.err = fmt.Errorf("payload field %q missing", key)
		return nil, false
	}
	return v, true
}

func (p *payload) text(key string) string {
	v, ok := p.raw(key)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.err = fmt.Errorf("payload field %q is %T, not a string", key, v)
	}
	return s
}

func (p *payload) num(key string) uint64 {
	v, ok := p.raw(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(fmt.Sprint(v), 10, 64)
	if err != nil {
		p.err = fmt.Errorf("payload field %q: %w", key, err)
	}
	return n
}

func (p *payload) flag(key string) bool {
	v, ok := p.raw(key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		p.err = fmt.Errorf("payload field %q is %T, not a bool", key, v)
	}
	return b
}

func (p *payload) blob(key string) []byte {
	s := p.text(key)
	if p.err != nil {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		p.err = fmt.Errorf("payload field %q: %w", key, err)
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	return b
}

func (p *payload) instant(key string) time.Time {
	s := p.text(key)
	if p.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		p.err = fmt.Errorf("payload field %q: %w", key, err)
	}
	return t
}

func (p *payload) span(key string) time.Duration {
	s := p.text(key)
	if p.err != nil {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.err = fmt.Errorf("payload field %q: %w", key, err)
	}
	return d
}
