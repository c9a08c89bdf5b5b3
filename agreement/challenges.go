package agreement

import (
	"context"
	"fmt"

	"agreementflow/arbitrator"
	"agreementflow/dispute"
	"agreementflow/events"
	"agreementflow/ledger"
	"agreementflow/setting"
)

// Challenge objects to a scheduled action inside its challenge window. The
// submitter's collateral moves to challenged; the challenger locks the
// challenge collateral and the arbitration fee.
func (s *Service) Challenge(ctx context.Context, p ChallengeParams) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return Challenge{}, err
	}
	a, err := s.action(p.ActionID)
	if err != nil {
		return Challenge{}, s.reject("challenge", err)
	}
	o := s.begin("challenge", a.ID)
	if !s.pathsOf(a, o.now).CanChallenge {
		return Challenge{}, s.reject("challenge", o.fail(ErrCannotChallenge), "action_id", a.ID, "state", a.State)
	}
	if p.Challenger == "" {
		return Challenge{}, s.reject("challenge", o.fail(ledger.ErrInvalidAccount))
	}
	if p.Challenger == a.Submitter {
		return Challenge{}, s.reject("challenge", o.fail(fmt.Errorf("%w: submitter cannot challenge", ErrCannotChallenge)), "action_id", a.ID)
	}
	if p.SettlementOffer > a.Collateral {
		return Challenge{}, s.reject("challenge", o.fail(fmt.Errorf("%w: %d exceeds collateral %d", ErrInvalidSettlementOffer, p.SettlementOffer, a.Collateral)))
	}

	st, arb, err := s.arbitratorFor(a)
	if err != nil {
		return Challenge{}, o.fail(err)
	}
	fees, err := arb.DisputeFees(ctx)
	if err != nil {
		return Challenge{}, o.fail(fmt.Errorf("agreement: challenge: dispute fees: %w", err))
	}

	if err := o.tx.Challenge(a.Submitter, a.CollateralToken, a.Collateral); err != nil {
		return Challenge{}, o.fail(err)
	}
	if err := o.tx.Lock(p.Challenger, st.CollateralToken, st.ChallengeCollateral); err != nil {
		return Challenge{}, s.reject("challenge", o.fail(err), "challenger", p.Challenger)
	}
	if err := o.tx.Lock(p.Challenger, fees.Token, fees.Amount); err != nil {
		return Challenge{}, s.reject("challenge", o.fail(err), "challenger", p.Challenger)
	}

	c := Challenge{
		ID:                  uint64(len(s.challenges)) + 1,
		ActionID:            a.ID,
		Challenger:          p.Challenger,
		Context:             cloneBytes(p.Context),
		SettlementOffer:     p.SettlementOffer,
		SettlementEndDate:   o.now.Add(st.SettlementDuration),
		Collateral:          st.ChallengeCollateral,
		ArbitratorFeeToken:  fees.Token,
		ArbitratorFeeAmount: fees.Amount,
		State:               ChallengeWaiting,
	}
	a.State = ActionChallenged
	a.LastChallengeID = c.ID
	o.putAction(a)
	o.putChallenge(c)
	o.emit(events.TypeActionChallenged, map[string]any{
		"challenge_id":        c.ID,
		"challenger":          string(c.Challenger),
		"context":             encodeBytes(c.Context),
		"settlement_offer":    uint64(c.SettlementOffer),
		"settlement_end_date": formatTime(c.SettlementEndDate),
		"collateral":          uint64(c.Collateral),
		"fee_token":           string(c.ArbitratorFeeToken),
		"fee_amount":          uint64(c.ArbitratorFeeAmount),
	})
	if _, err := o.commit(ctx); err != nil {
		return Challenge{}, err
	}
	s.logger.Info("action challenged", "op", "challenge", "action_id", a.ID, "challenge_id", c.ID, "challenger", c.Challenger)
	return c.clone(), nil
}

// Settle accepts the challenger's offer. Only the submitter may settle, and
// only inside the settlement window.
func (s *Service) Settle(ctx context.Context, sender ledger.AccountID, actionID uint64) (Challenge, error) {
	return s.settlement(ctx, "settle", sender, actionID)
}

// ClaimSettlement lets the challenger take the offer once the submitter let
// the settlement window lapse without settling or disputing.
func (s *Service) ClaimSettlement(ctx context.Context, sender ledger.AccountID, actionID uint64) (Challenge, error) {
	return s.settlement(ctx, "claim_settlement", sender, actionID)
}

func (s *Service) settlement(ctx context.Context, name string, sender ledger.AccountID, actionID uint64) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return Challenge{}, err
	}
	a, err := s.action(actionID)
	if err != nil {
		return Challenge{}, s.reject(name, err)
	}
	o := s.begin(name, actionID)
	paths := s.pathsOf(a, o.now)
	c, _ := s.live(a)

	allowed, guard, party := paths.CanSettle, ErrCannotSettle, a.Submitter
	if name == "claim_settlement" {
		allowed, guard = paths.CanClaimSettlement, ErrCannotClaimSettlement
		if c != nil {
			party = c.Challenger
		}
	}
	if !allowed || c == nil {
		return Challenge{}, s.reject(name, o.fail(guard), "action_id", actionID, "state", a.State)
	}
	if sender != party {
		return Challenge{}, s.reject(name, o.fail(ErrSenderNotAllowed), "action_id", actionID, "sender", sender)
	}

	ch := *c
	token := a.CollateralToken
	if err := o.tx.Slash(a.Submitter, token, ch.SettlementOffer, ch.Challenger); err != nil {
		return Challenge{}, o.fail(err)
	}
	if err := o.tx.Unchallenge(a.Submitter, token, a.Collateral-ch.SettlementOffer, ledger.BucketAvailable); err != nil {
		return Challenge{}, o.fail(err)
	}
	if err := s.refundChallenger(o, ch, true); err != nil {
		return Challenge{}, o.fail(err)
	}
	ch.State = ChallengeSettled
	o.putChallenge(ch)
	o.emit(events.TypeActionSettled, map[string]any{
		"challenge_id":     ch.ID,
		"settlement_offer": uint64(ch.SettlementOffer),
	})
	if _, err := o.commit(ctx); err != nil {
		return Challenge{}, err
	}
	s.logger.Info("action settled", "op", name, "action_id", actionID, "challenge_id", ch.ID)
	return ch.clone(), nil
}

// refundChallenger unlocks the challenge collateral and, while the fee has
// not been paid to the arbitrator, the arbitration fee.
func (s *Service) refundChallenger(o *op, c Challenge, withFee bool) error {
	a, err := s.action(c.ActionID)
	if err != nil {
		return err
	}
	st, err := s.settings.At(a.SettingID)
	if err != nil {
		return err
	}
	if err := o.tx.Unlock(c.Challenger, st.CollateralToken, c.Collateral); err != nil {
		return err
	}
	if !withFee {
		return nil
	}
	return o.tx.Unlock(c.Challenger, c.ArbitratorFeeToken, c.ArbitratorFeeAmount)
}

// Dispute escalates a waiting challenge to the arbitrator. The submitter may
// dispute at any time while the challenge waits; the challenger only inside
// the settlement window. The arbitration fee is paid to the arbitrator.
func (s *Service) Dispute(ctx context.Context, sender ledger.AccountID, actionID uint64) (dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return dispute.Record{}, err
	}
	a, err := s.action(actionID)
	if err != nil {
		return dispute.Record{}, s.reject("dispute", err)
	}
	o := s.begin("dispute", actionID)
	c, _ := s.live(a)
	if !s.pathsOf(a, o.now).CanDispute || c == nil {
		return dispute.Record{}, s.reject("dispute", o.fail(ErrCannotDispute), "action_id", actionID, "state", a.State)
	}
	switch sender {
	case a.Submitter:
	case c.Challenger:
		if !o.now.Before(c.SettlementEndDate) {
			return dispute.Record{}, s.reject("dispute", o.fail(fmt.Errorf("%w: settlement window closed", ErrCannotDispute)), "action_id", actionID)
		}
	default:
		return dispute.Record{}, s.reject("dispute", o.fail(ErrSenderNotAllowed), "action_id", actionID, "sender", sender)
	}

	st, arb, err := s.arbitratorFor(a)
	if err != nil {
		return dispute.Record{}, o.fail(err)
	}
	ch := *c
	if err := o.tx.Transfer(ch.Challenger, ch.ArbitratorFeeToken, ch.ArbitratorFeeAmount, st.Arbitrator); err != nil {
		return dispute.Record{}, o.fail(err)
	}
	id, adopted := s.pending[ch.ID]
	if !adopted {
		if id, err = arb.CreateDispute(ctx, a.ID, a.Context); err != nil {
			return dispute.Record{}, o.fail(fmt.Errorf("agreement: dispute: create: %w", err))
		}
		if _, exists := s.disputes[id]; exists || id == 0 {
			return dispute.Record{}, o.fail(fmt.Errorf("agreement: dispute: arbitrator returned unusable id %d", id))
		}
	}

	rec := dispute.Record{ID: id, ActionID: a.ID}
	ch.State = ChallengeDisputed
	ch.DisputeID = id
	o.putChallenge(ch)
	o.putDispute(rec)
	o.emit(events.TypeActionDisputed, map[string]any{
		"challenge_id": ch.ID,
		"dispute_id":   uint64(id),
		"disputer":     string(sender),
	})
	if _, err := o.commit(ctx); err != nil {
		// The case exists at the arbitrator; the next attempt adopts it.
		s.pending[ch.ID] = id
		s.logger.Warn("dispute opened at arbitrator but not recorded", "action_id", a.ID, "dispute_id", id, "err", err)
		return dispute.Record{}, err
	}
	delete(s.pending, ch.ID)
	s.logger.Info("action disputed", "op", "dispute", "action_id", a.ID, "dispute_id", id, "adopted", adopted)
	return rec, nil
}

// SubmitEvidence forwards a party's evidence to the arbitrator. When both
// parties have finished, the evidence period is closed.
func (s *Service) SubmitEvidence(ctx context.Context, p EvidenceParams) (dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return dispute.Record{}, err
	}
	o, a, c, rec, arb, err := s.evidenceGuard("submit_evidence", p.Sender, p.ActionID)
	if err != nil {
		return dispute.Record{}, err
	}
	if (p.Sender == a.Submitter && rec.SubmitterFinishedEvidence) ||
		(p.Sender == c.Challenger && rec.ChallengerFinishedEvidence) {
		return dispute.Record{}, s.reject("submit_evidence", o.fail(fmt.Errorf("%w: party already finished", ErrCannotSubmitEvidence)), "action_id", a.ID)
	}

	if len(p.Evidence) > 0 {
		if err := arb.SubmitEvidence(ctx, rec.ID, p.Sender, p.Evidence); err != nil {
			return dispute.Record{}, o.fail(fmt.Errorf("agreement: submit evidence: %w", err))
		}
	}
	if p.Finished {
		if p.Sender == a.Submitter {
			rec.SubmitterFinishedEvidence = true
		} else {
			rec.ChallengerFinishedEvidence = true
		}
	}
	o.emit(events.TypeEvidenceSubmitted, map[string]any{
		"dispute_id": uint64(rec.ID),
		"submitter":  string(p.Sender),
		"finished":   p.Finished,
	})
	if rec.SubmitterFinishedEvidence && rec.ChallengerFinishedEvidence {
		if err := arb.CloseEvidencePeriod(ctx, rec.ID); err != nil {
			return dispute.Record{}, o.fail(fmt.Errorf("agreement: close evidence period: %w", err))
		}
		o.emit(events.TypeEvidencePeriodClosed, map[string]any{"dispute_id": uint64(rec.ID)})
	}
	o.putDispute(rec)
	if _, err := o.commit(ctx); err != nil {
		return dispute.Record{}, err
	}
	s.logger.Info("evidence submitted", "op", "submit_evidence", "action_id", a.ID, "dispute_id", rec.ID, "finished", p.Finished)
	return rec, nil
}

// CloseEvidencePeriod ends the evidence period on behalf of both parties.
func (s *Service) CloseEvidencePeriod(ctx context.Context, sender ledger.AccountID, actionID uint64) (dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return dispute.Record{}, err
	}
	o, a, _, rec, arb, err := s.evidenceGuard("close_evidence", sender, actionID)
	if err != nil {
		return dispute.Record{}, err
	}
	if rec.SubmitterFinishedEvidence && rec.ChallengerFinishedEvidence {
		return dispute.Record{}, s.reject("close_evidence", o.fail(fmt.Errorf("%w: evidence period closed", ErrCannotSubmitEvidence)), "action_id", a.ID)
	}
	if err := arb.CloseEvidencePeriod(ctx, rec.ID); err != nil {
		return dispute.Record{}, o.fail(fmt.Errorf("agreement: close evidence period: %w", err))
	}
	rec.SubmitterFinishedEvidence = true
	rec.ChallengerFinishedEvidence = true
	o.putDispute(rec)
	o.emit(events.TypeEvidencePeriodClosed, map[string]any{"dispute_id": uint64(rec.ID)})
	if _, err := o.commit(ctx); err != nil {
		return dispute.Record{}, err
	}
	s.logger.Info("evidence period closed", "op", "close_evidence", "action_id", a.ID, "dispute_id", rec.ID)
	return rec, nil
}

func (s *Service) evidenceGuard(name string, sender ledger.AccountID, actionID uint64) (*op, Action, Challenge, dispute.Record, arbitrator.Arbitrator, error) {
	a, err := s.action(actionID)
	if err != nil {
		return nil, Action{}, Challenge{}, dispute.Record{}, nil, s.reject(name, err)
	}
	o := s.begin(name, actionID)
	c, d := s.live(a)
	if c == nil || c.State != ChallengeDisputed || d == nil || d.Ruled() {
		return nil, a, Challenge{}, dispute.Record{}, nil, s.reject(name, o.fail(ErrCannotSubmitEvidence), "action_id", actionID, "state", a.State)
	}
	if sender != a.Submitter && sender != c.Challenger {
		return nil, a, *c, *d, nil, s.reject(name, o.fail(ErrSenderNotAllowed), "action_id", actionID, "sender", sender)
	}
	_, arb, err := s.arbitratorFor(a)
	if err != nil {
		return nil, a, *c, *d, nil, o.fail(err)
	}
	return o, a, *c, *d, arb, nil
}

// Rule handles the arbitrator's callback for a dispute.
func (s *Service) Rule(ctx context.Context, msg dispute.RulingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return err
	}
	rec, ok := s.disputes[msg.DisputeID]
	if !ok {
		return s.reject("rule", fmt.Errorf("%w: %d", ErrDisputeDoesNotExist, msg.DisputeID))
	}
	return s.ruleAction(ctx, ledger.AccountID(msg.Sender), rec.ActionID, msg.Ruling)
}

// RuleAction applies a ruling to the dispute of the given action.
func (s *Service) RuleAction(ctx context.Context, sender ledger.AccountID, actionID uint64, ruling dispute.Ruling) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return err
	}
	return s.ruleAction(ctx, sender, actionID, ruling)
}

func (s *Service) ruleAction(ctx context.Context, sender ledger.AccountID, actionID uint64, ruling dispute.Ruling) error {
	a, err := s.action(actionID)
	if err != nil {
		return s.reject("rule", err)
	}
	o := s.begin("rule", actionID)
	if !s.pathsOf(a, o.now).CanRuleDispute {
		return s.reject("rule", o.fail(ErrCannotRuleAction), "action_id", actionID, "state", a.State)
	}
	st, err := s.settings.At(a.SettingID)
	if err != nil {
		return o.fail(err)
	}
	if sender != st.Arbitrator {
		return s.reject("rule", o.fail(ErrSenderNotAllowed), "action_id", actionID, "sender", sender)
	}
	outcome, err := ruling.Outcome()
	if err != nil {
		return s.reject("rule", o.fail(err), "action_id", actionID)
	}

	c, d := s.live(a)
	ch, rec := *c, *d
	o.emit(events.TypeRuled, map[string]any{
		"arbitrator": string(st.Arbitrator),
		"dispute_id": uint64(rec.ID),
		"ruling":     uint8(ruling),
	})

	var outcomeEvent events.Type
	switch outcome {
	case dispute.OutcomeRejected:
		err = o.tx.Unchallenge(a.Submitter, a.CollateralToken, a.Collateral, ledger.BucketAvailable)
		outcomeEvent = events.TypeActionAccepted
	case dispute.OutcomeAccepted:
		err = o.tx.Slash(a.Submitter, a.CollateralToken, a.Collateral, ch.Challenger)
		outcomeEvent = events.TypeActionRejected
	case dispute.OutcomeVoided:
		err = o.tx.Unchallenge(a.Submitter, a.CollateralToken, a.Collateral, ledger.BucketAvailable)
		outcomeEvent = events.TypeActionVoided
	}
	if err != nil {
		return o.fail(err)
	}
	if err := s.refundChallenger(o, ch, false); err != nil {
		return o.fail(err)
	}

	ch.State = outcomeStates[outcome]
	rec.Ruling = ruling
	o.putChallenge(ch)
	o.putDispute(rec)
	o.emit(outcomeEvent, map[string]any{"challenge_id": ch.ID})
	if _, err := o.commit(ctx); err != nil {
		return err
	}
	s.logger.Info("action ruled", "op", "rule", "action_id", actionID, "dispute_id", rec.ID, "ruling", ruling.String())
	return nil
}

func (s *Service) arbitratorFor(a Action) (setting.Setting, arbitrator.Arbitrator, error) {
	st, err := s.settings.At(a.SettingID)
	if err != nil {
		return setting.Setting{}, nil, err
	}
	arb, err := s.arbitrators.Lookup(st.Arbitrator)
	if err != nil {
		return setting.Setting{}, nil, fmt.Errorf("%w: %w", ErrInvalidArbitrator, err)
	}
	return st, arb, nil
}
