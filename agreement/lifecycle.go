package agreement

import (
	"context"
	"errors"
	"fmt"

	"agreementflow/events"
	"agreementflow/ledger"
	"agreementflow/setting"
)

// Initialize creates the first setting. It can succeed once.
func (s *Service) Initialize(ctx context.Context, p InitParams) (setting.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return setting.Setting{}, s.reject("initialize", ErrAlreadyInitialized)
	}
	if s.vault == nil {
		return setting.Setting{}, s.reject("initialize", ErrInvalidStakingBackend)
	}
	if err := s.checkSetting(p.Setting); err != nil {
		return setting.Setting{}, s.reject("initialize", err)
	}

	o := s.begin("initialize", 0)
	s.stageSetting(o, p.Setting)
	if _, err := o.commit(ctx); err != nil {
		return setting.Setting{}, err
	}
	s.initialized = true
	s.operator = p.Operator

	current, err := s.settings.Current()
	if err != nil {
		return setting.Setting{}, err
	}
	s.logger.Info("agreement initialized", "setting_id", current.ID, "arbitrator", current.Arbitrator, "operator", p.Operator)
	return current, nil
}

// ChangeSetting appends a new current setting. Only the operator may call it.
// Actions already scheduled keep resolving against their own setting.
func (s *Service) ChangeSetting(ctx context.Context, sender ledger.AccountID, p setting.Params) (setting.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return setting.Setting{}, err
	}
	if s.operator == "" || sender != s.operator {
		return setting.Setting{}, s.reject("change_setting", ErrSenderNotAllowed, "sender", sender)
	}
	if err := s.checkSetting(p); err != nil {
		return setting.Setting{}, s.reject("change_setting", err)
	}

	o := s.begin("change_setting", 0)
	s.stageSetting(o, p)
	if _, err := o.commit(ctx); err != nil {
		return setting.Setting{}, err
	}
	current, err := s.settings.Current()
	if err != nil {
		return setting.Setting{}, err
	}
	s.logger.Info("setting changed", "setting_id", current.ID)
	return current, nil
}

func (s *Service) checkSetting(p setting.Params) error {
	if err := p.Validate(); err != nil {
		if errors.Is(err, setting.ErrInvalidArbitrator) {
			return fmt.Errorf("%w: %w", ErrInvalidArbitrator, err)
		}
		return err
	}
	if _, err := s.arbitrators.Lookup(p.Arbitrator); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArbitrator, err)
	}
	return nil
}

func (s *Service) stageSetting(o *op, p setting.Params) {
	o.setting = &p
	o.emit(events.TypeSettingChanged, map[string]any{
		"setting_id":           s.settings.CurrentID() + 1,
		"title":                p.Title,
		"arbitrator":           string(p.Arbitrator),
		"collateral_token":     string(p.CollateralToken),
		"action_collateral":    uint64(p.ActionCollateral),
		"challenge_collateral": uint64(p.ChallengeCollateral),
		"challenge_duration":   p.ChallengeDuration.String(),
		"settlement_duration":  p.SettlementDuration.String(),
		"delay_period":         p.DelayPeriod.String(),
		"content":              encodeBytes(p.Content),
	})
}

// Stake pulls amount from the account's external wallet into available.
func (s *Service) Stake(ctx context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return err
	}
	o := s.begin("stake", 0)
	if err := o.tx.Deposit(account, token, amount); err != nil {
		return s.reject("stake", o.fail(err), "account", account)
	}
	if err := s.vault.Pull(ctx, account, token, amount); err != nil {
		return o.fail(fmt.Errorf("agreement: stake: pull: %w", err))
	}
	if _, err := o.commit(ctx); err != nil {
		if perr := s.vault.Push(ctx, account, token, amount); perr != nil {
			s.logger.Error("stake compensation failed", "account", account, "token", token, "amount", uint64(amount), "err", perr)
		}
		return err
	}
	s.logger.Info("balance staked", "account", account, "token", token, "amount", uint64(amount))
	return nil
}

// Unstake pushes amount from available back to the account's external wallet.
func (s *Service) Unstake(ctx context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return err
	}
	o := s.begin("unstake", 0)
	if err := o.tx.Withdraw(account, token, amount); err != nil {
		return s.reject("unstake", o.fail(err), "account", account)
	}
	if err := s.vault.Push(ctx, account, token, amount); err != nil {
		return o.fail(fmt.Errorf("agreement: unstake: push: %w", err))
	}
	if _, err := o.commit(ctx); err != nil {
		if perr := s.vault.Pull(ctx, account, token, amount); perr != nil {
			s.logger.Error("unstake compensation failed", "account", account, "token", token, "amount", uint64(amount), "err", perr)
		}
		return err
	}
	s.logger.Info("balance unstaked", "account", account, "token", token, "amount", uint64(amount))
	return nil
}

// Schedule registers an action under the current setting and locks the
// submitter's action collateral.
func (s *Service) Schedule(ctx context.Context, p ScheduleParams) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return Action{}, err
	}
	if p.Submitter == "" {
		return Action{}, s.reject("schedule", ledger.ErrInvalidAccount)
	}
	st, err := s.settings.Current()
	if err != nil {
		return Action{}, err
	}

	id := uint64(len(s.actions)) + 1
	o := s.begin("schedule", id)
	if err := o.tx.Lock(p.Submitter, st.CollateralToken, st.ActionCollateral); err != nil {
		return Action{}, s.reject("schedule", o.fail(err), "submitter", p.Submitter)
	}

	start, end := st.ChallengeWindow(o.now)
	a := Action{
		ID:                 id,
		SettingID:          st.ID,
		Submitter:          p.Submitter,
		Context:            cloneBytes(p.Context),
		Script:             cloneBytes(p.Script),
		State:              ActionScheduled,
		CollateralToken:    st.CollateralToken,
		Collateral:         st.ActionCollateral,
		ScheduledAt:        o.now,
		ChallengeStartDate: start,
		ChallengeEndDate:   end,
	}
	o.putAction(a)
	o.emit(events.TypeActionScheduled, map[string]any{
		"submitter":            string(a.Submitter),
		"setting_id":           a.SettingID,
		"context":              encodeBytes(a.Context),
		"script":               encodeBytes(a.Script),
		"collateral_token":     string(a.CollateralToken),
		"collateral":           uint64(a.Collateral),
		"scheduled_at":         formatTime(a.ScheduledAt),
		"challenge_start_date": formatTime(a.ChallengeStartDate),
		"challenge_end_date":   formatTime(a.ChallengeEndDate),
	})
	if _, err := o.commit(ctx); err != nil {
		return Action{}, err
	}
	s.logger.Info("action scheduled", "op", "schedule", "action_id", id, "submitter", p.Submitter, "setting_id", st.ID)
	return a.clone(), nil
}

// Cancel withdraws an action. Only the submitter may cancel.
func (s *Service) Cancel(ctx context.Context, sender ledger.AccountID, actionID uint64) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return Action{}, err
	}
	a, err := s.action(actionID)
	if err != nil {
		return Action{}, s.reject("cancel", err)
	}
	o := s.begin("cancel", actionID)
	if !s.pathsOf(a, o.now).CanCancel {
		return Action{}, s.reject("cancel", o.fail(ErrCannotCancel), "action_id", actionID, "state", a.State)
	}
	if sender != a.Submitter {
		return Action{}, s.reject("cancel", o.fail(ErrSenderNotAllowed), "action_id", actionID, "sender", sender)
	}

	if err := s.release(o, a); err != nil {
		return Action{}, o.fail(err)
	}
	a.State = ActionCancelled
	o.putAction(a)
	o.emit(events.TypeActionCancelled, nil)
	if _, err := o.commit(ctx); err != nil {
		return Action{}, err
	}
	s.logger.Info("action cancelled", "op", "cancel", "action_id", actionID)
	return a.clone(), nil
}

// Execute runs an action whose challenge window closed unopposed, or whose
// challenge was rejected. Anyone may execute. The executor runs only after
// the transition is recorded; a script failure is reported with
// ErrScriptFailed and leaves the action executed.
func (s *Service) Execute(ctx context.Context, actionID uint64) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitialized(); err != nil {
		return Action{}, err
	}
	a, err := s.action(actionID)
	if err != nil {
		return Action{}, s.reject("execute", err)
	}
	o := s.begin("execute", actionID)
	if !s.pathsOf(a, o.now).CanExecute {
		return Action{}, s.reject("execute", o.fail(ErrCannotExecute), "action_id", actionID, "state", a.State)
	}

	if err := s.release(o, a); err != nil {
		return Action{}, o.fail(err)
	}
	a.State = ActionExecuted
	if pf, ok := s.executor.(Preflighter); ok {
		if err := pf.Preflight(ctx, a.clone()); err != nil {
			return Action{}, s.reject("execute", o.fail(fmt.Errorf("%w: %w", ErrScriptRefused, err)), "action_id", actionID)
		}
	}
	o.putAction(a)
	o.emit(events.TypeActionExecuted, nil)
	if _, err := o.commit(ctx); err != nil {
		return Action{}, err
	}
	s.logger.Info("action executed", "op", "execute", "action_id", actionID)

	// The transition is recorded; the script runs at most once per action.
	if err := s.executor.Execute(ctx, a.clone()); err != nil {
		s.logger.Error("action script failed", "op", "execute", "action_id", actionID, "err", err)
		return a.clone(), fmt.Errorf("%w: action %d: %w", ErrScriptFailed, actionID, err)
	}
	return a.clone(), nil
}

// release frees the action collateral of an unchallenged action. After a
// rejected challenge the ruling already returned it.
func (s *Service) release(o *op, a Action) error {
	if a.State != ActionScheduled {
		return nil
	}
	return o.tx.Unlock(a.Submitter, a.CollateralToken, a.Collateral)
}
