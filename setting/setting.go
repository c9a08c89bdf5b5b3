// Package setting keeps the append-only history of agreement settings. Actions
// pin the setting id current at schedule time and resolve every later amount
// and duration against that entry.
package setting

import (
	"errors"
	"fmt"
	"time"

	"agreementflow/ledger"
)

var (
	// ErrSettingDoesNotExist is returned for id 0 or ids past the newest entry.
	ErrSettingDoesNotExist = errors.New("setting: does not exist")
	// ErrInvalidArbitrator signals a setting without an arbitrator reference.
	ErrInvalidArbitrator = errors.New("setting: invalid arbitrator")
	// ErrInvalidCollateralToken signals a setting without a collateral token.
	ErrInvalidCollateralToken = errors.New("setting: invalid collateral token")
	// ErrInvalidDuration signals a negative or zero-length window.
	ErrInvalidDuration = errors.New("setting: invalid duration")
)

// Setting is immutable once appended.
type Setting struct {
	ID                  uint64
	Title               string
	Content             []byte
	Arbitrator          ledger.AccountID
	CollateralToken     ledger.TokenID
	ActionCollateral    ledger.Amount
	ChallengeCollateral ledger.Amount
	ChallengeDuration   time.Duration
	SettlementDuration  time.Duration
	DelayPeriod         time.Duration
	CreatedAt           time.Time
}

// Params are the caller-supplied fields of a new setting.
type Params struct {
	Title               string
	Content             []byte
	Arbitrator          ledger.AccountID
	CollateralToken     ledger.TokenID
	ActionCollateral    ledger.Amount
	ChallengeCollateral ledger.Amount
	ChallengeDuration   time.Duration
	SettlementDuration  time.Duration
	DelayPeriod         time.Duration
}

// Validate checks the params are usable as a setting.
func (p Params) Validate() error {
	if p.Arbitrator == "" {
		return ErrInvalidArbitrator
	}
	if p.CollateralToken == "" {
		return ErrInvalidCollateralToken
	}
	if p.ChallengeDuration <= 0 {
		return fmt.Errorf("%w: challenge duration %s", ErrInvalidDuration, p.ChallengeDuration)
	}
	if p.SettlementDuration <= 0 {
		return fmt.Errorf("%w: settlement duration %s", ErrInvalidDuration, p.SettlementDuration)
	}
	if p.DelayPeriod < 0 {
		return fmt.Errorf("%w: delay period %s", ErrInvalidDuration, p.DelayPeriod)
	}
	return nil
}

// ChallengeWindow returns when the challenge window of an action scheduled at
// scheduledAt opens and closes. The delay period postpones the opening; the
// window then lasts the challenge duration.
func (s Setting) ChallengeWindow(scheduledAt time.Time) (start, end time.Time) {
	start = scheduledAt.Add(s.DelayPeriod)
	return start, start.Add(s.ChallengeDuration)
}

// Registry is the indexed settings history. It is not safe for concurrent
// use; the owning service serializes access.
type Registry struct {
	settings []Setting
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a setting with id previous+1 and returns it.
func (r *Registry) Add(p Params, now time.Time) (Setting, error) {
	if err := p.Validate(); err != nil {
		return Setting{}, err
	}
	content := make([]byte, len(p.Content))
	copy(content, p.Content)

	s := Setting{
		ID:                  uint64(len(r.settings)) + 1,
		Title:               p.Title,
		Content:             content,
		Arbitrator:          p.Arbitrator,
		CollateralToken:     p.CollateralToken,
		ActionCollateral:    p.ActionCollateral,
		ChallengeCollateral: p.ChallengeCollateral,
		ChallengeDuration:   p.ChallengeDuration,
		SettlementDuration:  p.SettlementDuration,
		DelayPeriod:         p.DelayPeriod,
		CreatedAt:           now,
	}
	r.settings = append(r.settings, s)
	return s.clone(), nil
}

// CurrentID returns the newest id, or 0 when the registry is empty.
func (r *Registry) CurrentID() uint64 {
	return uint64(len(r.settings))
}

// Current returns the newest setting.
func (r *Registry) Current() (Setting, error) {
	return r.At(r.CurrentID())
}

// At returns a copy of the setting with the given id.
func (r *Registry) At(id uint64) (Setting, error) {
	if id == 0 || id > uint64(len(r.settings)) {
		return Setting{}, fmt.Errorf("%w: id %d", ErrSettingDoesNotExist, id)
	}
	return r.settings[id-1].clone(), nil
}

func (s Setting) clone() Setting {
	s.Content = append([]byte(nil), s.Content...)
	return s
}
