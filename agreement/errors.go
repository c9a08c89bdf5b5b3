package agreement

import "errors"

var (
	ErrAlreadyInitialized     = errors.New("agreement: already initialized")
	ErrNotInitialized         = errors.New("agreement: not initialized")
	ErrInvalidArbitrator      = errors.New("agreement: invalid arbitrator")
	ErrInvalidStakingBackend  = errors.New("agreement: invalid staking backend")
	ErrActionDoesNotExist     = errors.New("agreement: action does not exist")
	ErrChallengeDoesNotExist  = errors.New("agreement: challenge does not exist")
	ErrDisputeDoesNotExist    = errors.New("agreement: dispute does not exist")
	ErrCannotChallenge        = errors.New("agreement: cannot challenge action")
	ErrCannotSettle           = errors.New("agreement: cannot settle action")
	ErrCannotClaimSettlement  = errors.New("agreement: cannot claim settlement")
	ErrCannotDispute          = errors.New("agreement: cannot dispute action")
	ErrCannotSubmitEvidence   = errors.New("agreement: cannot submit evidence")
	ErrCannotRuleAction       = errors.New("agreement: cannot rule action")
	ErrCannotCancel           = errors.New("agreement: cannot cancel action")
	ErrCannotExecute          = errors.New("agreement: cannot execute action")
	ErrSenderNotAllowed       = errors.New("agreement: sender not allowed")
	ErrInvalidSettlementOffer = errors.New("agreement: invalid settlement offer")
	// ErrScriptRefused means the executor's preflight turned the action down;
	// nothing was recorded.
	ErrScriptRefused = errors.New("agreement: script refused")
	// ErrScriptFailed means the action was recorded as executed but its
	// script returned an error.
	ErrScriptFailed = errors.New("agreement: script failed")
	// ErrReplay signals journal history that cannot be applied.
	ErrReplay = errors.New("agreement: replay")
)
