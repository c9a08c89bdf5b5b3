package agreement

import (
	"encoding/base64"
	"time"

	"agreementflow/dispute"
	"agreementflow/ledger"
	"agreementflow/setting"
)

const timeLayout = time.RFC3339Nano

// ActionState is the lifecycle of a scheduled action.
type ActionState string

const (
	ActionScheduled  ActionState = "scheduled"
	ActionChallenged ActionState = "challenged"
	ActionCancelled  ActionState = "cancelled"
	ActionExecuted   ActionState = "executed"
)

// ChallengeState is the lifecycle of a challenge. Rejected, Accepted and
// Voided are reached only through a ruling.
type ChallengeState string

const (
	ChallengeWaiting  ChallengeState = "waiting"
	ChallengeSettled  ChallengeState = "settled"
	ChallengeDisputed ChallengeState = "disputed"
	ChallengeRejected ChallengeState = "rejected"
	ChallengeAccepted ChallengeState = "accepted"
	ChallengeVoided   ChallengeState = "voided"
)

var outcomeStates = map[dispute.Outcome]ChallengeState{
	dispute.OutcomeRejected: ChallengeRejected,
	dispute.OutcomeAccepted: ChallengeAccepted,
	dispute.OutcomeVoided:   ChallengeVoided,
}

// Action is a registered intent. Amounts and windows are fixed from the
// setting that was current when it was scheduled.
type Action struct {
	ID                 uint64
	SettingID          uint64
	Submitter          ledger.AccountID
	Context            []byte
	Script             []byte
	State              ActionState
	CollateralToken    ledger.TokenID
	Collateral         ledger.Amount
	ScheduledAt        time.Time
	ChallengeStartDate time.Time
	ChallengeEndDate   time.Time
	LastChallengeID    uint64
}

// Challenge is an objection raised against an action.
type Challenge struct {
	ID                  uint64
	ActionID            uint64
	Challenger          ledger.AccountID
	Context             []byte
	SettlementOffer     ledger.Amount
	SettlementEndDate   time.Time
	Collateral          ledger.Amount
	ArbitratorFeeToken  ledger.TokenID
	ArbitratorFeeAmount ledger.Amount
	State               ChallengeState
	DisputeID           dispute.ID
}

// AllowedPaths reports which operations the action accepts right now.
type AllowedPaths struct {
	CanCancel          bool
	CanChallenge       bool
	CanSettle          bool
	CanDispute         bool
	CanClaimSettlement bool
	CanRuleDispute     bool
	CanExecute         bool
}

// None reports whether the action is permanently closed.
func (p AllowedPaths) None() bool {
	return p == AllowedPaths{}
}

// InitParams configures the first setting and the operator allowed to
// change settings afterwards.
type InitParams struct {
	Operator ledger.AccountID
	Setting  setting.Params
}

type ScheduleParams struct {
	Submitter ledger.AccountID
	Context   []byte
	Script    []byte
}

type ChallengeParams struct {
	ActionID        uint64
	Challenger      ledger.AccountID
	Context         []byte
	SettlementOffer ledger.Amount
}

type EvidenceParams struct {
	ActionID uint64
	Sender   ledger.AccountID
	Evidence []byte
	Finished bool
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func encodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (a Action) clone() Action {
	a.Context = cloneBytes(a.Context)
	a.Script = cloneBytes(a.Script)
	return a
}

func (c Challenge) clone() Challenge {
	c.Context = cloneBytes(c.Context)
	return c
}
