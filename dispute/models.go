// Package dispute holds the arbitration side of a challenge: the ruling
// variant, the engine's per-dispute record and the court docket.
package dispute

import (
	"errors"
	"fmt"
	"time"
)

// ID is assigned by the arbitrator when a dispute is created.
type ID uint64

// ErrUnknownRuling signals a ruling value outside the closed set below.
var ErrUnknownRuling = errors.New("dispute: unknown ruling")

// Ruling is the arbitrator's final decision. The numeric values are the
// codes arbitrators exchange on the wire; zero means not ruled yet.
type Ruling uint8

const (
	RulingMissing             Ruling = 0
	RulingRefused             Ruling = 2
	RulingInFavorOfSubmitter  Ruling = 3
	RulingInFavorOfChallenger Ruling = 4
)

func (r Ruling) String() string {
	switch r {
	case RulingMissing:
		return "missing"
	case RulingRefused:
		return "refused"
	case RulingInFavorOfSubmitter:
		return "in_favor_of_submitter"
	case RulingInFavorOfChallenger:
		return "in_favor_of_challenger"
	default:
		return fmt.Sprintf("ruling(%d)", uint8(r))
	}
}

// ParseRuling accepts the names produced by String. RulingMissing is not a
// decision and is rejected.
func ParseRuling(s string) (Ruling, error) {
	switch s {
	case "refused":
		return RulingRefused, nil
	case "in_favor_of_submitter":
		return RulingInFavorOfSubmitter, nil
	case "in_favor_of_challenger":
		return RulingInFavorOfChallenger, nil
	default:
		return RulingMissing, fmt.Errorf("%w: %q", ErrUnknownRuling, s)
	}
}

// Outcome is how a ruling resolves the challenge it belongs to.
type Outcome string

const (
	// OutcomeRejected: the challenge failed, the action may proceed.
	OutcomeRejected Outcome = "rejected"
	// OutcomeAccepted: the challenge succeeded, the submitter is slashed.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeVoided: the arbitrator refused to decide, nobody is penalized.
	OutcomeVoided Outcome = "voided"
)

// Outcome maps every decision to exactly one challenge outcome.
func (r Ruling) Outcome() (Outcome, error) {
	switch r {
	case RulingInFavorOfSubmitter:
		return OutcomeRejected, nil
	case RulingInFavorOfChallenger:
		return OutcomeAccepted, nil
	case RulingRefused:
		return OutcomeVoided, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownRuling, r)
	}
}

// Record is the engine's view of a dispute opened for a challenge.
type Record struct {
	ID                         ID
	ActionID                   uint64
	Ruling                     Ruling
	SubmitterFinishedEvidence  bool
	ChallengerFinishedEvidence bool
}

// Ruled reports whether the arbitrator has decided.
func (r Record) Ruled() bool {
	return r.Ruling != RulingMissing
}

// Status is the lifecycle of a docket case at the arbitrator.
type Status string

const (
	StatusUnderReview    Status = "under_review"
	StatusEvidenceClosed Status = "evidence_closed"
	StatusResolved       Status = "resolved"
)

// Evidence is one submission attached to a case.
type Evidence struct {
	Submitter string
	Data      []byte
	CreatedAt time.Time
}

// Case mirrors the disputes table kept by an arbitrator.
type Case struct {
	ID         ID
	Subject    uint64
	Metadata   []byte
	Status     Status
	Ruling     Ruling
	Evidence   []Evidence
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// RulingMessage is the inbound arbitrator callback. Sender is the identity
// the transport verified, never a value taken from the message body.
type RulingMessage struct {
	Sender    string
	DisputeID ID
	Ruling    Ruling
}
