package agreement

import (
	"time"

	"agreementflow/dispute"
)

// allowedPaths is the single source of truth for every guard. Mutating
// operations consult it with the same clock reading they commit under.
func allowedPaths(a Action, c *Challenge, d *dispute.Record, now time.Time) AllowedPaths {
	var p AllowedPaths
	switch a.State {
	case ActionScheduled:
		open := now.Before(a.ChallengeEndDate)
		p.CanCancel = open
		p.CanChallenge = open && !now.Before(a.ChallengeStartDate)
		p.CanExecute = !open
	case ActionChallenged:
		if c == nil {
			return p
		}
		switch c.State {
		case ChallengeWaiting:
			inWindow := now.Before(c.SettlementEndDate)
			p.CanSettle = inWindow
			p.CanClaimSettlement = !inWindow
			p.CanDispute = true
		case ChallengeDisputed:
			p.CanRuleDispute = d != nil && !d.Ruled()
		case ChallengeRejected:
			p.CanCancel = true
			p.CanExecute = true
		}
	}
	return p
}
