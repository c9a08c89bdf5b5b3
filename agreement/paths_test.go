package agreement

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agreementflow/dispute"
)

// states reaches every combination of action, challenge, dispute and clock
// position worth distinguishing, returning the action id.
var states = map[string]func(h *harness) uint64{
	"scheduled before window": func(h *harness) uint64 {
		return h.schedule().ID
	},
	"scheduled in window": func(h *harness) uint64 {
		a := h.schedule()
		h.openWindow()
		return a.ID
	},
	"scheduled at window end": func(h *harness) uint64 {
		a := h.schedule()
		h.clock.now = a.ChallengeEndDate
		return a.ID
	},
	"waiting in settlement window": func(h *harness) uint64 {
		a := h.schedule()
		h.openWindow()
		h.challenge(a.ID, 2)
		return a.ID
	},
	"waiting after settlement window": func(h *harness) uint64 {
		a := h.schedule()
		h.openWindow()
		c := h.challenge(a.ID, 2)
		h.clock.now = c.SettlementEndDate
		return a.ID
	},
	"disputed": func(h *harness) uint64 {
		a, _, _ := h.disputed()
		return a.ID
	},
	"disputed with evidence closed": func(h *harness) uint64 {
		a, _, _ := h.disputed()
		_, err := h.svc.CloseEvidencePeriod(h.ctx, submitter, a.ID)
		require.NoError(h.t, err)
		return a.ID
	},
	"settled": func(h *harness) uint64 {
		a := h.schedule()
		h.openWindow()
		h.challenge(a.ID, 2)
		_, err := h.svc.Settle(h.ctx, submitter, a.ID)
		require.NoError(h.t, err)
		return a.ID
	},
	"rejected": func(h *harness) uint64 {
		a, _, d := h.disputed()
		require.NoError(h.t, h.court.Decide(h.ctx, d.ID, dispute.RulingInFavorOfSubmitter))
		return a.ID
	},
	"accepted": func(h *harness) uint64 {
		a, _, d := h.disputed()
		require.NoError(h.t, h.court.Decide(h.ctx, d.ID, dispute.RulingInFavorOfChallenger))
		return a.ID
	},
	"voided": func(h *harness) uint64 {
		a, _, d := h.disputed()
		require.NoError(h.t, h.court.Decide(h.ctx, d.ID, dispute.RulingRefused))
		return a.ID
	},
	"cancelled": func(h *harness) uint64 {
		a := h.schedule()
		_, err := h.svc.Cancel(h.ctx, submitter, a.ID)
		require.NoError(h.t, err)
		return a.ID
	},
	"executed": func(h *harness) uint64 {
		a := h.schedule()
		h.clock.now = a.ChallengeEndDate
		_, err := h.svc.Execute(h.ctx, a.ID)
		require.NoError(h.t, err)
		return a.ID
	},
	"executed after rejection": func(h *harness) uint64 {
		a, _, d := h.disputed()
		require.NoError(h.t, h.court.Decide(h.ctx, d.ID, dispute.RulingInFavorOfSubmitter))
		_, err := h.svc.Execute(h.ctx, a.ID)
		require.NoError(h.t, err)
		return a.ID
	},
}

// attempts performs each operation as the party entitled to it.
var attempts = map[string]struct {
	allowed func(AllowedPaths) bool
	run     func(h *harness, id uint64) error
}{
	"cancel": {
		allowed: func(p AllowedPaths) bool { return p.CanCancel },
		run: func(h *harness, id uint64) error {
			_, err := h.svc.Cancel(h.ctx, submitter, id)
			return err
		},
	},
	"challenge": {
		allowed: func(p AllowedPaths) bool { return p.CanChallenge },
		run: func(h *harness, id uint64) error {
			_, err := h.svc.Challenge(h.ctx, ChallengeParams{ActionID: id, Challenger: challenger})
			return err
		},
	},
	"settle": {
		allowed: func(p AllowedPaths) bool { return p.CanSettle },
		run: func(h *harness, id uint64) error {
			_, err := h.svc.Settle(h.ctx, submitter, id)
			return err
		},
	},
	"dispute": {
		allowed: func(p AllowedPaths) bool { return p.CanDispute },
		run: func(h *harness, id uint64) error {
			_, err := h.svc.Dispute(h.ctx, submitter, id)
			return err
		},
	},
	"claim settlement": {
		allowed: func(p AllowedPaths) bool { return p.CanClaimSettlement },
		run: func(h *harness, id uint64) error {
			_, err := h.svc.ClaimSettlement(h.ctx, challenger, id)
			return err
		},
	},
	"rule": {
		allowed: func(p AllowedPaths) bool { return p.CanRuleDispute },
		run: func(h *harness, id uint64) error {
			return h.svc.RuleAction(h.ctx, judge, id, dispute.RulingRefused)
		},
	},
	"execute": {
		allowed: func(p AllowedPaths) bool { return p.CanExecute },
		run: func(h *harness, id uint64) error {
			_, err := h.svc.Execute(h.ctx, id)
			return err
		},
	},
}

var guardErrors = []error{
	ErrCannotCancel, ErrCannotChallenge, ErrCannotSettle, ErrCannotDispute,
	ErrCannotClaimSettlement, ErrCannotRuleAction, ErrCannotExecute,
}

func isGuardError(err error) bool {
	for _, g := range guardErrors {
		if errors.Is(err, g) {
			return true
		}
	}
	return false
}

func TestAllowedPathsMatchOperations(t *testing.T) {
	for stateName, reach := range states {
		for opName, attempt := range attempts {
			t.Run(stateName+"/"+opName, func(t *testing.T) {
				h := newHarness(t)
				id := reach(h)

				paths, err := h.svc.AllowedPaths(id)
				require.NoError(t, err)
				seq := h.svc.Seq()

				err = attempt.run(h, id)
				if attempt.allowed(paths) {
					assert.NoError(t, err)
					assert.Greater(t, h.svc.Seq(), seq)
					return
				}
				assert.True(t, isGuardError(err), "expected a guard error, got %v", err)
				assert.Equal(t, seq, h.svc.Seq())
			})
		}
	}
}

func TestAllowedPathsIsPure(t *testing.T) {
	h := newHarness(t)
	a, _, _ := h.disputed()
	seq := h.svc.Seq()
	snapshot := h.svc.ledger.Snapshot()

	first, err := h.svc.AllowedPaths(a.ID)
	require.NoError(t, err)
	second, err := h.svc.AllowedPaths(a.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, AllowedPaths{CanRuleDispute: true}, first)
	assert.Equal(t, seq, h.svc.Seq())
	assert.Equal(t, snapshot, h.svc.ledger.Snapshot())

	_, err = h.svc.AllowedPaths(77)
	require.ErrorIs(t, err, ErrActionDoesNotExist)
}
