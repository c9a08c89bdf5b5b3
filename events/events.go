// Package events defines the audit events emitted by every committed ledger
// transition and the sinks that persist them.
package events

import (
	"context"
	"time"
)

// Type names a state transition. Values match the event names consumers index on.
type Type string

const (
	TypeSettingChanged       Type = "SettingChanged"
	TypeActionScheduled      Type = "ActionScheduled"
	TypeActionChallenged     Type = "ActionChallenged"
	TypeActionSettled        Type = "ActionSettled"
	TypeActionDisputed       Type = "ActionDisputed"
	TypeActionAccepted       Type = "ActionAccepted"
	TypeActionRejected       Type = "ActionRejected"
	TypeActionVoided         Type = "ActionVoided"
	TypeActionCancelled      Type = "ActionCancelled"
	TypeActionExecuted       Type = "ActionExecuted"
	TypeRuled                Type = "Ruled"
	TypeEvidenceSubmitted    Type = "EvidenceSubmitted"
	TypeEvidencePeriodClosed Type = "EvidencePeriodClosed"
	TypeBalanceStaked        Type = "BalanceStaked"
	TypeBalanceUnstaked      Type = "BalanceUnstaked"
	TypeBalanceLocked        Type = "BalanceLocked"
	TypeBalanceUnlocked      Type = "BalanceUnlocked"
	TypeBalanceChallenged    Type = "BalanceChallenged"
	TypeBalanceUnchallenged  Type = "BalanceUnchallenged"
	TypeBalanceSlashed       Type = "BalanceSlashed"
	TypeBalanceTransferred   Type = "BalanceTransferred"
)

var topics = map[Type]string{
	TypeSettingChanged:       "agreement.setting.changed",
	TypeActionScheduled:      "agreement.action.scheduled",
	TypeActionChallenged:     "agreement.action.challenged",
	TypeActionSettled:        "agreement.action.settled",
	TypeActionDisputed:       "agreement.action.disputed",
	TypeActionAccepted:       "agreement.action.accepted",
	TypeActionRejected:       "agreement.action.rejected",
	TypeActionVoided:         "agreement.action.voided",
	TypeActionCancelled:      "agreement.action.cancelled",
	TypeActionExecuted:       "agreement.action.executed",
	TypeRuled:                "agreement.dispute.ruled",
	TypeEvidenceSubmitted:    "agreement.evidence.submitted",
	TypeEvidencePeriodClosed: "agreement.evidence.closed",
	TypeBalanceStaked:        "agreement.balance.staked",
	TypeBalanceUnstaked:      "agreement.balance.unstaked",
	TypeBalanceLocked:        "agreement.balance.locked",
	TypeBalanceUnlocked:      "agreement.balance.unlocked",
	TypeBalanceChallenged:    "agreement.balance.challenged",
	TypeBalanceUnchallenged:  "agreement.balance.unchallenged",
	TypeBalanceSlashed:       "agreement.balance.slashed",
	TypeBalanceTransferred:   "agreement.balance.transferred",
}

// Topic returns the outbox topic the event is delivered on.
func (t Type) Topic() string {
	if topic, ok := topics[t]; ok {
		return topic
	}
	return "agreement.unknown"
}

// Event captures an immutable transition. ID, Seq and OccurredAt are stamped
// when the owning operation commits.
type Event struct {
	ID         string
	Seq        uint64
	Type       Type
	ActionID   uint64
	OccurredAt time.Time
	Payload    map[string]any
}

// New builds an unstamped event.
func New(t Type, actionID uint64, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{Type: t, ActionID: actionID, Payload: payload}
}

// Document returns the JSON-ready representation used by journals and relays.
func (e Event) Document() map[string]any {
	return map[string]any{
		"id":          e.ID,
		"seq":         e.Seq,
		"type":        string(e.Type),
		"action_id":   e.ActionID,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":     e.Payload,
	}
}

// Sink persists a batch of events belonging to one committed operation. A
// batch is recorded entirely or not at all.
type Sink interface {
	Record(ctx context.Context, batch []Event) error
}

// Discard drops every batch.
type Discard struct{}

func (Discard) Record(context.Context, []Event) error { return nil }

// Multi records to each sink in order and stops at the first failure.
type Multi []Sink

func (m Multi) Record(ctx context.Context, batch []Event) error {
	for _, s := range m {
		if err := s.Record(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
