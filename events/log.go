package events

import (
	"context"
	"sync"
)

// Log is an in-memory Sink keeping the full event history.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Record(_ context.Context, batch []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, batch...)
	return nil
}

// Events returns a copy of every recorded event in commit order.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// OfType returns recorded events of type t, optionally restricted to one action.
func (l *Log) OfType(t Type, actionID uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, 4)
	for _, e := range l.events {
		if e.Type != t {
			continue
		}
		if actionID != 0 && e.ActionID != actionID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports how many events were recorded.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
