package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process docket.
type Memory struct {
	mu    sync.Mutex
	next  ID
	cases map[ID]*Case
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{cases: make(map[ID]*Case), now: time.Now}
}

func (m *Memory) Create(_ context.Context, subject uint64, metadata []byte) (Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	now := m.now()
	c := &Case{
		ID:        m.next,
		Subject:   subject,
		Metadata:  append([]byte(nil), metadata...),
		Status:    StatusUnderReview,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.cases[c.ID] = c
	return clone(c), nil
}

func (m *Memory) Get(_ context.Context, id ID) (Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	return clone(c), nil
}

func (m *Memory) AddEvidence(_ context.Context, id ID, ev Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusUnderReview {
		return ErrBadStatus
	}
	ev.Data = append([]byte(nil), ev.Data...)
	ev.CreatedAt = m.now()
	c.Evidence = append(c.Evidence, ev)
	return nil
}

func (m *Memory) CloseEvidence(_ context.Context, id ID) (Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	switch c.Status {
	case StatusUnderReview:
		c.Status = StatusEvidenceClosed
		c.UpdatedAt = m.now()
	case StatusEvidenceClosed:
	default:
		return Case{}, ErrBadStatus
	}
	return clone(c), nil
}

func (m *Memory) Resolve(_ context.Context, id ID, ruling Ruling) (Case, error) {
	if _, err := ruling.Outcome(); err != nil {
		return Case{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	if c.Status == StatusResolved {
		return Case{}, ErrBadStatus
	}
	now := m.now()
	c.Status = StatusResolved
	c.Ruling = ruling
	c.UpdatedAt = now
	c.ResolvedAt = &now
	return clone(c), nil
}

func (m *Memory) List(_ context.Context, status Status) ([]Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Case, 0, len(m.cases))
	for _, c := range m.cases {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func clone(c *Case) Case {
	out := *c
	out.Evidence = append([]Evidence(nil), c.Evidence...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}
