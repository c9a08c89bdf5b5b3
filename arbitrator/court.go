package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"agreementflow/dispute"
	"agreementflow/ledger"
)

var (
	// ErrNoRuler signals Decide was called before a Ruler was bound.
	ErrNoRuler = errors.New("arbitrator: no ruler bound")
	// ErrAlreadyDecided signals a second decision for the same case.
	ErrAlreadyDecided = errors.New("arbitrator: case already decided")
)

// Court is an in-process arbitrator backed by a dispute docket. Its identity
// is the account the engine expects as the sender of every ruling.
type Court struct {
	identity ledger.AccountID
	fees     Fees
	docket   dispute.Store
	logger   *slog.Logger

	mu    sync.RWMutex
	ruler Ruler
}

type CourtOption func(*Court)

func WithLogger(l *slog.Logger) CourtOption {
	return func(c *Court) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCourt(identity ledger.AccountID, fees Fees, docket dispute.Store, opts ...CourtOption) *Court {
	c := &Court{
		identity: identity,
		fees:     fees,
		docket:   docket,
		logger:   slog.Default().With("component", "court"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity is the account rulings are sent from.
func (c *Court) Identity() ledger.AccountID { return c.identity }

// Bind sets the ruler decisions are delivered to.
func (c *Court) Bind(r Ruler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruler = r
}

func (c *Court) DisputeFees(context.Context) (Fees, error) {
	return c.fees, nil
}

func (c *Court) CreateDispute(ctx context.Context, subject uint64, metadata []byte) (dispute.ID, error) {
	cs, err := c.docket.Create(ctx, subject, metadata)
	if err != nil {
		return 0, fmt.Errorf("arbitrator: create dispute: %w", err)
	}
	c.logger.Info("dispute opened", "dispute_id", cs.ID, "subject", subject)
	return cs.ID, nil
}

func (c *Court) SubmitEvidence(ctx context.Context, id dispute.ID, party ledger.AccountID, evidence []byte) error {
	err := c.docket.AddEvidence(ctx, id, dispute.Evidence{Submitter: string(party), Data: evidence})
	if err != nil {
		return fmt.Errorf("arbitrator: submit evidence: %w", err)
	}
	return nil
}

func (c *Court) CloseEvidencePeriod(ctx context.Context, id dispute.ID) error {
	if _, err := c.docket.CloseEvidence(ctx, id); err != nil {
		return fmt.Errorf("arbitrator: close evidence: %w", err)
	}
	return nil
}

// Case returns the docket entry for id.
func (c *Court) Case(ctx context.Context, id dispute.ID) (dispute.Case, error) {
	return c.docket.Get(ctx, id)
}

// Cases lists docket entries, optionally filtered by status.
func (c *Court) Cases(ctx context.Context, status dispute.Status) ([]dispute.Case, error) {
	return c.docket.List(ctx, status)
}

// Decide resolves the case and delivers the ruling to the bound ruler. The
// engine is told first so a rejected ruling leaves the docket open. When the
// engine already applied the same ruling, Decide only resolves the docket,
// so a retry after a failed Resolve completes the case.
func (c *Court) Decide(ctx context.Context, id dispute.ID, ruling dispute.Ruling) error {
	c.mu.RLock()
	ruler := c.ruler
	c.mu.RUnlock()
	if ruler == nil {
		return ErrNoRuler
	}

	cs, err := c.docket.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("arbitrator: decide: %w", err)
	}
	if cs.Status == dispute.StatusResolved {
		return ErrAlreadyDecided
	}

	applied := appliedRuling(ruler, id)
	switch applied {
	case dispute.RulingMissing:
		msg := dispute.RulingMessage{Sender: string(c.identity), DisputeID: id, Ruling: ruling}
		if err := ruler.Rule(ctx, msg); err != nil {
			return err
		}
	case ruling:
		c.logger.Warn("ruling already applied, resolving docket", "dispute_id", id, "ruling", ruling.String())
	default:
		return fmt.Errorf("%w: engine holds ruling %s", ErrAlreadyDecided, applied)
	}
	if _, err := c.docket.Resolve(ctx, id, ruling); err != nil {
		return fmt.Errorf("arbitrator: resolve: %w", err)
	}
	c.logger.Info("dispute ruled", "dispute_id", id, "ruling", ruling.String())
	return nil
}

// appliedRuling asks the ruler for the ruling it holds, if it can tell.
func appliedRuling(r Ruler, id dispute.ID) dispute.Ruling {
	src, ok := r.(RulingSource)
	if !ok {
		return dispute.RulingMissing
	}
	rec, err := src.DisputeByID(id)
	if err != nil {
		// unknown to the engine; Rule reports it
		return dispute.RulingMissing
	}
	return rec.Ruling
}
