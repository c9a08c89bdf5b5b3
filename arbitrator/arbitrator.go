// Package arbitrator defines the contract the agreement engine consumes to
// escalate disputes, and an in-process court implementing it.
package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"agreementflow/dispute"
	"agreementflow/ledger"
)

// ErrUnknownArbitrator is returned by Directory.Lookup for unregistered refs.
var ErrUnknownArbitrator = errors.New("arbitrator: unknown arbitrator")

// Fees is what an arbitrator charges to open a dispute.
type Fees struct {
	Token  ledger.TokenID
	Amount ledger.Amount
}

// Arbitrator is an external dispute-resolution capability.
type Arbitrator interface {
	DisputeFees(ctx context.Context) (Fees, error)
	CreateDispute(ctx context.Context, subject uint64, metadata []byte) (dispute.ID, error)
	SubmitEvidence(ctx context.Context, id dispute.ID, party ledger.AccountID, evidence []byte) error
	CloseEvidencePeriod(ctx context.Context, id dispute.ID) error
}

// Ruler receives rulings. The agreement engine implements it.
type Ruler interface {
	Rule(ctx context.Context, msg dispute.RulingMessage) error
}

// RulingSource is implemented by rulers that can report the ruling they
// already applied to a dispute.
type RulingSource interface {
	DisputeByID(id dispute.ID) (dispute.Record, error)
}

// Directory resolves the arbitrator reference stored on a setting.
type Directory struct {
	mu          sync.RWMutex
	arbitrators map[ledger.AccountID]Arbitrator
}

func NewDirectory() *Directory {
	return &Directory{arbitrators: make(map[ledger.AccountID]Arbitrator)}
}

// Register binds ref to a. A later call for the same ref replaces it.
func (d *Directory) Register(ref ledger.AccountID, a Arbitrator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.arbitrators[ref] = a
}

func (d *Directory) Lookup(ref ledger.AccountID) (Arbitrator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.arbitrators[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArbitrator, ref)
	}
	return a, nil
}
