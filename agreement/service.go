// Package agreement runs the action and challenge state machines over the
// collateral ledger. A Service is a single writer: every mutating call runs
// under one lock, stages its changes, records its events through the sink
// and only then publishes the staged state.
package agreement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agreementflow/arbitrator"
	"agreementflow/dispute"
	"agreementflow/events"
	"agreementflow/ledger"
	"agreementflow/setting"
)

// Executor runs an approved action's script. Execute is called once, after
// the action's transition to executed has been recorded.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// Preflighter is implemented by executors that can refuse an action before
// anything is recorded. Preflight must not have side effects.
type Preflighter interface {
	Preflight(ctx context.Context, a Action) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Action) error

func (f ExecutorFunc) Execute(ctx context.Context, a Action) error { return f(ctx, a) }

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, Action) error { return nil }

type Service struct {
	mu sync.Mutex

	vault       ledger.Vault
	arbitrators *arbitrator.Directory
	sink        events.Sink
	executor    Executor
	now         func() time.Time
	logger      *slog.Logger

	initialized bool
	operator    ledger.AccountID
	ledger      *ledger.Ledger
	settings    *setting.Registry
	actions     []Action
	challenges  []Challenge
	disputes    map[dispute.ID]dispute.Record
	seq         uint64

	// pending holds cases opened at the arbitrator whose dispute was not
	// recorded, keyed by challenge id.
	pending map[uint64]dispute.ID
}

type Option func(*Service)

// WithClock overrides the time source used by every guard.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithExecutor(e Executor) Option {
	return func(s *Service) {
		if e != nil {
			s.executor = e
		}
	}
}

// New builds an uninitialized service. A nil sink discards events.
func New(vault ledger.Vault, arbitrators *arbitrator.Directory, sink events.Sink, opts ...Option) *Service {
	if sink == nil {
		sink = events.Discard{}
	}
	if arbitrators == nil {
		arbitrators = arbitrator.NewDirectory()
	}
	s := &Service{
		vault:       vault,
		arbitrators: arbitrators,
		sink:        sink,
		executor:    noopExecutor{},
		now:         time.Now,
		logger:      slog.Default().With("component", "agreement"),
		ledger:      ledger.New(),
		settings:    setting.NewRegistry(),
		disputes:    make(map[dispute.ID]dispute.Record),
		pending:     make(map[uint64]dispute.ID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// op stages one mutating call. Nothing it holds is visible until apply.
type op struct {
	s          *Service
	name       string
	actionID   uint64
	now        time.Time
	tx         *ledger.Tx
	drained    int
	actions    map[uint64]Action
	challenges map[uint64]Challenge
	disputes   map[dispute.ID]dispute.Record
	setting    *setting.Params
	events     []events.Event
}

func (s *Service) begin(name string, actionID uint64) *op {
	return &op{
		s:          s,
		name:       name,
		actionID:   actionID,
		now:        s.now(),
		tx:         s.ledger.Begin(),
		actions:    make(map[uint64]Action),
		challenges: make(map[uint64]Challenge),
		disputes:   make(map[dispute.ID]dispute.Record),
	}
}

// emit appends a domain event after the ledger events staged so far.
func (o *op) emit(t events.Type, payload map[string]any) {
	o.drain()
	o.events = append(o.events, events.New(t, o.actionID, payload))
}

func (o *op) drain() {
	staged := o.tx.Events()
	for _, ev := range staged[o.drained:] {
		ev.ActionID = o.actionID
		o.events = append(o.events, ev)
	}
	o.drained = len(staged)
}

func (o *op) putAction(a Action) { o.actions[a.ID] = a }

func (o *op) putChallenge(c Challenge) { o.challenges[c.ID] = c }

func (o *op) putDispute(d dispute.Record) { o.disputes[d.ID] = d }

func (o *op) fail(err error) error {
	o.tx.Discard()
	return err
}

// stamp assigns ids, sequence numbers and the op time to the batch.
func (o *op) stamp() []events.Event {
	out := make([]events.Event, len(o.events))
	for i, ev := range o.events {
		ev.Seq = o.s.seq + uint64(i) + 1
		ev.ID = uuid.NewString()
		ev.OccurredAt = o.now
		out[i] = ev
	}
	return out
}

// commit records the batch and publishes the staged state. A sink failure
// drops everything the op staged.
func (o *op) commit(ctx context.Context) ([]events.Event, error) {
	o.drain()
	batch := o.stamp()
	if len(batch) > 0 {
		if err := o.s.sink.Record(ctx, batch); err != nil {
			o.tx.Discard()
			return nil, fmt.Errorf("agreement: %s: record events: %w", o.name, err)
		}
	}
	o.apply()
	o.s.seq += uint64(len(batch))
	return batch, nil
}

func (o *op) apply() {
	s := o.s
	o.tx.Commit()
	if o.setting != nil {
		// Params were validated when staged.
		if _, err := s.settings.Add(*o.setting, o.now); err != nil {
			panic(fmt.Sprintf("agreement: staged setting rejected: %v", err))
		}
	}
	for id, a := range o.actions {
		if id == uint64(len(s.actions))+1 {
			s.actions = append(s.actions, a)
			continue
		}
		s.actions[id-1] = a
	}
	for id, c := range o.challenges {
		if id == uint64(len(s.challenges))+1 {
			s.challenges = append(s.challenges, c)
			continue
		}
		s.challenges[id-1] = c
	}
	for id, d := range o.disputes {
		s.disputes[id] = d
	}
}

func (s *Service) reject(op string, err error, args ...any) error {
	s.logger.Debug("operation rejected", append([]any{"op", op, "err", err}, args...)...)
	return err
}

func (s *Service) ensureInitialized() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *Service) action(id uint64) (Action, error) {
	if id == 0 || id > uint64(len(s.actions)) {
		return Action{}, fmt.Errorf("%w: %d", ErrActionDoesNotExist, id)
	}
	return s.actions[id-1], nil
}

func (s *Service) challenge(id uint64) (Challenge, error) {
	if id == 0 || id > uint64(len(s.challenges)) {
		return Challenge{}, fmt.Errorf("%w: %d", ErrChallengeDoesNotExist, id)
	}
	return s.challenges[id-1], nil
}

// live returns the action's latest challenge and its dispute record, if any.
func (s *Service) live(a Action) (*Challenge, *dispute.Record) {
	if a.LastChallengeID == 0 {
		return nil, nil
	}
	c := s.challenges[a.LastChallengeID-1]
	if c.DisputeID == 0 {
		return &c, nil
	}
	d, ok := s.disputes[c.DisputeID]
	if !ok {
		return &c, nil
	}
	return &c, &d
}

func (s *Service) pathsOf(a Action, now time.Time) AllowedPaths {
	c, d := s.live(a)
	return allowedPaths(a, c, d, now)
}

// Setting returns the setting with the given id.
func (s *Service) Setting(id uint64) (setting.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.At(id)
}

// CurrentSettingID returns the newest setting id, 0 before Initialize.
func (s *Service) CurrentSettingID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.CurrentID()
}

func (s *Service) Action(id uint64) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.action(id)
	if err != nil {
		return Action{}, err
	}
	return a.clone(), nil
}

// ChallengeByID returns a challenge by its own id.
func (s *Service) ChallengeByID(id uint64) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.challenge(id)
	if err != nil {
		return Challenge{}, err
	}
	return c.clone(), nil
}

// ChallengeForAction returns the latest challenge raised against the action.
func (s *Service) ChallengeForAction(actionID uint64) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.action(actionID)
	if err != nil {
		return Challenge{}, err
	}
	c, err := s.challenge(a.LastChallengeID)
	if err != nil {
		return Challenge{}, err
	}
	return c.clone(), nil
}

func (s *Service) DisputeByID(id dispute.ID) (dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return dispute.Record{}, fmt.Errorf("%w: %d", ErrDisputeDoesNotExist, id)
	}
	return d, nil
}

// Balance returns every token balance the account holds.
func (s *Service) Balance(account ledger.AccountID) map[ledger.TokenID]ledger.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Balances(account)
}

// BalanceOf returns one token balance of the account.
func (s *Service) BalanceOf(account ledger.AccountID, token ledger.TokenID) ledger.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Balance(account, token)
}

// Supply is the amount of token held in custody for all accounts.
func (s *Service) Supply(token ledger.TokenID) (ledger.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Supply(token)
}

// AllowedPaths evaluates the action against the current clock.
func (s *Service) AllowedPaths(actionID uint64) (AllowedPaths, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.action(actionID)
	if err != nil {
		return AllowedPaths{}, err
	}
	return s.pathsOf(a, s.now()), nil
}

// PendingDisputes counts arbitrator cases opened by a dispute whose events
// were not recorded. A retried Dispute adopts the case instead of opening
// another one.
func (s *Service) PendingDisputes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Seq is the sequence number of the last recorded event.
func (s *Service) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
