// Package relay delivers journal outbox rows to downstream consumers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Message is one outbox row.
type Message struct {
	ID       int64
	EventID  string
	Topic    string
	Payload  []byte
	Attempts int
}

// Publisher hands a message to the downstream transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Outcome of handling one message.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeRetry     Outcome = "retry"
	OutcomeDead      Outcome = "dead"
)

// Store claims pending messages. Claim runs handle for each claimed message
// and persists the outcome it returns before releasing the claim.
type Store interface {
	Claim(ctx context.Context, limit int, handle func(ctx context.Context, msg Message) (Outcome, string)) error
}

// Stats counts outcomes of one pass.
type Stats struct {
	Processed int
	Retried   int
	Dead      int
}

func (s Stats) Total() int { return s.Processed + s.Retried + s.Dead }

type Relay struct {
	store       Store
	publisher   Publisher
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

type Option func(*Relay)

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxAttempts sets how many failed publishes mark a message dead.
func WithMaxAttempts(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func New(store Store, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		store:       store,
		publisher:   publisher,
		logger:      slog.Default().With("component", "relay"),
		batchSize:   10,
		maxAttempts: 5,
		interval:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce drains up to one batch.
func (r *Relay) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	err := r.store.Claim(ctx, r.batchSize, func(ctx context.Context, msg Message) (Outcome, string) {
		err := r.publisher.Publish(ctx, msg)
		if err == nil {
			stats.Processed++
			return OutcomeProcessed, ""
		}
		if msg.Attempts+1 >= r.maxAttempts {
			stats.Dead++
			r.logger.Warn("outbox message dead", "id", msg.ID, "event_id", msg.EventID, "topic", msg.Topic, "attempts", msg.Attempts+1, "error", err)
			return OutcomeDead, err.Error()
		}
		stats.Retried++
		r.logger.Debug("outbox publish failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
		return OutcomeRetry, err.Error()
	})
	if err != nil {
		return stats, fmt.Errorf("relay: claim: %w", err)
	}
	return stats, nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		stats, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			r.logger.Error("relay pass failed", "error", err)
		case stats.Total() > 0:
			r.logger.Info("relay pass", "processed", stats.Processed, "retried", stats.Retried, "dead", stats.Dead)
			if stats.Total() == r.batchSize {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
