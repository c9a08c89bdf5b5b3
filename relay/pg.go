package relay

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore claims outbox rows with FOR UPDATE SKIP LOCKED so several relays
// can share one table.
type PGStore struct {
	pool TxBeginner
}

func NewPGStore(pool TxBeginner) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Claim(ctx context.Context, limit int, handle func(ctx context.Context, msg Message) (Outcome, string)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_id::text, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return fmt.Errorf("select pending: %w", err)
	}
	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.EventID, &msg.Topic, &msg.Payload, &msg.Attempts); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending: %w", err)
		}
		msgs = append(msgs, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pending: %w", err)
	}

	for _, msg := range msgs {
		outcome, reason := handle(ctx, msg)
		switch outcome {
		case OutcomeProcessed:
			_, err = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now(), last_error = NULL WHERE id = $1`, msg.ID)
		case OutcomeDead:
			_, err = tx.Exec(ctx, `UPDATE outbox SET status = 'dead', attempts = attempts + 1, last_attempt = now(), last_error = $2 WHERE id = $1`, msg.ID, reason)
		default:
			_, err = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = now(), last_error = $2 WHERE id = $1`, msg.ID, reason)
		}
		if err != nil {
			return fmt.Errorf("mark %d %s: %w", msg.ID, outcome, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
