package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/events"
	"agreementflow/journal"
)

// TestPGStoreClaim_Integration drives the outbox at DATABASE_URL through a relay.
func TestPGStoreClaim_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.outbox') IS NOT NULL`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/*.sql first")
	}

	ev := events.New(events.TypeActionScheduled, uint64(time.Now().UnixNano()&0x7fffffffffff), map[string]any{"probe": true})
	ev.ID = uuid.NewString()
	ev.Seq = 1
	ev.OccurredAt = time.Now()
	if err := journal.NewPGWriter(pool).Record(ctx, []events.Event{ev}); err != nil {
		t.Fatalf("record event: %v", err)
	}
	eventID := ev.ID

	pub := &recordingPublisher{}
	r := New(NewPGStore(pool), pub, WithBatchSize(100))
	for {
		stats, err := r.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if stats.Total() == 0 {
			break
		}
	}

	var status string
	var attempts int
	if err := pool.QueryRow(ctx, `SELECT status, attempts FROM outbox WHERE event_id = $1`, eventID).Scan(&status, &attempts); err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if status != "processed" || attempts != 1 {
		t.Fatalf("expected processed after one attempt, got %s/%d", status, attempts)
	}
}
