package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"agreementflow/events"
)

// advisoryKey serializes writers appending to agreement_events.
const advisoryKey int64 = 0x61677265656d

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGWriter is an events.Sink writing each batch to agreement_events and the
// outbox in one transaction.
type PGWriter struct {
	pool TxBeginner
	now  func() time.Time
}

func NewPGWriter(pool TxBeginner) *PGWriter {
	return &PGWriter{pool: pool, now: time.Now}
}

// WithClock overrides the recorded_at clock.
func (w *PGWriter) WithClock(now func() time.Time) *PGWriter {
	w.now = now
	return w
}

// Record appends batch to the chain. Nothing is written if any row fails.
func (w *PGWriter) Record(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("journal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey); err != nil {
		return fmt.Errorf("journal: lock chain: %w", err)
	}

	seq, prev, err := pgHead(ctx, tx)
	if err != nil {
		return err
	}

	recordedAt := w.now().UTC()
	for _, ev := range batch {
		ev = normalizeTime(ev)
		body, hash, err := seal(prev, ev)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("journal: marshal payload: %w", err)
		}
		seq++

		if _, err := tx.Exec(ctx, `
			INSERT INTO agreement_events (seq, event_seq, id, type, action_id, occurred_at, payload, body, prev_hash, hash, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, int64(seq), int64(ev.Seq), ev.ID, string(ev.Type), int64(ev.ActionID), ev.OccurredAt, payload, body, prev, hash, recordedAt); err != nil {
			return fmt.Errorf("journal: insert event %s: %w", ev.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox (event_id, topic, payload)
			VALUES ($1, $2, $3)
		`, ev.ID, ev.Type.Topic(), body); err != nil {
			return fmt.Errorf("journal: enqueue outbox %s: %w", ev.ID, err)
		}
		prev = hash
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("journal: commit tx: %w", err)
	}
	return nil
}

func pgHead(ctx context.Context, tx pgx.Tx) (uint64, []byte, error) {
	var (
		seq  int64
		hash []byte
	)
	err := tx.QueryRow(ctx, `SELECT seq, hash FROM agreement_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, Genesis, nil
		}
		return 0, nil, fmt.Errorf("journal: read head: %w", err)
	}
	return uint64(seq), hash, nil
}

// PGReader lists and verifies the Postgres journal.
type PGReader struct {
	db Querier
}

func NewPGReader(db Querier) *PGReader {
	return &PGReader{db: db}
}

const entryColumns = `seq, body, prev_hash, hash, recorded_at`

func (r *PGReader) List(ctx context.Context, filters Filters) (ListResult, error) {
	filters.normalize()

	where, args := whereClause(filters, func(n int) string { return fmt.Sprintf("$%d", n) })
	query := fmt.Sprintf(`SELECT %s FROM agreement_events%s ORDER BY seq %s LIMIT %d OFFSET %d`,
		entryColumns, where, strings.ToUpper(filters.SortOrder), filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("journal: query list: %w", err)
	}
	defer rows.Close()

	items := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows, pgTime)
		if err != nil {
			return ListResult{}, err
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("journal: iterate list: %w", err)
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM agreement_events"+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("journal: count list: %w", err)
	}
	return ListResult{Items: items, Total: total}, nil
}

// Verify walks the whole chain and returns the number of rows checked.
func (r *PGReader) Verify(ctx context.Context) (int, error) {
	rows, err := r.db.Query(ctx, `SELECT seq, body, prev_hash, hash FROM agreement_events ORDER BY seq ASC`)
	if err != nil {
		return 0, fmt.Errorf("journal: query chain: %w", err)
	}
	defer rows.Close()

	v := newChainVerifier()
	for rows.Next() {
		var (
			seq              int64
			body, prev, hash []byte
		)
		if err := rows.Scan(&seq, &body, &prev, &hash); err != nil {
			return v.count, fmt.Errorf("journal: scan chain: %w", err)
		}
		if err := v.next(uint64(seq), prev, body, hash); err != nil {
			return v.count, err
		}
	}
	if err := rows.Err(); err != nil {
		return v.count, fmt.Errorf("journal: iterate chain: %w", err)
	}
	return v.count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func pgTime(dest *time.Time) any { return dest }

// scanEntry reads entryColumns. timeDest adapts recorded_at to the driver.
func scanEntry(row scanner, timeDest func(*time.Time) any) (Entry, error) {
	var (
		seq   int64
		entry Entry
	)
	if err := row.Scan(&seq, &entry.Body, &entry.PrevHash, &entry.Hash, timeDest(&entry.RecordedAt)); err != nil {
		return Entry{}, fmt.Errorf("journal: scan entry: %w", err)
	}
	ev, err := decodeBody(entry.Body)
	if err != nil {
		return Entry{}, err
	}
	entry.Seq = uint64(seq)
	entry.Event = ev
	return entry, nil
}

// whereClause builds the filter predicate shared by both drivers.
func whereClause(filters Filters, placeholder func(int) string) (string, []any) {
	where := []string{"1=1"}
	args := []any{}

	if filters.ActionID != 0 {
		args = append(args, int64(filters.ActionID))
		where = append(where, "action_id="+placeholder(len(args)))
	}
	if filters.Type != "" {
		args = append(args, string(filters.Type))
		where = append(where, "type="+placeholder(len(args)))
	}
	if filters.AfterSeq != 0 {
		args = append(args, int64(filters.AfterSeq))
		where = append(where, "seq>"+placeholder(len(args)))
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

var _ events.Sink = (*PGWriter)(nil)
