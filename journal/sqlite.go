package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agreementflow/events"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agreement_events (
	seq INTEGER PRIMARY KEY,
	event_seq INTEGER NOT NULL,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	action_id INTEGER NOT NULL DEFAULT 0,
	occurred_at INTEGER NOT NULL,
	payload TEXT NOT NULL,
	body BLOB NOT NULL,
	prev_hash BLOB NOT NULL,
	hash BLOB NOT NULL UNIQUE,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS agreement_events_action_idx ON agreement_events (action_id, seq);
`

// SQLJournal keeps the chain in a database/sql store. It is the single-node
// journal used when no Postgres is configured.
type SQLJournal struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) a sqlite journal at path.
func OpenSQLite(ctx context.Context, path string) (*SQLJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// sqlite allows one writer; a single connection keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	j := NewSQLJournal(db)
	if err := j.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db, now: time.Now}
}

func (j *SQLJournal) WithClock(now func() time.Time) *SQLJournal {
	j.now = now
	return j
}

func (j *SQLJournal) Migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

func (j *SQLJournal) Close() error {
	return j.db.Close()
}

func (j *SQLJournal) Record(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		prev []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM agreement_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq, prev = 0, Genesis
	case err != nil:
		return fmt.Errorf("journal: read head: %w", err)
	}

	recordedAt := j.now().UTC().UnixNano()
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
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agreement_events (seq, event_seq, id, type, action_id, occurred_at, payload, body, prev_hash, hash, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, seq, int64(ev.Seq), ev.ID, string(ev.Type), int64(ev.ActionID), ev.OccurredAt.UnixNano(), string(payload), body, prev, hash, recordedAt); err != nil {
			return fmt.Errorf("journal: insert event %s: %w", ev.ID, err)
		}
		prev = hash
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit tx: %w", err)
	}
	return nil
}

func (j *SQLJournal) List(ctx context.Context, filters Filters) (ListResult, error) {
	filters.normalize()

	where, args := whereClause(filters, func(int) string { return "?" })
	query := fmt.Sprintf(`SELECT %s FROM agreement_events%s ORDER BY seq %s LIMIT %d OFFSET %d`,
		entryColumns, where, strings.ToUpper(filters.SortOrder), filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("journal: query list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows, unixNanoTime)
		if err != nil {
			return ListResult{}, err
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("journal: iterate list: %w", err)
	}

	var total int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agreement_events"+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("journal: count list: %w", err)
	}
	return ListResult{Items: items, Total: total}, nil
}

func (j *SQLJournal) Verify(ctx context.Context) (int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT seq, body, prev_hash, hash FROM agreement_events ORDER BY seq ASC`)
	if err != nil {
		return 0, fmt.Errorf("journal: query chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

type unixNanos struct{ t *time.Time }

func (u unixNanos) Scan(src any) error {
	n, ok := src.(int64)
	if !ok {
		return fmt.Errorf("journal: recorded_at: unexpected %T", src)
	}
	*u.t = time.Unix(0, n).UTC()
	return nil
}

func unixNanoTime(dest *time.Time) any { return unixNanos{t: dest} }

var _ events.Sink = (*SQLJournal)(nil)
