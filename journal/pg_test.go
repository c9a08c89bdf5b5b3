package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agreementflow/events"
)

func TestPGWriterAppendsEventAndOutboxRows(t *testing.T) {
	pool := &fakePool{}
	w := NewPGWriter(pool).WithClock(func() time.Time { return epoch })

	batch := batchOf(1, 3, events.TypeBalanceLocked, events.TypeActionScheduled)
	require.NoError(t, w.Record(context.Background(), batch))

	tx := pool.tx
	require.NotNil(t, tx)
	assert.True(t, tx.committed)
	require.Len(t, tx.execs, 5)
	assert.Contains(t, tx.execs[0].sql, "pg_advisory_xact_lock")
	assert.Contains(t, tx.execs[1].sql, "INSERT INTO agreement_events")
	assert.Contains(t, tx.execs[2].sql, "INSERT INTO outbox")
	assert.Equal(t, "agreement.balance.locked", tx.execs[2].args[1])
	assert.Equal(t, "agreement.action.scheduled", tx.execs[4].args[1])

	first, second := tx.execs[1].args, tx.execs[3].args
	assert.Equal(t, int64(1), first[0])
	assert.Equal(t, int64(2), second[0])
	assert.Equal(t, Genesis, first[8])
	assert.Equal(t, first[9], second[8], "second row links to the first")
}

func TestPGWriterContinuesFromHead(t *testing.T) {
	head := []byte(strings.Repeat("h", 32))
	pool := &fakePool{headSeq: 41, headHash: head}
	require.NoError(t, NewPGWriter(pool).Record(context.Background(), batchOf(7, 1, events.TypeActionCancelled)))

	args := pool.tx.execs[1].args
	assert.Equal(t, int64(42), args[0])
	assert.Equal(t, int64(7), args[1])
	assert.Equal(t, head, args[8])
}

func TestPGWriterRollsBackOnOutboxFailure(t *testing.T) {
	pool := &fakePool{failOn: "INSERT INTO outbox"}
	err := NewPGWriter(pool).Record(context.Background(), batchOf(1, 1, events.TypeBalanceLocked))

	require.Error(t, err)
	assert.True(t, pool.tx.rolled)
	assert.False(t, pool.tx.committed)
}

func TestPGWriterHeadError(t *testing.T) {
	pool := &fakePool{headErr: errors.New("connection reset")}
	err := NewPGWriter(pool).Record(context.Background(), batchOf(1, 1, events.TypeBalanceLocked))

	assert.ErrorContains(t, err, "connection reset")
	assert.False(t, pool.tx.committed)
}

func TestWhereClausePlaceholders(t *testing.T) {
	where, args := whereClause(Filters{ActionID: 2, Type: events.TypeActionDisputed, AfterSeq: 10},
		func(n int) string { return "$" + string(rune('0'+n)) })

	assert.Equal(t, " WHERE 1=1 AND action_id=$1 AND type=$2 AND seq>$3", where)
	assert.Equal(t, []any{int64(2), "ActionDisputed", int64(10)}, args)
}

type fakePool struct {
	tx       *fakeTx
	headSeq  int64
	headHash []byte
	headErr  error
	failOn   string
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{pool: f}
	return f.tx, nil
}

type execCall struct {
	sql  string
	args []any
}

type fakeTx struct {
	pool      *fakePool
	execs     []execCall
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.pool.failOn != "" && strings.Contains(sql, f.pool.failOn) {
		return pgconn.CommandTag{}, errors.New("exec failed")
	}
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return headRow{pool: f.pool}
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type headRow struct{ pool *fakePool }

func (r headRow) Scan(dest ...any) error {
	if r.pool.headErr != nil {
		return r.pool.headErr
	}
	if r.pool.headHash == nil {
		return pgx.ErrNoRows
	}
	*dest[0].(*int64) = r.pool.headSeq
	*dest[1].(*[]byte) = r.pool.headHash
	return nil
}
