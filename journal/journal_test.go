package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agreementflow/events"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func batchOf(startSeq uint64, actionID uint64, types ...events.Type) []events.Event {
	out := make([]events.Event, 0, len(types))
	for i, typ := range types {
		ev := events.New(typ, actionID, map[string]any{"amount": 10 + i, "token": "ANT"})
		ev.ID = uuid.NewString()
		ev.Seq = startSeq + uint64(i)
		ev.OccurredAt = epoch.Add(time.Duration(startSeq) * time.Minute)
		out = append(out, ev)
	}
	return out
}

func openMemory(t *testing.T) *SQLJournal {
	t.Helper()
	j, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j.WithClock(func() time.Time { return epoch })
}

func TestSealIsDeterministic(t *testing.T) {
	ev := batchOf(1, 7, events.TypeActionScheduled)[0]

	body1, hash1, err := seal(Genesis, ev)
	require.NoError(t, err)
	body2, hash2, err := seal(Genesis, ev)
	require.NoError(t, err)

	assert.Equal(t, body1, body2)
	assert.Equal(t, hash1, hash2)
	assert.Len(t, hash1, 32)

	_, chained, err := seal(hash1, ev)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, chained)
}

func TestCanonicalBodySortsKeys(t *testing.T) {
	ev := batchOf(3, 1, events.TypeBalanceLocked)[0]
	body, err := canonical(ev)
	require.NoError(t, err)

	assert.Regexp(t, `^\{"action_id":1,"id":"[^"]+","occurred_at":"[^"]+","payload":\{"amount":10,"token":"ANT"\},"seq":3,"type":"BalanceLocked"\}$`, string(body))
}

func TestDecodeBodyRoundTripsEnvelope(t *testing.T) {
	ev := batchOf(9, 4, events.TypeActionChallenged)[0]
	body, err := canonical(ev)
	require.NoError(t, err)

	got, err := decodeBody(body)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Seq, got.Seq)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.ActionID, got.ActionID)
	assert.True(t, ev.OccurredAt.Equal(got.OccurredAt))
	assert.Equal(t, "ANT", got.Payload["token"])
}

func TestSQLiteRecordListVerify(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	require.NoError(t, j.Record(ctx, batchOf(1, 1, events.TypeBalanceLocked, events.TypeActionScheduled)))
	require.NoError(t, j.Record(ctx, batchOf(3, 2, events.TypeBalanceLocked, events.TypeActionScheduled)))
	require.NoError(t, j.Record(ctx, batchOf(5, 1, events.TypeActionCancelled)))

	n, err := j.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	all, err := j.List(ctx, Filters{})
	require.NoError(t, err)
	require.Equal(t, 5, all.Total)
	for i, entry := range all.Items {
		assert.Equal(t, uint64(i+1), entry.Seq)
		assert.Equal(t, uint64(i+1), entry.Event.Seq)
		assert.True(t, entry.RecordedAt.Equal(epoch))
		if i > 0 {
			assert.Equal(t, all.Items[i-1].Hash, entry.PrevHash)
		}
	}
	assert.Equal(t, Genesis, all.Items[0].PrevHash)

	forOne, err := j.List(ctx, Filters{ActionID: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, forOne.Total)

	scheduled, err := j.List(ctx, Filters{Type: events.TypeActionScheduled, SortOrder: "desc"})
	require.NoError(t, err)
	require.Len(t, scheduled.Items, 2)
	assert.Equal(t, uint64(4), scheduled.Items[0].Seq)

	page, err := j.List(ctx, Filters{AfterSeq: 1, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, uint64(4), page.Items[0].Seq)
}

func TestHistoryPagesInOrder(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	empty, err := History(ctx, j)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, j.Record(ctx, batchOf(1, 1, events.TypeBalanceLocked, events.TypeActionScheduled)))
	require.NoError(t, j.Record(ctx, batchOf(3, 2, events.TypeBalanceLocked, events.TypeActionScheduled)))
	require.NoError(t, j.Record(ctx, batchOf(5, 1, events.TypeActionCancelled)))

	for _, size := range []int{2, 5, 500} {
		got, err := history(ctx, j, size)
		require.NoError(t, err)
		require.Len(t, got, 5, "page size %d", size)
		for i, ev := range got {
			assert.Equal(t, uint64(i+1), ev.Seq)
		}
		assert.Equal(t, events.TypeActionCancelled, got[4].Type)
	}
}

func TestSQLiteVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)
	require.NoError(t, j.Record(ctx, batchOf(1, 1, events.TypeBalanceLocked, events.TypeActionScheduled, events.TypeActionCancelled)))

	_, err := j.db.ExecContext(ctx, `UPDATE agreement_events SET body = ? WHERE seq = 2`, []byte(`{"forged":true}`))
	require.NoError(t, err)

	n, err := j.Verify(ctx)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.Equal(t, 1, n)
}

func TestSQLiteRecordRejectsEmptyBatch(t *testing.T) {
	j := openMemory(t)
	assert.ErrorIs(t, j.Record(context.Background(), nil), ErrEmptyBatch)
}

func TestSQLiteDuplicateEventLeavesChainUntouched(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)
	first := batchOf(1, 1, events.TypeBalanceLocked)
	require.NoError(t, j.Record(ctx, first))

	replay := append(batchOf(2, 1, events.TypeActionScheduled), first[0])
	assert.Error(t, j.Record(ctx, replay))

	res, err := j.List(ctx, Filters{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestSQLJournalRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	j := NewSQLJournal(db)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT seq, hash FROM agreement_events").WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}))
	mock.ExpectExec("INSERT INTO agreement_events").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = j.Record(context.Background(), batchOf(1, 1, events.TypeBalanceLocked))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalMigrateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS agreement_events").WillReturnError(fmt.Errorf("read-only"))
	err = NewSQLJournal(db).Migrate(context.Background())
	assert.ErrorContains(t, err, "read-only")
}
