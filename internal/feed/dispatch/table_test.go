package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/changefeed/internal/feed/cursor/cursortest"
	"github.com/syntrixbase/changefeed/internal/feed/events"
	"go.mongodb.org/mongo-driver/bson"
)

type record struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
}

func decodeRecord(env *events.ChangeEnvelope) (record, error) {
	var r record
	err := bson.Unmarshal(env.RecordOrKey(), &r)
	return r, err
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func testBatch() events.Batch {
	return events.Batch{
		cursortest.Envelope(events.OperationInsert, "a", bson.M{"_id": "a", "name": "alpha"}, "t1"),
		cursortest.Envelope(events.OperationInsert, "b", bson.M{"_id": "b", "name": "beta"}, "t2"),
	}
}

func TestTable_SyncHandlersRunInOrder(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	rec := &recorder{}
	for _, name := range []string{"first", "second", "third"} {
		tbl.AddRecords(func(ctx context.Context, records []record) error {
			rec.add(name)
			return nil
		})
	}

	require.NoError(t, tbl.Dispatch(context.Background(), testBatch()))
	assert.Equal(t, []string{"first", "second", "third"}, rec.snapshot())
}

func TestTable_FamilyOrdering(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	rec := &recorder{}

	tbl.AddEnvelopesAsync(func(ctx context.Context, b events.Batch) error {
		rec.add("async-envelopes")
		return nil
	})
	tbl.AddEnvelopes(func(ctx context.Context, b events.Batch) error {
		rec.add("sync-envelopes")
		return nil
	})
	tbl.AddRecordsAsync(func(ctx context.Context, records []record) error {
		time.Sleep(10 * time.Millisecond)
		rec.add("async-records")
		return nil
	})
	tbl.AddRecords(func(ctx context.Context, records []record) error {
		rec.add("sync-records")
		return nil
	})

	require.NoError(t, tbl.Dispatch(context.Background(), testBatch()))
	assert.Equal(t, []string{"sync-records", "async-records", "sync-envelopes", "async-envelopes"}, rec.snapshot())
}

func TestTable_AsyncHandlersAwaited(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	var done atomic.Int32
	for i := 0; i < 5; i++ {
		tbl.AddRecordsAsync(func(ctx context.Context, records []record) error {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
			return nil
		})
	}

	require.NoError(t, tbl.Dispatch(context.Background(), testBatch()))
	assert.Equal(t, int32(5), done.Load())
}

func TestTable_RecordsDecoded(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	var got []record
	tbl.AddRecords(func(ctx context.Context, records []record) error {
		got = records
		return nil
	})

	batch := append(testBatch(),
		cursortest.Envelope(events.OperationDelete, "c", nil, "t3"),
		cursortest.Invalidate("t4"),
	)
	require.NoError(t, tbl.Dispatch(context.Background(), batch))

	require.Len(t, got, 3)
	assert.Equal(t, record{ID: "a", Name: "alpha"}, got[0])
	assert.Equal(t, record{ID: "c"}, got[2])
}

func TestTable_InvalidateOnlyBatch(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	recordCalls := 0
	var envelopes events.Batch
	tbl.AddRecords(func(ctx context.Context, records []record) error {
		recordCalls++
		return nil
	})
	tbl.AddEnvelopes(func(ctx context.Context, b events.Batch) error {
		envelopes = b
		return nil
	})

	require.NoError(t, tbl.Dispatch(context.Background(), events.Batch{cursortest.Invalidate("t9")}))
	assert.Equal(t, 0, recordCalls)
	require.Len(t, envelopes, 1)
	assert.True(t, envelopes[0].IsInvalidate())
}

func TestTable_ErrorStopsDelivery(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	boom := errors.New("boom")
	rec := &recorder{}
	tbl.AddRecords(func(ctx context.Context, records []record) error {
		rec.add("failing")
		return boom
	})
	tbl.AddRecords(func(ctx context.Context, records []record) error {
		rec.add("after")
		return nil
	})
	tbl.AddEnvelopes(func(ctx context.Context, b events.Batch) error {
		rec.add("envelopes")
		return nil
	})

	err := tbl.Dispatch(context.Background(), testBatch())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"failing"}, rec.snapshot())
}

func TestTable_AsyncErrorReturned(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	boom := errors.New("async boom")
	tbl.AddEnvelopesAsync(func(ctx context.Context, b events.Batch) error { return nil })
	tbl.AddEnvelopesAsync(func(ctx context.Context, b events.Batch) error { return boom })

	assert.ErrorIs(t, tbl.Dispatch(context.Background(), testBatch()), boom)
}

func TestTable_PanicRecovered(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	tbl.AddRecordsAsync(func(ctx context.Context, records []record) error {
		panic("bad subscriber")
	})

	err := tbl.Dispatch(context.Background(), testBatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubscriberPanic)
	assert.Contains(t, err.Error(), "bad subscriber")
}

func TestTable_DecodeError(t *testing.T) {
	t.Parallel()

	tbl := NewTable(func(env *events.ChangeEnvelope) (record, error) {
		return record{}, errors.New("bad shape")
	})
	tbl.AddRecords(func(ctx context.Context, records []record) error { return nil })

	err := tbl.Dispatch(context.Background(), testBatch())
	assert.ErrorContains(t, err, "bad shape")
}

func TestTable_DecodeSkippedWithoutRecordHandlers(t *testing.T) {
	t.Parallel()

	decodes := 0
	tbl := NewTable(func(env *events.ChangeEnvelope) (record, error) {
		decodes++
		return record{}, nil
	})
	tbl.AddEnvelopes(func(ctx context.Context, b events.Batch) error { return nil })

	require.NoError(t, tbl.Dispatch(context.Background(), testBatch()))
	assert.Equal(t, 0, decodes)
}

func TestTable_RemoveAndCounts(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	h1 := tbl.AddRecords(func(ctx context.Context, records []record) error { return nil })
	h2 := tbl.AddRecordsAsync(func(ctx context.Context, records []record) error { return nil })
	tbl.AddEnvelopes(func(ctx context.Context, b events.Batch) error { return nil })
	tbl.AddEnvelopesAsync(func(ctx context.Context, b events.Batch) error { return nil })

	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 4, tbl.Total())
	assert.Equal(t, 1, tbl.Count(SyncRecords))

	assert.True(t, tbl.Remove(h1))
	assert.False(t, tbl.Remove(h1))
	assert.Equal(t, 0, tbl.Count(SyncRecords))

	tbl.RemoveAll(AsyncEnvelopes)
	assert.Equal(t, 0, tbl.Count(AsyncEnvelopes))
	assert.Equal(t, 2, tbl.Total())

	tbl.Clear()
	assert.Equal(t, 0, tbl.Total())
	assert.Equal(t, 0, tbl.Count(Family(42)))
}

func TestTable_RemovePreservesOrder(t *testing.T) {
	t.Parallel()

	tbl := NewTable(decodeRecord)
	rec := &recorder{}
	tbl.AddRecords(func(ctx context.Context, records []record) error { rec.add("a"); return nil })
	h := tbl.AddRecords(func(ctx context.Context, records []record) error { rec.add("b"); return nil })
	tbl.AddRecords(func(ctx context.Context, records []record) error { rec.add("c"); return nil })

	require.True(t, tbl.Remove(h))
	require.NoError(t, tbl.Dispatch(context.Background(), testBatch()))
	assert.Equal(t, []string{"a", "c"}, rec.snapshot())
}

func TestFamily_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sync-records", SyncRecords.String())
	assert.Equal(t, "async-envelopes", AsyncEnvelopes.String())
	assert.Equal(t, "unknown", Family(9).String())
}
