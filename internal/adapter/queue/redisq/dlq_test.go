package redisq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

func testEntry(id, queue string, failedAt time.Time) domain.DeadLetterEntry {
	return domain.DeadLetterEntry{
		ID:            id,
		OriginalQueue: queue,
		Kind:          domain.KindSyncTransactions,
		Payload:       json.RawMessage(`{"userId":"u1"}`),
		FailedReason:  "provider timeout",
		AttemptsMade:  5,
		MaxAttempts:   5,
		FailedAt:      failedAt,
	}
}

func TestDeadLetterAddListStats(t *testing.T) {
	kv, _ := newTestKV(t)
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadLetterStore(kv, "testns", clock)
	ctx := context.Background()

	d.Add(ctx, testEntry("e1", domain.QueueSyncTransactions, clock.Now()))
	clock.Advance(time.Minute)
	d.Add(ctx, testEntry("e2", domain.QueueESGUpdates, clock.Now()))
	clock.Advance(time.Minute)
	d.Add(ctx, testEntry("e3", domain.QueueSyncTransactions, clock.Now()))

	entries := d.List(ctx, 2)
	require.Len(t, entries, 2)
	require.Equal(t, "e3", entries[0].ID)
	require.Equal(t, "e2", entries[1].ID)

	stats := d.Stats(ctx)
	require.EqualValues(t, 3, stats.Total)
	require.EqualValues(t, 2, stats.PerQueue[domain.QueueSyncTransactions])
	require.EqualValues(t, 1, stats.PerQueue[domain.QueueESGUpdates])
	require.NotNil(t, stats.OldestFailedAt)
	require.NotNil(t, stats.NewestFailedAt)
	require.True(t, stats.OldestFailedAt.Before(*stats.NewestFailedAt))
}

func TestDeadLetterTakeAndMarkProcessed(t *testing.T) {
	kv, _ := newTestKV(t)
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadLetterStore(kv, "testns", clock)
	ctx := context.Background()

	d.Add(ctx, testEntry("e1", domain.QueueSyncTransactions, clock.Now()))
	d.Add(ctx, testEntry("e2", domain.QueueESGUpdates, clock.Now()))

	e, ok := d.Take(ctx, "e1")
	require.True(t, ok)
	require.Equal(t, "e1", e.ID)
	require.Equal(t, domain.QueueSyncTransactions, e.OriginalQueue)

	_, ok = d.Take(ctx, "e1")
	require.False(t, ok)
	require.EqualValues(t, 1, d.Stats(ctx).Total)

	d.MarkProcessed(ctx, e)
	history, err := kv.LRange(ctx, dlqProcessedKey("testns"), 0, -1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	var processed domain.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(history[0]), &processed))
	require.Equal(t, "e1", processed.ID)
	require.NotNil(t, processed.ProcessedAt)
}

func TestDeadLetterTakeByQueue(t *testing.T) {
	kv, _ := newTestKV(t)
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadLetterStore(kv, "testns", clock)
	ctx := context.Background()

	d.Add(ctx, testEntry("e1", domain.QueueSyncTransactions, clock.Now()))
	d.Add(ctx, testEntry("e2", domain.QueueESGUpdates, clock.Now()))
	d.Add(ctx, testEntry("e3", domain.QueueSyncTransactions, clock.Now()))

	taken := d.TakeByQueue(ctx, domain.QueueSyncTransactions)
	require.Len(t, taken, 2)
	require.EqualValues(t, 1, d.Stats(ctx).Total)
}

func TestDeadLetterClearAndPrune(t *testing.T) {
	kv, _ := newTestKV(t)
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadLetterStore(kv, "testns", clock)
	ctx := context.Background()

	d.Add(ctx, testEntry("old", domain.QueueSyncTransactions, clock.Now().Add(-40*24*time.Hour)))
	d.Add(ctx, testEntry("fresh", domain.QueueSyncTransactions, clock.Now()))

	removed := d.Prune(ctx, 30*24*time.Hour)
	require.EqualValues(t, 1, removed)
	entries := d.List(ctx, 10)
	require.Len(t, entries, 1)
	require.Equal(t, "fresh", entries[0].ID)

	require.EqualValues(t, 1, d.ClearAll(ctx))
	require.EqualValues(t, 0, d.Stats(ctx).Total)
}

func TestDeadLetterDegradesOnStoreErrors(t *testing.T) {
	kv, mr := newTestKV(t)
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadLetterStore(kv, "testns", clock)
	ctx := context.Background()

	d.Add(ctx, testEntry("e1", domain.QueueSyncTransactions, clock.Now()))
	mr.Close()

	// No operation panics or surfaces an error; results are zero-like.
	d.Add(ctx, testEntry("e2", domain.QueueSyncTransactions, clock.Now()))
	require.Nil(t, d.List(ctx, 10))
	require.EqualValues(t, 0, d.Stats(ctx).Total)
	_, ok := d.Take(ctx, "e1")
	require.False(t, ok)
	require.Nil(t, d.TakeByQueue(ctx, domain.QueueSyncTransactions))
	require.EqualValues(t, 0, d.ClearAll(ctx))
	require.EqualValues(t, 0, d.Prune(ctx, time.Hour))
}

func TestDeadLetterEntryIDsSortable(t *testing.T) {
	kv, _ := newTestKV(t)
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadLetterStore(kv, "testns", clock)

	a := d.NewEntryID()
	clock.Advance(time.Second)
	b := d.NewEntryID()
	require.Len(t, a, 26)
	require.Less(t, a, b)
}
