package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

func TestReaperSweepsAllQueues(t *testing.T) {
	kv, _ := newTestKV(t)
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	opts := Options{StallWindow: time.Minute}
	q1 := NewQueue(kv, "testns", "alpha", domain.QueuePolicy{MaxAttempts: 3}, clock, opts)
	q2 := NewQueue(kv, "testns", "beta", domain.QueuePolicy{MaxAttempts: 3}, clock, opts)
	ctx := context.Background()

	for _, q := range []*Queue{q1, q2} {
		_, err := q.Enqueue(ctx, testJob(q.Name()+"-1", q.Name(), 40, clock.Now()))
		require.NoError(t, err)
		job, err := q.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
	}

	r := NewReaper([]*Queue{q1, q2}, 15*time.Second)
	require.Zero(t, r.SweepOnce(ctx))

	clock.Advance(2 * time.Minute)
	require.Equal(t, 2, r.SweepOnce(ctx))

	for _, q := range []*Queue{q1, q2} {
		job, err := q.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
	}
}
