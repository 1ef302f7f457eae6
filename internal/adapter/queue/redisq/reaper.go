package redisq

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically sweeps every queue's processing set for expired leases
// and re-offers the jobs. One reaper instance serves all queues.
type Reaper struct {
	queues   []*Queue
	interval time.Duration
}

// NewReaper builds a reaper over the given queues.
func NewReaper(queues []*Queue, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{queues: queues, interval: interval}
}

// Run sweeps until the context is done. Call in a goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stall reaper stopping")
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass over every queue. Exported for tests.
func (r *Reaper) SweepOnce(ctx context.Context) int {
	total := 0
	for _, q := range r.queues {
		n, err := q.ReapStalled(ctx)
		if err != nil {
			slog.Error("stall sweep failed", slog.String("queue", q.Name()), slog.Any("error", err))
			continue
		}
		total += n
	}
	return total
}
