package redisq

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// processedHistoryLimit bounds the retried-entry history list.
const processedHistoryLimit = 200

// DeadLetterStore is the persistent terminal list for jobs that exhausted all
// attempts. Every operation degrades to logging and a zero-like result on
// store errors; callers never see a failure.
type DeadLetterStore struct {
	kv    *rediskv.Client
	ns    string
	clock clockx.Clock
}

// NewDeadLetterStore binds the DLQ to the namespace.
func NewDeadLetterStore(kv *rediskv.Client, ns string, clock clockx.Clock) *DeadLetterStore {
	return &DeadLetterStore{kv: kv, ns: ns, clock: clock}
}

// NewEntryID mints a lexicographically sortable dead-letter entry id.
func (d *DeadLetterStore) NewEntryID() string {
	now := d.clock.Now()
	return ulid.MustNew(ulid.Timestamp(now), rand.New(rand.NewSource(now.UnixNano()))).String() //nolint:gosec // id entropy, not crypto
}

// Add appends an entry to the head of the dead-letter list.
func (d *DeadLetterStore) Add(ctx context.Context, e domain.DeadLetterEntry) {
	b, err := json.Marshal(e)
	if err != nil {
		slog.Error("dlq entry marshal failed", slog.String("entry_id", e.ID), slog.Any("error", err))
		return
	}
	if err := d.kv.LPush(ctx, dlqKey(d.ns), string(b)); err != nil {
		slog.Error("dlq append failed", slog.String("entry_id", e.ID), slog.Any("error", err))
	}
}

// List returns the head N entries (newest first).
func (d *DeadLetterStore) List(ctx context.Context, limit int) []domain.DeadLetterEntry {
	if limit <= 0 {
		limit = 100
	}
	raw, err := d.kv.LRange(ctx, dlqKey(d.ns), 0, int64(limit)-1)
	if err != nil {
		slog.Error("dlq list failed", slog.Any("error", err))
		return nil
	}
	out := make([]domain.DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var e domain.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			slog.Warn("dlq entry unmarshal failed; skipping", slog.Any("error", err))
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats summarizes the whole list: totals, per-queue counts, oldest/newest.
func (d *DeadLetterStore) Stats(ctx context.Context) domain.DeadLetterStats {
	stats := domain.DeadLetterStats{PerQueue: map[string]int64{}}
	raw, err := d.kv.LRange(ctx, dlqKey(d.ns), 0, -1)
	if err != nil {
		slog.Error("dlq stats failed", slog.Any("error", err))
		return stats
	}
	for _, item := range raw {
		var e domain.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		stats.Total++
		stats.PerQueue[e.OriginalQueue]++
		if stats.OldestFailedAt == nil || e.FailedAt.Before(*stats.OldestFailedAt) {
			t := e.FailedAt
			stats.OldestFailedAt = &t
		}
		if stats.NewestFailedAt == nil || e.FailedAt.After(*stats.NewestFailedAt) {
			t := e.FailedAt
			stats.NewestFailedAt = &t
		}
	}
	return stats
}

// Take removes and returns the entry with the given id, or false when absent
// or on store error.
func (d *DeadLetterStore) Take(ctx context.Context, id string) (domain.DeadLetterEntry, bool) {
	raw, err := d.kv.LRange(ctx, dlqKey(d.ns), 0, -1)
	if err != nil {
		slog.Error("dlq scan failed", slog.String("entry_id", id), slog.Any("error", err))
		return domain.DeadLetterEntry{}, false
	}
	for _, item := range raw {
		var e domain.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if e.ID != id {
			continue
		}
		if _, err := d.kv.LRem(ctx, dlqKey(d.ns), 1, item); err != nil {
			slog.Error("dlq remove failed", slog.String("entry_id", id), slog.Any("error", err))
			return domain.DeadLetterEntry{}, false
		}
		return e, true
	}
	return domain.DeadLetterEntry{}, false
}

// TakeByQueue removes and returns every entry for the original queue.
func (d *DeadLetterStore) TakeByQueue(ctx context.Context, queue string) []domain.DeadLetterEntry {
	raw, err := d.kv.LRange(ctx, dlqKey(d.ns), 0, -1)
	if err != nil {
		slog.Error("dlq scan failed", slog.String("queue", queue), slog.Any("error", err))
		return nil
	}
	var out []domain.DeadLetterEntry
	for _, item := range raw {
		var e domain.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if e.OriginalQueue != queue {
			continue
		}
		if _, err := d.kv.LRem(ctx, dlqKey(d.ns), 1, item); err != nil {
			slog.Error("dlq remove failed", slog.String("entry_id", e.ID), slog.Any("error", err))
			continue
		}
		out = append(out, e)
	}
	return out
}

// MarkProcessed records a retried entry (ProcessedAt set) in the bounded
// processed-history list.
func (d *DeadLetterStore) MarkProcessed(ctx context.Context, e domain.DeadLetterEntry) {
	now := d.clock.Now()
	e.ProcessedAt = &now
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := d.kv.LPush(ctx, dlqProcessedKey(d.ns), string(b)); err != nil {
		slog.Warn("dlq processed-history append failed", slog.String("entry_id", e.ID), slog.Any("error", err))
		return
	}
	_ = d.kv.LTrim(ctx, dlqProcessedKey(d.ns), 0, processedHistoryLimit-1)
}

// ClearAll deletes every entry and returns the number removed.
func (d *DeadLetterStore) ClearAll(ctx context.Context) int64 {
	n, err := d.kv.LLen(ctx, dlqKey(d.ns))
	if err != nil {
		slog.Error("dlq clear failed", slog.Any("error", err))
		return 0
	}
	if err := d.kv.Del(ctx, dlqKey(d.ns)); err != nil {
		slog.Error("dlq clear failed", slog.Any("error", err))
		return 0
	}
	return n
}

// Prune removes entries whose FailedAt is older than the given age and
// returns the number removed.
func (d *DeadLetterStore) Prune(ctx context.Context, olderThan time.Duration) int64 {
	cutoff := d.clock.Now().Add(-olderThan)
	raw, err := d.kv.LRange(ctx, dlqKey(d.ns), 0, -1)
	if err != nil {
		slog.Error("dlq prune failed", slog.Any("error", err))
		return 0
	}
	var removed int64
	for _, item := range raw {
		var e domain.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if !e.FailedAt.Before(cutoff) {
			continue
		}
		n, err := d.kv.LRem(ctx, dlqKey(d.ns), 1, item)
		if err != nil {
			slog.Error("dlq prune remove failed", slog.String("entry_id", e.ID), slog.Any("error", err))
			continue
		}
		removed += n
	}
	return removed
}
