package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/observability"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// Queue is one named, priority-ordered, persistent job buffer with retry
// metadata, backed by the shared KV store.
type Queue struct {
	kv          *rediskv.Client
	keys        keySet
	name        string
	policy      domain.QueuePolicy
	clock       clockx.Clock
	jobTTL      time.Duration
	stallWindow time.Duration
}

// Options tune storage behavior shared across queues.
type Options struct {
	JobTTL      time.Duration
	StallWindow time.Duration
}

// NewQueue builds a queue bound to one name under the namespace.
func NewQueue(kv *rediskv.Client, ns, name string, policy domain.QueuePolicy, clock clockx.Clock, opts Options) *Queue {
	if opts.JobTTL <= 0 {
		opts.JobTTL = 48 * time.Hour
	}
	if opts.StallWindow <= 0 {
		opts.StallWindow = time.Minute
	}
	if policy.RemoveOnComplete <= 0 {
		policy.RemoveOnComplete = 100
	}
	if policy.RemoveOnFail <= 0 {
		policy.RemoveOnFail = 50
	}
	return &Queue{
		kv:          kv,
		keys:        newKeySet(ns, name),
		name:        name,
		policy:      policy,
		clock:       clock,
		jobTTL:      opts.JobTTL,
		stallWindow: opts.StallWindow,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Policy returns the queue's retry/retention policy.
func (q *Queue) Policy() domain.QueuePolicy { return q.policy }

func mainScore(priority int, enqueuedAt time.Time) float64 {
	return float64(enqueuedAt.UnixMilli()) - float64(priority)*priorityBand
}

// Enqueue stores the job and makes it visible after its delay. Returns false
// when a job with the same id is already pending (the existing job wins).
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) (bool, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("op=redisq.Enqueue queue=%s: %w", q.name, err)
	}
	now := q.clock.Now()
	eligibleAt := job.EnqueuedAt.Add(job.Delay)
	delayed := "0"
	if eligibleAt.After(now) {
		delayed = "1"
	}
	res, err := q.kv.Run(ctx, enqueueScript,
		[]string{q.keys.main(), q.keys.delayed(), q.keys.scores(), q.keys.job(job.ID)},
		job.ID,
		string(body),
		strconv.FormatFloat(mainScore(job.Priority, job.EnqueuedAt), 'f', -1, 64),
		strconv.FormatInt(eligibleAt.UnixMilli(), 10),
		delayed,
		strconv.FormatInt(int64(q.jobTTL.Seconds()), 10),
	)
	if err != nil {
		return false, fmt.Errorf("op=redisq.Enqueue queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	added, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("op=redisq.Enqueue queue=%s: %w: unexpected script reply %T", q.name, domain.ErrInternal, res)
	}
	if added == 1 {
		observability.EnqueueJob(q.name)
	}
	return added == 1, nil
}

// Pop returns the next eligible job under a processing lease, or nil when the
// queue is paused or has nothing due. Ordering is highest priority first,
// FIFO within a priority, honoring per-job delay.
func (q *Queue) Pop(ctx context.Context) (*domain.Job, error) {
	now := q.clock.Now()
	res, err := q.kv.Run(ctx, popScript,
		[]string{q.keys.main(), q.keys.delayed(), q.keys.scores(), q.keys.processing(), q.keys.paused()},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(q.stallWindow).UnixMilli(), 10),
	)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=redisq.Pop queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Body expired while the id lingered; drop the orphan.
		slog.Warn("dropping orphaned job id", slog.String("queue", q.name), slog.String("job_id", id))
		_ = q.kv.ZRem(ctx, q.keys.processing(), id)
		return nil, nil
	}
	if job.FirstPickedAt == nil {
		picked := now
		job.FirstPickedAt = &picked
		_ = q.storeJob(ctx, job)
	}
	return job, nil
}

// Complete removes a finished job from the processing set and records it in
// the bounded completion history.
func (q *Queue) Complete(ctx context.Context, job *domain.Job) error {
	if err := q.kv.ZRem(ctx, q.keys.processing(), job.ID); err != nil {
		return fmt.Errorf("op=redisq.Complete queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	_ = q.kv.HDel(ctx, q.keys.scores(), job.ID)
	if err := q.kv.LPush(ctx, q.keys.completed(), job.ID); err != nil {
		return fmt.Errorf("op=redisq.Complete queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	_ = q.kv.LTrim(ctx, q.keys.completed(), 0, int64(q.policy.RemoveOnComplete)-1)
	q.publish(ctx, domain.QueueEvent{Type: domain.EventCompleted, Queue: q.name, JobID: job.ID, At: q.clock.Now()})
	return nil
}

// RetryLater re-enqueues a failed job into the delayed set with backoff. The
// job keeps its priority and original FIFO position within that priority.
func (q *Queue) RetryLater(ctx context.Context, job *domain.Job, delay time.Duration) error {
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}
	if err := q.kv.ZRem(ctx, q.keys.processing(), job.ID); err != nil {
		return fmt.Errorf("op=redisq.RetryLater queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	eligible := q.clock.Now().Add(delay)
	if err := q.kv.ZAdd(ctx, q.keys.delayed(), float64(eligible.UnixMilli()), job.ID); err != nil {
		return fmt.Errorf("op=redisq.RetryLater queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	observability.RetryJob(q.name)
	reason := ""
	if job.LastError != nil {
		reason = job.LastError.Message
	}
	q.publish(ctx, domain.QueueEvent{Type: domain.EventFailed, Queue: q.name, JobID: job.ID, Reason: reason, At: q.clock.Now()})
	return nil
}

// MarkFailedFinal records a job that exhausted all attempts in the bounded
// failure history and removes it from the live sets. DLQ promotion is the
// manager's concern.
func (q *Queue) MarkFailedFinal(ctx context.Context, job *domain.Job) error {
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}
	if err := q.kv.ZRem(ctx, q.keys.processing(), job.ID); err != nil {
		return fmt.Errorf("op=redisq.MarkFailedFinal queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	_ = q.kv.HDel(ctx, q.keys.scores(), job.ID)
	if err := q.kv.LPush(ctx, q.keys.failed(), job.ID); err != nil {
		return fmt.Errorf("op=redisq.MarkFailedFinal queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	_ = q.kv.LTrim(ctx, q.keys.failed(), 0, int64(q.policy.RemoveOnFail)-1)
	reason := ""
	if job.LastError != nil {
		reason = job.LastError.Message
	}
	q.publish(ctx, domain.QueueEvent{Type: domain.EventFailed, Queue: q.name, JobID: job.ID, Reason: reason, At: q.clock.Now()})
	return nil
}

// Pause suspends consumers; producers keep accepting.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.kv.Set(ctx, q.keys.paused(), "1", 0); err != nil {
		return fmt.Errorf("op=redisq.Pause queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	return nil
}

// Resume lifts a pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.kv.Del(ctx, q.keys.paused()); err != nil {
		return fmt.Errorf("op=redisq.Resume queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	return nil
}

// IsPaused reports the pause flag.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.kv.Exists(ctx, q.keys.paused())
}

// Stats returns the per-queue counters for the admin API.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	var s domain.QueueStats
	var err error
	if s.Waiting, err = q.kv.ZCard(ctx, q.keys.main()); err != nil {
		return s, fmt.Errorf("op=redisq.Stats queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	if s.Delayed, err = q.kv.ZCard(ctx, q.keys.delayed()); err != nil {
		return s, fmt.Errorf("op=redisq.Stats queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	if s.Active, err = q.kv.ZCard(ctx, q.keys.processing()); err != nil {
		return s, fmt.Errorf("op=redisq.Stats queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	if s.Completed, err = q.kv.LLen(ctx, q.keys.completed()); err != nil {
		return s, fmt.Errorf("op=redisq.Stats queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	if s.Failed, err = q.kv.LLen(ctx, q.keys.failed()); err != nil {
		return s, fmt.Errorf("op=redisq.Stats queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	return s, nil
}

// Clear drops every job and history record for the queue.
func (q *Queue) Clear(ctx context.Context) error {
	err := q.kv.Del(ctx,
		q.keys.main(), q.keys.delayed(), q.keys.processing(),
		q.keys.scores(), q.keys.completed(), q.keys.failed(),
	)
	if err != nil {
		return fmt.Errorf("op=redisq.Clear queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	return nil
}

// RetryFailedHistory re-enqueues jobs from the failure history with a fresh
// attempt budget. Returns the number re-enqueued.
func (q *Queue) RetryFailedHistory(ctx context.Context) (int, error) {
	ids, err := q.kv.LRange(ctx, q.keys.failed(), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("op=redisq.RetryFailedHistory queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	count := 0
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil || job == nil {
			_, _ = q.kv.LRem(ctx, q.keys.failed(), 0, id)
			continue
		}
		job.AttemptsMade = 0
		job.Delay = 0
		job.EnqueuedAt = q.clock.Now()
		added, err := q.Enqueue(ctx, job)
		if err != nil {
			return count, err
		}
		_, _ = q.kv.LRem(ctx, q.keys.failed(), 0, id)
		if added {
			count++
		}
	}
	return count, nil
}

// ReapStalled re-offers jobs whose processing lease expired, emitting stalled
// events. Returns the number re-offered.
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	now := q.clock.Now()
	res, err := q.kv.Run(ctx, reapScript,
		[]string{q.keys.processing(), q.keys.main(), q.keys.scores()},
		strconv.FormatInt(now.UnixMilli(), 10),
	)
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=redisq.ReapStalled queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	ids, ok := res.([]any)
	if !ok {
		return 0, nil
	}
	for _, raw := range ids {
		id, _ := raw.(string)
		if id == "" {
			continue
		}
		observability.StallJob(q.name)
		q.publish(ctx, domain.QueueEvent{Type: domain.EventStalled, Queue: q.name, JobID: id, At: now})
		slog.Warn("stalled job re-offered", slog.String("queue", q.name), slog.String("job_id", id))
	}
	return len(ids), nil
}

// Events subscribes to the queue's lifecycle channel.
func (q *Queue) Events(ctx context.Context) (<-chan domain.QueueEvent, func() error) {
	raw, closer := q.kv.Subscribe(ctx, q.keys.events())
	out := make(chan domain.QueueEvent, 64)
	go func() {
		defer close(out)
		for msg := range raw {
			var ev domain.QueueEvent
			if err := json.Unmarshal([]byte(msg), &ev); err != nil {
				continue
			}
			out <- ev
		}
	}()
	return out, closer
}

func (q *Queue) publish(ctx context.Context, ev domain.QueueEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.kv.Publish(ctx, q.keys.events(), string(b)); err != nil {
		slog.Debug("event publish failed", slog.String("queue", q.name), slog.Any("error", err))
	}
}

func (q *Queue) loadJob(ctx context.Context, id string) (*domain.Job, error) {
	body, ok, err := q.kv.Get(ctx, q.keys.job(id))
	if err != nil {
		return nil, fmt.Errorf("op=redisq.loadJob queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	if !ok {
		return nil, nil
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("op=redisq.loadJob queue=%s: %w: %v", q.name, domain.ErrInternal, err)
	}
	return &job, nil
}

func (q *Queue) storeJob(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=redisq.storeJob queue=%s: %w", q.name, err)
	}
	if err := q.kv.Set(ctx, q.keys.job(job.ID), string(body), q.jobTTL); err != nil {
		return fmt.Errorf("op=redisq.storeJob queue=%s: %w: %v", q.name, domain.ErrInfrastructure, err)
	}
	return nil
}
