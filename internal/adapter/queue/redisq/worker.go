package redisq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/observability"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// ExhaustedFunc receives a job whose attempts are spent. The manager uses it
// to promote the envelope into the dead-letter store.
type ExhaustedFunc func(ctx context.Context, job *domain.Job)

// WorkerPool runs a bounded set of concurrent consumers against one queue.
type WorkerPool struct {
	id          string
	queue       *Queue
	proc        domain.ProcessorFunc
	concurrency int
	backoffPol  domain.BackoffPolicy
	sink        domain.TracingSink
	clock       clockx.Clock
	poll        time.Duration
	onExhausted ExhaustedFunc

	active atomic.Int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewWorkerPool binds a processor to a queue with the given concurrency.
func NewWorkerPool(q *Queue, proc domain.ProcessorFunc, concurrency int, pol domain.BackoffPolicy, sink domain.TracingSink, clock clockx.Clock, poll time.Duration, onExhausted ExhaustedFunc) *WorkerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &WorkerPool{
		id:          uuid.NewString(),
		queue:       q,
		proc:        proc,
		concurrency: concurrency,
		backoffPol:  pol,
		sink:        sink,
		clock:       clock,
		poll:        poll,
		onExhausted: onExhausted,
	}
}

// Start launches the consumer goroutines. Idempotent per pool instance.
func (w *WorkerPool) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(runCtx, i)
	}
	slog.Info("worker pool started",
		slog.String("queue", w.queue.Name()),
		slog.String("pool_id", w.id),
		slog.Int("concurrency", w.concurrency))
}

// Stop cancels the poll loops and waits for in-flight jobs to return.
func (w *WorkerPool) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
	slog.Info("worker pool stopped", slog.String("queue", w.queue.Name()))
}

// Active reports the number of jobs currently being processed by this pool.
func (w *WorkerPool) Active() int64 { return w.active.Load() }

func (w *WorkerPool) run(ctx context.Context, worker int) {
	defer w.wg.Done()

	// Store errors back off exponentially instead of hot-looping.
	storeBo := backoff.NewExponentialBackOff()
	storeBo.InitialInterval = w.poll
	storeBo.MaxInterval = 5 * time.Second
	storeBo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("job pick failed",
				slog.String("queue", w.queue.Name()),
				slog.Int("worker", worker),
				slog.Any("error", err))
			w.sleep(ctx, storeBo.NextBackOff())
			continue
		}
		storeBo.Reset()
		if job == nil {
			w.sleep(ctx, w.poll)
			continue
		}
		w.runJob(ctx, job)
	}
}

func (w *WorkerPool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *WorkerPool) runJob(ctx context.Context, job *domain.Job) {
	w.active.Add(1)
	defer w.active.Add(-1)

	attempt := job.AttemptsMade + 1
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "ProcessJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue", w.queue.Name()),
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.Int("job.attempt", attempt),
	)

	jc := domain.JobContext{
		ID:          job.ID,
		Queue:       job.Queue,
		Kind:        job.Kind,
		Attempt:     attempt,
		MaxAttempts: job.MaxAttempts,
		Payload:     job.Payload,
		UserID:      domain.PayloadUserID(job.Payload),
	}

	observability.StartProcessingJob(w.queue.Name())
	started := w.clock.Now()
	err := w.proc(ctx, jc)
	took := w.clock.Now().Sub(started)

	if err == nil {
		observability.CompleteJob(w.queue.Name(), took)
		if cerr := w.queue.Complete(ctx, job); cerr != nil {
			slog.Error("job completion bookkeeping failed",
				slog.String("queue", w.queue.Name()),
				slog.String("job_id", job.ID),
				slog.Any("error", cerr))
		}
		slog.Debug("job completed",
			slog.String("queue", w.queue.Name()),
			slog.String("job_id", job.ID),
			slog.Int("attempt", attempt),
			slog.Duration("took", took))
		return
	}

	observability.FailJob(w.queue.Name(), took)
	span.RecordError(err)
	failedAt := w.clock.Now()
	job.LastFailedAt = &failedAt
	job.LastError = &domain.JobError{Message: err.Error(), DomainKind: classifyDomainKind(err)}

	if job.AttemptsMade+1 < job.MaxAttempts {
		// delay = base * 2^n with n = attempts made at failure time.
		delay := w.backoffPol.Delay(job.AttemptsMade)
		job.AttemptsMade++
		if rerr := w.queue.RetryLater(ctx, job, delay); rerr != nil {
			slog.Error("retry re-enqueue failed",
				slog.String("queue", w.queue.Name()),
				slog.String("job_id", job.ID),
				slog.Any("error", rerr))
		}
		w.sink.CaptureException(ctx, err, map[string]string{
			"queue":   w.queue.Name(),
			"jobId":   job.ID,
			"kind":    string(job.Kind),
			"attempt": strconv.Itoa(attempt),
		}, domain.SeverityWarning)
		slog.Warn("job attempt failed; retry scheduled",
			slog.String("queue", w.queue.Name()),
			slog.String("job_id", job.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		return
	}

	job.AttemptsMade++
	if ferr := w.queue.MarkFailedFinal(ctx, job); ferr != nil {
		slog.Error("final failure bookkeeping failed",
			slog.String("queue", w.queue.Name()),
			slog.String("job_id", job.ID),
			slog.Any("error", ferr))
	}
	slog.Error("job exhausted all attempts",
		slog.String("queue", w.queue.Name()),
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.AttemptsMade),
		slog.Any("error", err))
	if w.onExhausted != nil {
		w.onExhausted(ctx, job)
	}
}

func classifyDomainKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrProvider):
		return "provider"
	case errors.Is(err, domain.ErrInfrastructure):
		return "infrastructure"
	default:
		return "domain"
	}
}

