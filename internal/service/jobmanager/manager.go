// Package jobmanager owns the lifecycle of every queue and the dead-letter
// store: provisioning at startup, the producer API, worker registration,
// runtime administration, and the graceful drain protocol.
package jobmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/observability"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/finflow-jobs/internal/config"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// Built-in priority tiers assigned per queue criticality.
const (
	priorityCritical = 80
	priorityHigh     = 60
	priorityStandard = 40
	priorityLow      = 10
)

// defaultPolicies is the fixed provisioning table. The YAML policy file and
// QUEUE_{NAME}_CONCURRENCY environment overrides merge over it at init.
var defaultPolicies = map[string]domain.QueuePolicy{
	domain.QueueSyncTransactions:       {MaxAttempts: 5, BaseBackoff: 10 * time.Second, DefaultPriority: priorityCritical},
	domain.QueueEmailNotifications:     {MaxAttempts: 5, BaseBackoff: 5 * time.Second, DefaultPriority: priorityCritical},
	domain.QueueCategorizeTransactions: {MaxAttempts: 4, BaseBackoff: 3 * time.Second, DefaultPriority: priorityHigh},
	domain.QueueValuationSnapshots:     {MaxAttempts: 4, BaseBackoff: 3 * time.Second, DefaultPriority: priorityHigh},
	domain.QueueESGUpdates:             {MaxAttempts: 3, BaseBackoff: 3 * time.Second, DefaultPriority: priorityStandard},
	domain.QueueSystemMaintenance:      {MaxAttempts: 3, BaseBackoff: 3 * time.Second, DefaultPriority: priorityStandard},
	domain.QueuePropertyValuation:      {MaxAttempts: 3, BaseBackoff: 3 * time.Second, DefaultPriority: priorityStandard},
	// Storage only; never consumed automatically.
	domain.QueueDeadLetter: {MaxAttempts: 1, BaseBackoff: time.Second, DefaultPriority: priorityStandard},
}

// Manager provisions the fixed queue set and mediates all access to it.
type Manager struct {
	cfg    config.Config
	kv     *rediskv.Client
	clock  clockx.Clock
	sink   domain.TracingSink
	queues map[string]*redisq.Queue
	dlq    *redisq.DeadLetterStore

	mu    sync.Mutex
	pools map[string]*redisq.WorkerPool

	accepting atomic.Bool
	drainOnce sync.Once
	drainPoll time.Duration

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New provisions the fixed queue table, merging YAML policy overrides and
// per-queue concurrency environment variables.
func New(cfg config.Config, kv *rediskv.Client, clock clockx.Clock, sink domain.TracingSink) (*Manager, error) {
	overrides, err := cfg.LoadPolicyOverrides()
	if err != nil {
		return nil, fmt.Errorf("op=jobmanager.New: %w", err)
	}
	m := &Manager{
		cfg:       cfg,
		kv:        kv,
		clock:     clock,
		sink:      sink,
		queues:    make(map[string]*redisq.Queue, len(defaultPolicies)),
		pools:     map[string]*redisq.WorkerPool{},
		drainPoll: time.Second,
	}
	opts := redisq.Options{JobTTL: cfg.JobBodyTTL, StallWindow: cfg.StallWindow}
	for name, pol := range defaultPolicies {
		pol.Concurrency = cfg.QueueConcurrency(name)
		if ov, ok := overrides[name]; ok {
			pol = mergeOverride(pol, ov)
		}
		m.queues[name] = redisq.NewQueue(kv, cfg.QueueNamespace, name, pol, clock, opts)
	}
	m.dlq = redisq.NewDeadLetterStore(kv, cfg.QueueNamespace, clock)
	m.accepting.Store(true)
	return m, nil
}

func mergeOverride(pol domain.QueuePolicy, ov config.PolicyOverride) domain.QueuePolicy {
	if ov.MaxAttempts > 0 {
		pol.MaxAttempts = ov.MaxAttempts
	}
	if ov.BaseBackoff.Std() > 0 {
		pol.BaseBackoff = ov.BaseBackoff.Std()
	}
	if ov.Concurrency > 0 {
		pol.Concurrency = ov.Concurrency
	}
	if ov.RemoveOnComplete > 0 {
		pol.RemoveOnComplete = ov.RemoveOnComplete
	}
	if ov.RemoveOnFail > 0 {
		pol.RemoveOnFail = ov.RemoveOnFail
	}
	return pol
}

// DeadLetters exposes the dead-letter store for the admin surface.
func (m *Manager) DeadLetters() *redisq.DeadLetterStore { return m.dlq }

// IsAccepting reports whether the producer API still accepts jobs.
func (m *Manager) IsAccepting() bool { return m.accepting.Load() }

// Enqueue options.

type enqueueOptions struct {
	priority *int
	delay    time.Duration
}

// Option tunes one enqueue call.
type Option func(*enqueueOptions)

// WithPriority overrides the queue's default priority. Higher runs earlier.
func WithPriority(p int) Option { return func(o *enqueueOptions) { o.priority = &p } }

// WithDelay defers first eligibility by d.
func WithDelay(d time.Duration) Option { return func(o *enqueueOptions) { o.delay = d } }

// enqueue is the single producer path. Returns ("", nil) while draining, and
// in test mode on unknown queues or store errors.
func (m *Manager) enqueue(ctx context.Context, queueName, id string, kind domain.JobKind, payload json.RawMessage, recurring string, opts ...Option) (string, error) {
	if !m.accepting.Load() {
		slog.Debug("enqueue rejected; draining", slog.String("queue", queueName), slog.String("job_id", id))
		return "", nil
	}
	if err := domain.ValidatePayload(kind, payload); err != nil {
		return "", fmt.Errorf("op=jobmanager.enqueue queue=%s: %w", queueName, err)
	}
	q, ok := m.queues[queueName]
	if !ok {
		if m.cfg.IsTest() {
			slog.Warn("enqueue to unknown queue ignored in test mode", slog.String("queue", queueName))
			return "", nil
		}
		return "", fmt.Errorf("op=jobmanager.enqueue: %w: %s", domain.ErrUnknownQueue, queueName)
	}
	pol := q.Policy()
	o := &enqueueOptions{}
	for _, opt := range opts {
		opt(o)
	}
	priority := pol.DefaultPriority
	if o.priority != nil {
		priority = *o.priority
	}
	job := &domain.Job{
		ID:          id,
		Queue:       queueName,
		Kind:        kind,
		Payload:     payload,
		Priority:    priority,
		Delay:       o.delay,
		MaxAttempts: pol.MaxAttempts,
		EnqueuedAt:  m.clock.Now(),
		Recurring:   recurring,
	}
	added, err := q.Enqueue(ctx, job)
	if err != nil {
		if m.cfg.IsTest() {
			slog.Warn("enqueue failed; ignored in test mode",
				slog.String("queue", queueName), slog.String("job_id", id), slog.Any("error", err))
			return "", nil
		}
		return "", err
	}
	if !added {
		// A pending job with this id already exists; it wins.
		slog.Debug("duplicate enqueue suppressed", slog.String("queue", queueName), slog.String("job_id", id))
	}
	return id, nil
}

// EnqueueSync queues a provider synchronization for one connection.
func (m *Manager) EnqueueSync(ctx context.Context, p domain.SyncPayload, opts ...Option) (string, error) {
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("sync-%s-%s-%d", p.Provider, p.UserID, m.clock.Now().UnixMilli())
	return m.enqueue(ctx, domain.QueueSyncTransactions, id, domain.KindSyncTransactions, raw, "", opts...)
}

// EnqueueCategorize queues transaction categorization for a space.
func (m *Manager) EnqueueCategorize(ctx context.Context, p domain.CategorizePayload, opts ...Option) (string, error) {
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("categorize-%s-%d", p.SpaceID, m.clock.Now().UnixMilli())
	return m.enqueue(ctx, domain.QueueCategorizeTransactions, id, domain.KindCategorizeTransactions, raw, "", opts...)
}

// EnqueueESG queues an ESG data refresh for a symbol set.
func (m *Manager) EnqueueESG(ctx context.Context, p domain.ESGPayload, opts ...Option) (string, error) {
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("esg-%s-%d", strings.Join(p.Symbols, "-"), m.clock.Now().UnixMilli())
	return m.enqueue(ctx, domain.QueueESGUpdates, id, domain.KindESGUpdate, raw, "", opts...)
}

// EnqueueSnapshot queues a valuation snapshot for a space. The id carries the
// snapshot date, so repeat submissions within the same day collapse into one
// pending job.
func (m *Manager) EnqueueSnapshot(ctx context.Context, p domain.SnapshotPayload, opts ...Option) (string, error) {
	if p.Date == "" {
		p.Date = m.clock.Now().UTC().Format("2006-01-02")
	}
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("snapshot-%s-%s", p.SpaceID, p.Date)
	return m.enqueue(ctx, domain.QueueValuationSnapshots, id, domain.KindValuationSnapshot, raw, "", opts...)
}

// EnqueueEmail queues a templated email. The payload's textual priority hint
// maps to a numeric queue priority (high=80, low=10, else 40); an explicit
// WithPriority still wins.
func (m *Manager) EnqueueEmail(ctx context.Context, p domain.EmailPayload, opts ...Option) (string, error) {
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	mapped := priorityStandard
	switch p.Priority {
	case "high":
		mapped = priorityCritical
	case "low":
		mapped = priorityLow
	}
	opts = append([]Option{WithPriority(mapped)}, opts...)
	id := fmt.Sprintf("email-%s-%d", p.To, m.clock.Now().UnixMilli())
	return m.enqueue(ctx, domain.QueueEmailNotifications, id, domain.KindSendEmail, raw, "", opts...)
}

// EnqueueProperty queues a property valuation refresh.
func (m *Manager) EnqueueProperty(ctx context.Context, p domain.PropertyValuationPayload, opts ...Option) (string, error) {
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	disc := p.Mode
	switch {
	case p.PropertyID != "":
		disc += "-" + p.PropertyID
	case p.SpaceID != "":
		disc += "-" + p.SpaceID
	}
	id := fmt.Sprintf("property-%s-%d", disc, m.clock.Now().UnixMilli())
	return m.enqueue(ctx, domain.QueuePropertyValuation, id, domain.KindPropertyValuation, raw, "", opts...)
}

// EnqueuePatternRetrain queues a per-space categorization pattern retrain on
// the maintenance queue.
func (m *Manager) EnqueuePatternRetrain(ctx context.Context, p domain.PatternRetrainPayload, opts ...Option) (string, error) {
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("retrain-%s-%d", p.SpaceID, m.clock.Now().UnixMilli())
	return m.enqueue(ctx, domain.QueueSystemMaintenance, id, domain.KindPatternRetrain, raw, "", opts...)
}

// EnqueuePatternHotRefresh queues a pattern-cache invalidation batch.
func (m *Manager) EnqueuePatternHotRefresh(ctx context.Context, p domain.PatternHotRefreshPayload, opts ...Option) (string, error) {
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("hot-refresh-%d", m.clock.Now().UnixMilli())
	return m.enqueue(ctx, domain.QueueSystemMaintenance, id, domain.KindPatternHotRefresh, raw, "", opts...)
}

// EnqueueConnectionHealth queues a per-space connection health classification.
func (m *Manager) EnqueueConnectionHealth(ctx context.Context, p domain.ConnectionHealthPayload, opts ...Option) (string, error) {
	raw, err := domain.MarshalPayload(p)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("health-%s-%d", p.SpaceID, m.clock.Now().UnixMilli())
	return m.enqueue(ctx, domain.QueueSystemMaintenance, id, domain.KindConnectionHealth, raw, "", opts...)
}

// ScheduleRecurring enqueues a job with repeat metadata. The id collapses
// across ticks: re-arming a schedule whose previous job is still pending is a
// no-op, so repeats never accumulate state in the queue.
func (m *Manager) ScheduleRecurring(ctx context.Context, queueName, scheduleName string, kind domain.JobKind, payload json.RawMessage, cronExpr string, opts ...Option) (string, error) {
	id := "recurring-" + scheduleName
	return m.enqueue(ctx, queueName, id, kind, payload, cronExpr, opts...)
}

// Administration. Unknown queue names are an error for every admin operation.

func (m *Manager) queue(name string) (*redisq.Queue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("op=jobmanager.queue: %w: %s", domain.ErrUnknownQueue, name)
	}
	return q, nil
}

// PauseQueue suspends consumers for one queue; producers keep accepting.
func (m *Manager) PauseQueue(ctx context.Context, name string) error {
	q, err := m.queue(name)
	if err != nil {
		return err
	}
	return q.Pause(ctx)
}

// ResumeQueue lifts a pause.
func (m *Manager) ResumeQueue(ctx context.Context, name string) error {
	q, err := m.queue(name)
	if err != nil {
		return err
	}
	return q.Resume(ctx)
}

// ClearQueue drops every job and history record for one queue.
func (m *Manager) ClearQueue(ctx context.Context, name string) error {
	q, err := m.queue(name)
	if err != nil {
		return err
	}
	return q.Clear(ctx)
}

// RetryFailed re-enqueues jobs from one queue's failure history with a fresh
// attempt budget.
func (m *Manager) RetryFailed(ctx context.Context, name string) (int, error) {
	q, err := m.queue(name)
	if err != nil {
		return 0, err
	}
	return q.RetryFailedHistory(ctx)
}

// QueueStats returns the counters for one queue.
func (m *Manager) QueueStats(ctx context.Context, name string) (domain.QueueStats, error) {
	q, err := m.queue(name)
	if err != nil {
		return domain.QueueStats{}, err
	}
	return q.Stats(ctx)
}

// AllQueueStats returns the counters for every provisioned queue and refreshes
// the depth gauges.
func (m *Manager) AllQueueStats(ctx context.Context) (map[string]domain.QueueStats, error) {
	out := make(map[string]domain.QueueStats, len(m.queues))
	for name, q := range m.queues {
		s, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = s
		observability.QueueDepth.WithLabelValues(name).Set(float64(s.Waiting + s.Delayed))
	}
	return out, nil
}

// Worker registration and runtime.

// RegisterProcessor binds a processor to a queue with the resolved
// concurrency. The dead-letter queue never takes a processor.
func (m *Manager) RegisterProcessor(queueName string, proc domain.ProcessorFunc) error {
	if queueName == domain.QueueDeadLetter {
		return fmt.Errorf("op=jobmanager.RegisterProcessor: %w: %s is storage only", domain.ErrInvalidArgument, queueName)
	}
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[queueName]; exists {
		return fmt.Errorf("op=jobmanager.RegisterProcessor: %w: processor already registered for %s", domain.ErrConflict, queueName)
	}
	pol := q.Policy()
	pool := redisq.NewWorkerPool(
		q, proc, pol.Concurrency,
		domain.NewBackoffPolicy(pol.BaseBackoff, m.cfg.BackoffJitter),
		m.sink, m.clock, m.cfg.PollInterval,
		m.promoteToDeadLetter,
	)
	m.pools[queueName] = pool
	return nil
}

// Start launches every registered worker pool and the stall reaper.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.runCancel = cancel

	m.mu.Lock()
	consumable := make([]*redisq.Queue, 0, len(m.pools))
	for name, pool := range m.pools {
		pool.Start(runCtx)
		consumable = append(consumable, m.queues[name])
	}
	m.mu.Unlock()

	reaper := redisq.NewReaper(consumable, m.cfg.ReapInterval)
	m.runWG.Add(1)
	go func() {
		defer m.runWG.Done()
		reaper.Run(runCtx)
	}()
}

// Stop halts worker pools and the reaper. Call after Drain.
func (m *Manager) Stop() {
	if m.runCancel != nil {
		m.runCancel()
	}
	m.mu.Lock()
	pools := make([]*redisq.WorkerPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.Stop()
	}
	m.runWG.Wait()
}

// Drain flips the accepting flag, pauses every queue, then polls active
// counts until they reach zero or the timeout lapses. Residual active jobs are
// logged; their attempt budget guarantees eventual retry or dead-lettering.
// Idempotent across concurrent calls.
func (m *Manager) Drain(ctx context.Context, timeout time.Duration) {
	m.drainOnce.Do(func() { m.doDrain(ctx, timeout) })
}

func (m *Manager) doDrain(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		timeout = m.cfg.DrainTimeout
	}
	m.accepting.Store(false)
	slog.Info("drain started", slog.Duration("timeout", timeout))

	for name, q := range m.queues {
		if err := q.Pause(ctx); err != nil {
			slog.Error("drain pause failed", slog.String("queue", name), slog.Any("error", err))
		}
	}

	deadline := m.clock.Now().Add(timeout)
	ticker := time.NewTicker(m.drainPoll)
	defer ticker.Stop()
	for {
		if m.totalActive() == 0 {
			slog.Info("drain complete; no active jobs")
			return
		}
		if !m.clock.Now().Before(deadline) {
			m.logResidualActive()
			return
		}
		select {
		case <-ctx.Done():
			m.logResidualActive()
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) totalActive() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, p := range m.pools {
		total += p.Active()
	}
	return total
}

func (m *Manager) logResidualActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, p := range m.pools {
		if n := p.Active(); n > 0 {
			slog.Warn("drain timeout; jobs still active",
				slog.String("queue", name), slog.Int64("active", n))
		}
	}
}

// promoteToDeadLetter converts an exhausted job into a dead-letter entry,
// records a visibility entry on the dead-letter queue's history, and notifies
// the tracing sink.
func (m *Manager) promoteToDeadLetter(ctx context.Context, job *domain.Job) {
	reason, stack := "", ""
	if job.LastError != nil {
		reason = job.LastError.Message
		stack = job.LastError.Stack
	}
	entry := domain.DeadLetterEntry{
		ID:            m.dlq.NewEntryID(),
		OriginalQueue: job.Queue,
		Kind:          job.Kind,
		Payload:       job.Payload,
		FailedReason:  reason,
		Stacktrace:    stack,
		AttemptsMade:  job.AttemptsMade,
		MaxAttempts:   job.MaxAttempts,
		FailedAt:      m.clock.Now(),
	}
	m.dlq.Add(ctx, entry)
	if err := m.queues[domain.QueueDeadLetter].MarkFailedFinal(ctx, job); err != nil {
		slog.Warn("dead-letter visibility record failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.DeadLetterJob(job.Queue)
	m.sink.CaptureException(ctx,
		fmt.Errorf("%w: %s", domain.ErrPolicyExhausted, reason),
		map[string]string{"dlq": "true", "queue": job.Queue, "jobId": job.ID},
		domain.SeverityError)
	slog.Error("job promoted to dead-letter store",
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.String("entry_id", entry.ID),
		slog.Int("attempts", job.AttemptsMade))
}

// RetryDeadLetter re-enqueues one dead-letter entry into its original queue
// with a fresh attempt budget and the original payload byte-for-byte. Reports
// whether the entry existed and was re-enqueued.
func (m *Manager) RetryDeadLetter(ctx context.Context, entryID string) bool {
	e, ok := m.dlq.Take(ctx, entryID)
	if !ok {
		return false
	}
	if !m.retryEntry(ctx, e) {
		// Put it back rather than losing the record.
		m.dlq.Add(ctx, e)
		return false
	}
	return true
}

// RetryDeadLettersByQueue re-enqueues every entry for one original queue.
// Returns the number re-enqueued.
func (m *Manager) RetryDeadLettersByQueue(ctx context.Context, queueName string) int {
	entries := m.dlq.TakeByQueue(ctx, queueName)
	count := 0
	for _, e := range entries {
		if m.retryEntry(ctx, e) {
			count++
		} else {
			m.dlq.Add(ctx, e)
		}
	}
	return count
}

func (m *Manager) retryEntry(ctx context.Context, e domain.DeadLetterEntry) bool {
	q, ok := m.queues[e.OriginalQueue]
	if !ok {
		slog.Error("dead-letter retry target queue unknown",
			slog.String("entry_id", e.ID), slog.String("queue", e.OriginalQueue))
		return false
	}
	pol := q.Policy()
	job := &domain.Job{
		ID:          fmt.Sprintf("retry-%s-%d", e.ID, m.clock.Now().UnixMilli()),
		Queue:       e.OriginalQueue,
		Kind:        e.Kind,
		Payload:     e.Payload,
		Priority:    pol.DefaultPriority,
		MaxAttempts: pol.MaxAttempts,
		EnqueuedAt:  m.clock.Now(),
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		slog.Error("dead-letter retry enqueue failed",
			slog.String("entry_id", e.ID), slog.String("queue", e.OriginalQueue), slog.Any("error", err))
		return false
	}
	m.dlq.MarkProcessed(ctx, e)
	slog.Info("dead-letter entry retried",
		slog.String("entry_id", e.ID), slog.String("queue", e.OriginalQueue), slog.String("job_id", job.ID))
	return true
}
