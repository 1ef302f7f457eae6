// Package domain defines the job envelope, queue policies, dead-letter
// entities, and the ports consumed by the background work subsystem.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrInfrastructure  = errors.New("infrastructure error")
	ErrProvider        = errors.New("provider error")
	ErrPolicyExhausted = errors.New("retry policy exhausted")
	ErrInternal        = errors.New("internal error")
)

// Recognized queue names. The set is fixed at startup; producers addressing
// anything else fail fast outside of test mode.
const (
	QueueSyncTransactions       = "sync-transactions"
	QueueEmailNotifications     = "email-notifications"
	QueueCategorizeTransactions = "categorize-transactions"
	QueueValuationSnapshots     = "valuation-snapshots"
	QueueESGUpdates             = "esg-updates"
	QueueSystemMaintenance      = "system-maintenance"
	QueuePropertyValuation      = "property-valuation"
	// QueueDeadLetter holds visibility records only; it is never consumed
	// automatically.
	QueueDeadLetter = "dead-letter"
)

// JobKind discriminates the payload shape carried by a job.
type JobKind string

const (
	KindSyncTransactions       JobKind = "sync-transactions"
	KindCategorizeTransactions JobKind = "categorize-transactions"
	KindESGUpdate              JobKind = "esg-update"
	KindValuationSnapshot      JobKind = "valuation-snapshot"
	KindSendEmail              JobKind = "send-email"
	KindPropertyValuation      JobKind = "property-valuation"
	// Kinds emitted only by the cron scheduler for recurring bulk operations.
	KindPatternRetrain    JobKind = "pattern-retrain"
	KindPatternHotRefresh JobKind = "pattern-hot-refresh"
	KindConnectionHealth  JobKind = "connection-health"
)

// JobError is the short structured record attached to a job after a failed
// attempt.
type JobError struct {
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
	DomainKind string `json:"domainKind,omitempty"`
}

// Job is the envelope stored in the queue. Immutable at enqueue; attempt
// counters and error fields mutate across retries.
type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Kind          JobKind         `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	Delay         time.Duration   `json:"delay"`
	AttemptsMade  int             `json:"attemptsMade"`
	MaxAttempts   int             `json:"maxAttempts"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	FirstPickedAt *time.Time      `json:"firstPickedAt,omitempty"`
	LastFailedAt  *time.Time      `json:"lastFailedAt,omitempty"`
	LastError     *JobError       `json:"lastError,omitempty"`
	// Recurring carries the cron expression for jobs enqueued via
	// ScheduleRecurring; empty for one-shot jobs.
	Recurring string `json:"recurring,omitempty"`
}

// QueuePolicy is the per-queue retry/backoff/retention configuration.
type QueuePolicy struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	Concurrency      int           `yaml:"concurrency"`
	RemoveOnComplete int           `yaml:"remove_on_complete"`
	RemoveOnFail     int           `yaml:"remove_on_fail"`
	// DefaultPriority is assigned to jobs enqueued without an explicit one.
	DefaultPriority int `yaml:"default_priority"`
}

// QueueStats reports per-queue counters for the admin API.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// DeadLetterEntry is the persistent record of a job that exhausted all
// attempts.
type DeadLetterEntry struct {
	ID            string          `json:"id"`
	OriginalQueue string          `json:"originalQueue"`
	Kind          JobKind         `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	FailedReason  string          `json:"failedReason"`
	Stacktrace    string          `json:"stacktrace,omitempty"`
	AttemptsMade  int             `json:"attemptsMade"`
	MaxAttempts   int             `json:"maxAttempts"`
	FailedAt      time.Time       `json:"failedAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
}

// DeadLetterStats summarizes the DLQ for inspection UIs.
type DeadLetterStats struct {
	Total          int64            `json:"total"`
	PerQueue       map[string]int64 `json:"perQueue"`
	OldestFailedAt *time.Time       `json:"oldestFailedAt,omitempty"`
	NewestFailedAt *time.Time       `json:"newestFailedAt,omitempty"`
}

// EventType enumerates queue lifecycle events published on the per-queue
// channel.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventError     EventType = "error"
)

// QueueEvent is the wire shape published to {ns}:events:{queue}.
type QueueEvent struct {
	Type   EventType `json:"type"`
	Queue  string    `json:"queue"`
	JobID  string    `json:"jobId"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// JobContext is what a processor sees for one run. Attempt is 1-based.
type JobContext struct {
	ID          string
	Queue       string
	Kind        JobKind
	Attempt     int
	MaxAttempts int
	Payload     json.RawMessage
	UserID      string
}

// ProcessorFunc executes one job. A returned error counts the attempt as
// failed; processors must be idempotent because delivery is at-least-once.
type ProcessorFunc func(ctx context.Context, jc JobContext) error

// Severity levels for the tracing sink.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// CheckInStatus marks the phase of a scheduled tick.
type CheckInStatus string

const (
	CheckInInProgress CheckInStatus = "in_progress"
	CheckInOK         CheckInStatus = "ok"
	CheckInError      CheckInStatus = "error"
)

// CheckIn is the structured observability event emitted around every
// scheduler tick.
type CheckIn struct {
	ID       string
	Monitor  string
	Schedule string
	Status   CheckInStatus
	Duration time.Duration
	Err      string
}

// TracingSink is the out-of-band channel for structured error capture.
// Implementations must never fail the caller.
type TracingSink interface {
	CaptureException(ctx context.Context, err error, tags map[string]string, level Severity)
	CaptureCheckIn(ctx context.Context, c CheckIn)
	CaptureMessage(ctx context.Context, msg string, level Severity)
}
