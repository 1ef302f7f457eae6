package observability

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
)

// Sink implements domain.TracingSink on top of slog, Prometheus counters, and
// the active OTEL span (when one is in the context). It never returns errors
// to callers.
type Sink struct{}

// NewSink returns the process-wide tracing sink.
func NewSink() *Sink { return &Sink{} }

// CaptureException records a structured error with tags at the given severity.
func (s *Sink) CaptureException(ctx context.Context, err error, tags map[string]string, level domain.Severity) {
	if err == nil {
		return
	}
	attrs := make([]any, 0, len(tags)+2)
	attrs = append(attrs, slog.Any("error", err), slog.String("level", string(level)))
	for k, v := range tags {
		attrs = append(attrs, slog.String(k, v))
	}
	switch level {
	case domain.SeverityError:
		slog.Error("exception captured", attrs...)
	case domain.SeverityWarning:
		slog.Warn("exception captured", attrs...)
	default:
		slog.Info("exception captured", attrs...)
	}
	ExceptionsCapturedTotal.WithLabelValues(string(level)).Inc()

	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.RecordError(err)
		for k, v := range tags {
			span.SetAttributes(attribute.String(k, v))
		}
	}
}

// CaptureCheckIn records one side of a scheduled tick check-in pair.
func (s *Sink) CaptureCheckIn(ctx context.Context, c domain.CheckIn) {
	args := []any{
		slog.String("check_in_id", c.ID),
		slog.String("monitor", c.Monitor),
		slog.String("schedule", c.Schedule),
		slog.String("status", string(c.Status)),
	}
	if c.Status != domain.CheckInInProgress {
		args = append(args, slog.Duration("duration", c.Duration))
	}
	if c.Err != "" {
		args = append(args, slog.String("error", c.Err))
	}
	if c.Status == domain.CheckInError {
		slog.Error("schedule check-in", args...)
	} else {
		slog.Info("schedule check-in", args...)
	}
	SchedulerCheckInsTotal.WithLabelValues(c.Monitor, string(c.Status)).Inc()

	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent("check_in", oteltrace.WithAttributes(
			attribute.String("monitor", c.Monitor),
			attribute.String("status", string(c.Status)),
		))
	}
}

// CaptureMessage records a free-form message at the given severity.
func (s *Sink) CaptureMessage(_ context.Context, msg string, level domain.Severity) {
	switch level {
	case domain.SeverityError:
		slog.Error(msg)
	case domain.SeverityWarning:
		slog.Warn(msg)
	default:
		slog.Info(msg)
	}
}

// RecordingSink captures sink calls in memory for tests.
type RecordingSink struct {
	mu         sync.Mutex
	Exceptions []RecordedException
	CheckIns   []domain.CheckIn
	Messages   []string
}

// RecordedException is one CaptureException call.
type RecordedException struct {
	Err   error
	Tags  map[string]string
	Level domain.Severity
}

// NewRecordingSink returns an empty in-memory sink.
func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

// CaptureException implements domain.TracingSink.
func (r *RecordingSink) CaptureException(_ context.Context, err error, tags map[string]string, level domain.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Exceptions = append(r.Exceptions, RecordedException{Err: err, Tags: tags, Level: level})
}

// CaptureCheckIn implements domain.TracingSink.
func (r *RecordingSink) CaptureCheckIn(_ context.Context, c domain.CheckIn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CheckIns = append(r.CheckIns, c)
}

// CaptureMessage implements domain.TracingSink.
func (r *RecordingSink) CaptureMessage(_ context.Context, msg string, _ domain.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, msg)
}

// Snapshot returns copies of the recorded calls.
func (r *RecordingSink) Snapshot() ([]RecordedException, []domain.CheckIn, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	excs := append([]RecordedException(nil), r.Exceptions...)
	cis := append([]domain.CheckIn(nil), r.CheckIns...)
	msgs := append([]string(nil), r.Messages...)
	return excs, cis, msgs
}
