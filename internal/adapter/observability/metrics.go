package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job attempts that failed",
		},
		[]string{"queue"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of jobs re-enqueued with backoff",
		},
		[]string{"queue"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs promoted to the dead-letter store",
		},
		[]string{"queue"},
	)
	JobsStalledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_stalled_total",
			Help: "Total number of jobs re-offered after a stalled lease",
		},
		[]string{"queue"},
	)
	JobProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_process_duration_seconds",
			Help:    "Processor run duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs waiting (main + delayed) per queue",
		},
		[]string{"queue"},
	)
	ConnectionsByActivity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connections_by_activity",
			Help: "Provider connections classified as active or stale",
		},
		[]string{"state"},
	)
	SchedulerCheckInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_check_ins_total",
			Help: "Cron schedule check-ins by monitor and status",
		},
		[]string{"monitor", "status"},
	)
	SchedulerSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_skipped_ticks_total",
			Help: "Cron ticks skipped because the previous run was still active",
		},
		[]string{"monitor"},
	)
	ExceptionsCapturedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exceptions_captured_total",
			Help: "Errors captured by the tracing sink, by severity",
		},
		[]string{"level"},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			JobsEnqueuedTotal,
			JobsProcessing,
			JobsCompletedTotal,
			JobsFailedTotal,
			JobsRetriedTotal,
			JobsDeadLetteredTotal,
			JobsStalledTotal,
			JobProcessDuration,
			QueueDepth,
			ConnectionsByActivity,
			SchedulerCheckInsTotal,
			SchedulerSkippedTotal,
			ExceptionsCapturedTotal,
		)
	})
}

// EnqueueJob records a successful enqueue.
func EnqueueJob(queue string) { JobsEnqueuedTotal.WithLabelValues(queue).Inc() }

// StartProcessingJob marks a worker picking up a job.
func StartProcessingJob(queue string) { JobsProcessing.WithLabelValues(queue).Inc() }

// CompleteJob marks a successful run.
func CompleteJob(queue string, took time.Duration) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue).Inc()
	JobProcessDuration.WithLabelValues(queue).Observe(took.Seconds())
}

// FailJob marks a failed attempt.
func FailJob(queue string, took time.Duration) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue).Inc()
	JobProcessDuration.WithLabelValues(queue).Observe(took.Seconds())
}

// RetryJob marks a re-enqueue with backoff.
func RetryJob(queue string) { JobsRetriedTotal.WithLabelValues(queue).Inc() }

// DeadLetterJob marks a DLQ promotion.
func DeadLetterJob(queue string) { JobsDeadLetteredTotal.WithLabelValues(queue).Inc() }

// StallJob marks a stalled-lease re-offer.
func StallJob(queue string) { JobsStalledTotal.WithLabelValues(queue).Inc() }
