// Package scheduler is the sole source of periodic work: a fixed table of
// cron schedules feeding the queue manager, each guarded against overlapping
// ticks and wrapped in check-in observability.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/observability"
	"github.com/fairyhunter13/finflow-jobs/internal/config"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/internal/service/jobmanager"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// Deps bundles the collaborators the tick functions read from.
type Deps struct {
	Spaces         domain.SpaceRepository
	Connections    domain.ConnectionRepository
	Accounts       domain.AccountRepository
	Users          domain.UserRepository
	PatternTrainer domain.PatternTrainer
	Reports        domain.ReportGenerator
	PropertyValuer domain.PropertyValuer
}

type schedule struct {
	name    string
	expr    string
	tick    func(ctx context.Context) error
	running atomic.Bool
}

// Scheduler owns the fixed schedule table and the cron runner behind it.
type Scheduler struct {
	jobs      *jobmanager.Manager
	deps      Deps
	cfg       config.Config
	sink      domain.TracingSink
	suppress  *rediskv.Suppressor
	clock     clockx.Clock
	cron      *cron.Cron
	schedules []*schedule
}

// New builds the scheduler with its full registration table.
func New(cfg config.Config, jobs *jobmanager.Manager, deps Deps, sink domain.TracingSink, suppress *rediskv.Suppressor, clock clockx.Clock) *Scheduler {
	s := &Scheduler{
		jobs:     jobs,
		deps:     deps,
		cfg:      cfg,
		sink:     sink,
		suppress: suppress,
		clock:    clock,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
	}
	s.schedules = []*schedule{
		{name: "categorize-hourly", expr: "0 * * * *", tick: s.tickCategorizeAll},
		{name: "crypto-portfolio-sync", expr: "0 */4 * * *", tick: s.tickCryptoSync},
		{name: "blockchain-wallet-sync", expr: "0 */6 * * *", tick: s.tickBlockchainSync},
		{name: "session-cleanup", expr: "0 2 * * *", tick: s.tickSessionCleanup},
		{name: "daily-valuation-snapshots", expr: "0 3 * * *", tick: s.tickDailySnapshots},
		{name: "esg-refresh", expr: "0 6,18 * * *", tick: s.tickESGRefresh},
		{name: "pattern-retrain", expr: "0 2 * * *", tick: s.tickPatternRetrain},
		{name: "pattern-hot-refresh", expr: "30 * * * *", tick: s.tickPatternHotRefresh},
		{name: "connection-health-check", expr: "*/15 * * * *", tick: s.tickConnectionHealth},
		{name: "inactivity-monitor", expr: "0 9 * * *", tick: s.tickInactivityMonitor},
		{name: "weekly-reports", expr: "0 8 * * 1", tick: s.tickWeeklyReports},
		{name: "monthly-reports", expr: "0 8 1 * *", tick: s.tickMonthlyReports},
		{name: "property-valuation-refresh", expr: "0 6 * * *", tick: s.tickPropertyRefresh},
	}
	return s
}

// Start registers every schedule with the cron runner and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, sched := range s.schedules {
		sched := sched
		if _, err := s.cron.AddFunc(sched.expr, func() { s.runTick(ctx, sched) }); err != nil {
			return fmt.Errorf("op=scheduler.Start schedule=%s: %w", sched.name, err)
		}
	}
	s.cron.Start()
	slog.Info("scheduler started", slog.Int("schedules", len(s.schedules)))
	return nil
}

// Stop halts the cron runner and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// Running reports whether the named schedule's tick is currently executing.
func (s *Scheduler) Running(name string) bool {
	for _, sched := range s.schedules {
		if sched.name == name {
			return sched.running.Load()
		}
	}
	return false
}

// RunNow executes one tick synchronously through the reentrancy and check-in
// wrapper.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, sched := range s.schedules {
		if sched.name == name {
			s.runTick(ctx, sched)
			return nil
		}
	}
	return fmt.Errorf("op=scheduler.RunNow: %w: schedule %s", domain.ErrNotFound, name)
}

// runTick is the reentrancy-guarded, check-in-wrapped execution of one tick.
// Failures never propagate.
func (s *Scheduler) runTick(ctx context.Context, sched *schedule) {
	if !sched.running.CompareAndSwap(false, true) {
		slog.Warn("skipping tick; previous still running", slog.String("monitor", sched.name))
		observability.SchedulerSkippedTotal.WithLabelValues(sched.name).Inc()
		return
	}
	defer sched.running.Store(false)

	tracer := otel.Tracer("scheduler")
	ctx, span := tracer.Start(ctx, "CronTick")
	defer span.End()
	span.SetAttributes(
		attribute.String("monitor", sched.name),
		attribute.String("schedule", sched.expr),
	)

	checkInID := uuid.NewString()
	s.sink.CaptureCheckIn(ctx, domain.CheckIn{
		ID:       checkInID,
		Monitor:  sched.name,
		Schedule: sched.expr,
		Status:   domain.CheckInInProgress,
	})

	started := s.clock.Now()
	err := sched.tick(ctx)
	took := s.clock.Now().Sub(started)

	out := domain.CheckIn{
		ID:       checkInID,
		Monitor:  sched.name,
		Schedule: sched.expr,
		Status:   domain.CheckInOK,
		Duration: took,
	}
	if err != nil {
		out.Status = domain.CheckInError
		out.Err = err.Error()
		span.RecordError(err)
		s.sink.CaptureException(ctx, err,
			map[string]string{"monitor": sched.name, "schedule": sched.expr},
			domain.SeverityError)
	}
	s.sink.CaptureCheckIn(ctx, out)
}
