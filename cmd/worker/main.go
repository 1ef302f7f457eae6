// Package main is the background job runner: queue workers, the cron
// scheduler, and the admin HTTP surface in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/observability"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/stub"
	"github.com/fairyhunter13/finflow-jobs/internal/app"
	"github.com/fairyhunter13/finflow-jobs/internal/config"
	"github.com/fairyhunter13/finflow-jobs/internal/service/jobmanager"
	"github.com/fairyhunter13/finflow-jobs/internal/service/processors"
	"github.com/fairyhunter13/finflow-jobs/internal/service/scheduler"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting job runner", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	kv, err := rediskv.Connect(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("store connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("store close failed", slog.Any("error", err))
		}
	}()

	clock := clockx.Real()
	sink := observability.NewSink()
	suppressor := rediskv.NewSuppressor(kv, cfg.QueueNamespace)

	jobs, err := jobmanager.New(cfg, kv, clock, sink)
	if err != nil {
		slog.Error("queue manager init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// The host platform wires its real repositories and provider clients here;
	// the standalone binary runs against the deterministic stubs.
	connections := stub.NewConnections()
	accounts := stub.NewAccounts()
	users := stub.NewUsers()
	trainer := stub.NewTrainer()
	esg := stub.NewESG()
	valuer := stub.NewValuer()

	err = processors.RegisterAll(jobs, processors.Deps{
		Connections:    connections,
		Providers:      stub.NewProviders(),
		TokenCipher:    stub.NewCipher(),
		Categorizer:    stub.NewCategorizer(),
		ESGProvider:    esg,
		ESGCache:       esg,
		Accounts:       accounts,
		Users:          users,
		Snapshots:      stub.NewSnapshots(),
		Mailer:         stub.NewMailer(),
		PropertyValuer: valuer,
		PatternTrainer: trainer,
		HealthProbe:    stub.NewProbe(),
		ProviderHealth: stub.NewHealth(),
		Suppressor:     suppressor,
		Clock:          clock,
	})
	if err != nil {
		slog.Error("processor registration failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobs.Start(ctx)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(cfg, jobs, scheduler.Deps{
			Spaces:         stub.NewSpaces(),
			Connections:    connections,
			Accounts:       accounts,
			Users:          users,
			PatternTrainer: trainer,
			Reports:        stub.NewReports(),
			PropertyValuer: valuer,
		}, sink, suppressor, clock)
		if err := sched.Start(ctx); err != nil {
			slog.Error("scheduler start failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	adminSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:           app.BuildRouter(cfg, app.NewServer(cfg, jobs, kv)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("admin http listening", slog.Int("port", cfg.AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin http server error", slog.Any("error", err))
		}
	}()

	slog.Info("job runner started; send TERM or INT to shut down")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	// Stop admitting new work, let in-flight jobs finish, then tear down.
	jobs.Drain(ctx, cfg.DrainTimeout)
	if sched != nil {
		sched.Stop()
	}
	jobs.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin http shutdown failed", slog.Any("error", err))
	}
	slog.Info("job runner stopped")
}
