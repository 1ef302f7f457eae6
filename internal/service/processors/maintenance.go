package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/internal/service/jobmanager"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// healthSuppressWindow elides repeat health notifications per user+account.
const healthSuppressWindow = 24 * time.Hour

// MaintenanceProcessor executes the recurring bulk kinds the scheduler emits
// on the maintenance queue: pattern retraining, pattern cache hot refresh,
// and per-space connection health checks.
type MaintenanceProcessor struct {
	trainer  domain.PatternTrainer
	accounts domain.AccountRepository
	users    domain.UserRepository
	probe    domain.HealthProbe
	health   domain.ProviderHealthRepository
	jobs     *jobmanager.Manager
	suppress *rediskv.Suppressor
	clock    clockx.Clock
}

// NewMaintenanceProcessor wires the maintenance consumer.
func NewMaintenanceProcessor(
	trainer domain.PatternTrainer,
	accounts domain.AccountRepository,
	users domain.UserRepository,
	probe domain.HealthProbe,
	health domain.ProviderHealthRepository,
	jobs *jobmanager.Manager,
	suppress *rediskv.Suppressor,
	clock clockx.Clock,
) *MaintenanceProcessor {
	return &MaintenanceProcessor{
		trainer:  trainer,
		accounts: accounts,
		users:    users,
		probe:    probe,
		health:   health,
		jobs:     jobs,
		suppress: suppress,
		clock:    clock,
	}
}

// Process dispatches on the job kind.
func (p *MaintenanceProcessor) Process(ctx context.Context, jc domain.JobContext) error {
	switch jc.Kind {
	case domain.KindPatternRetrain:
		return p.retrain(ctx, jc.Payload)
	case domain.KindPatternHotRefresh:
		return p.hotRefresh(ctx, jc.Payload)
	case domain.KindConnectionHealth:
		return p.connectionHealth(ctx, jc.Payload)
	default:
		return fmt.Errorf("op=processors.Maintenance: %w: kind %q", domain.ErrInvalidArgument, jc.Kind)
	}
}

func (p *MaintenanceProcessor) retrain(ctx context.Context, raw json.RawMessage) error {
	var payload domain.PatternRetrainPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("op=processors.Maintenance.retrain: %w: %v", domain.ErrInvalidArgument, err)
	}
	if err := p.trainer.RetrainSpace(ctx, payload.SpaceID); err != nil {
		return fmt.Errorf("op=processors.Maintenance.retrain space=%s: %w", payload.SpaceID, err)
	}
	slog.Info("categorization patterns retrained", slog.String("space_id", payload.SpaceID))
	return nil
}

func (p *MaintenanceProcessor) hotRefresh(ctx context.Context, raw json.RawMessage) error {
	var payload domain.PatternHotRefreshPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("op=processors.Maintenance.hotRefresh: %w: %v", domain.ErrInvalidArgument, err)
	}
	for _, spaceID := range payload.SpaceIDs {
		if err := p.trainer.InvalidatePatternCache(ctx, spaceID); err != nil {
			return fmt.Errorf("op=processors.Maintenance.hotRefresh space=%s: %w", spaceID, err)
		}
	}
	slog.Info("pattern caches invalidated", slog.Int("spaces", len(payload.SpaceIDs)))
	return nil
}

// connectionHealth classifies every provider-backed account in the space,
// touches per-provider health timestamps, and sends one consolidated
// notification per affected user. Notifications are suppressed for 24 h per
// user+account.
func (p *MaintenanceProcessor) connectionHealth(ctx context.Context, raw json.RawMessage) error {
	var payload domain.ConnectionHealthPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("op=processors.Maintenance.connectionHealth: %w: %v", domain.ErrInvalidArgument, err)
	}
	accounts, err := p.accounts.ListBySpace(ctx, payload.SpaceID)
	if err != nil {
		return fmt.Errorf("op=processors.Maintenance.connectionHealth space=%s: %w: %v",
			payload.SpaceID, domain.ErrInfrastructure, err)
	}

	issues := map[string][]map[string]string{}
	providers := map[string]bool{}
	for _, a := range accounts {
		if a.Manual || a.Provider == "" {
			continue
		}
		providers[a.Provider] = true
		status, err := p.probe.AccountStatus(ctx, a)
		if err != nil {
			slog.Warn("account health probe failed",
				slog.String("account_id", a.ID), slog.Any("error", err))
			status = "error"
		}
		if status == "ok" {
			continue
		}
		if !p.suppress.Allow(ctx, "health:"+a.UserID+":"+a.ID, healthSuppressWindow) {
			continue
		}
		issues[a.UserID] = append(issues[a.UserID], map[string]string{
			"accountId": a.ID,
			"provider":  a.Provider,
			"status":    status,
		})
	}

	now := p.clock.Now()
	for provider := range providers {
		if err := p.health.Touch(ctx, provider, now); err != nil {
			slog.Warn("provider health timestamp update failed",
				slog.String("provider", provider), slog.Any("error", err))
		}
	}

	for userID, list := range issues {
		user, err := p.users.Get(ctx, userID)
		if err != nil {
			slog.Warn("health notification skipped; user lookup failed",
				slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		_, err = p.jobs.EnqueueEmail(ctx, domain.EmailPayload{
			To:       user.Email,
			Template: "connection-health",
			Data:     map[string]any{"issues": list},
			Priority: "high",
		})
		if err != nil {
			slog.Warn("health notification enqueue failed",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	slog.Info("connection health check finished",
		slog.String("space_id", payload.SpaceID),
		slog.Int("providers", len(providers)),
		slog.Int("users_notified", len(issues)))
	return nil
}
