package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/observability"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
)

// popularESGSymbols is always refreshed in addition to observed holdings.
var popularESGSymbols = []string{"BTC", "ETH", "ADA", "DOT", "SOL", "ALGO", "MATIC", "AVAX"}

const (
	inactivitySuppressWindow = 7 * 24 * time.Hour
	correctionRetention      = 365 * 24 * time.Hour
	hotRefreshLookback       = 2 * time.Hour
)

func (s *Scheduler) tickCategorizeAll(ctx context.Context) error {
	spaces, err := s.deps.Spaces.List(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickCategorizeAll: %w", err)
	}
	for _, space := range spaces {
		if _, err := s.jobs.EnqueueCategorize(ctx, domain.CategorizePayload{SpaceID: space.ID}); err != nil {
			return fmt.Errorf("op=scheduler.tickCategorizeAll space=%s: %w", space.ID, err)
		}
	}
	slog.Info("hourly categorization enqueued", slog.Int("spaces", len(spaces)))
	return nil
}

func (s *Scheduler) tickCryptoSync(ctx context.Context) error {
	conns, err := s.deps.Connections.ListByProvider(ctx, "bitso")
	if err != nil {
		return fmt.Errorf("op=scheduler.tickCryptoSync: %w", err)
	}
	seen := map[string]bool{}
	enqueued := 0
	for _, conn := range conns {
		if seen[conn.UserID] {
			continue
		}
		seen[conn.UserID] = true
		_, err := s.jobs.EnqueueSync(ctx, domain.SyncPayload{
			Provider:     "bitso",
			UserID:       conn.UserID,
			ConnectionID: conn.ID,
			FullSync:     false,
		})
		if err != nil {
			return fmt.Errorf("op=scheduler.tickCryptoSync user=%s: %w", conn.UserID, err)
		}
		enqueued++
	}
	slog.Info("crypto portfolio syncs enqueued", slog.Int("users", enqueued))
	return nil
}

func (s *Scheduler) tickBlockchainSync(ctx context.Context) error {
	userIDs, err := s.deps.Accounts.ListUsersWithReadOnlyManualAccounts(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickBlockchainSync: %w", err)
	}
	for _, userID := range userIDs {
		_, err := s.jobs.EnqueueSync(ctx, domain.SyncPayload{Provider: "blockchain", UserID: userID})
		if err != nil {
			return fmt.Errorf("op=scheduler.tickBlockchainSync user=%s: %w", userID, err)
		}
	}
	slog.Info("blockchain wallet syncs enqueued", slog.Int("users", len(userIDs)))
	return nil
}

func (s *Scheduler) tickSessionCleanup(ctx context.Context) error {
	active, stale, err := s.deps.Connections.CountByActivity(ctx, s.cfg.SessionStaleAfter)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickSessionCleanup: %w", err)
	}
	observability.ConnectionsByActivity.WithLabelValues("active").Set(float64(active))
	observability.ConnectionsByActivity.WithLabelValues("stale").Set(float64(stale))
	slog.Info("connection activity sampled",
		slog.Int64("active", active), slog.Int64("stale", stale))
	return nil
}

func (s *Scheduler) tickDailySnapshots(ctx context.Context) error {
	spaces, err := s.deps.Spaces.List(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickDailySnapshots: %w", err)
	}
	for _, space := range spaces {
		if _, err := s.jobs.EnqueueSnapshot(ctx, domain.SnapshotPayload{SpaceID: space.ID}); err != nil {
			return fmt.Errorf("op=scheduler.tickDailySnapshots space=%s: %w", space.ID, err)
		}
	}
	slog.Info("daily valuation snapshots enqueued", slog.Int("spaces", len(spaces)))
	return nil
}

func (s *Scheduler) tickESGRefresh(ctx context.Context) error {
	observed, err := s.deps.Accounts.ListCryptoSymbols(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickESGRefresh: %w", err)
	}
	seen := map[string]bool{}
	symbols := make([]string, 0, len(observed)+len(popularESGSymbols))
	for _, sym := range observed {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	for _, sym := range popularESGSymbols {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	if _, err := s.jobs.EnqueueESG(ctx, domain.ESGPayload{Symbols: symbols}); err != nil {
		return fmt.Errorf("op=scheduler.tickESGRefresh: %w", err)
	}
	slog.Info("esg refresh enqueued", slog.Int("symbols", len(symbols)))
	return nil
}

func (s *Scheduler) tickPatternRetrain(ctx context.Context) error {
	spaces, err := s.deps.Spaces.List(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickPatternRetrain: %w", err)
	}
	for _, space := range spaces {
		if _, err := s.jobs.EnqueuePatternRetrain(ctx, domain.PatternRetrainPayload{SpaceID: space.ID}); err != nil {
			return fmt.Errorf("op=scheduler.tickPatternRetrain space=%s: %w", space.ID, err)
		}
	}
	cutoff := s.clock.Now().Add(-correctionRetention)
	deleted, err := s.deps.PatternTrainer.DeleteCorrectionsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickPatternRetrain: %w", err)
	}
	slog.Info("pattern retrain enqueued",
		slog.Int("spaces", len(spaces)), slog.Int64("corrections_deleted", deleted))
	return nil
}

func (s *Scheduler) tickPatternHotRefresh(ctx context.Context) error {
	since := s.clock.Now().Add(-hotRefreshLookback)
	spaceIDs, err := s.deps.PatternTrainer.SpacesWithCorrectionsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickPatternHotRefresh: %w", err)
	}
	if len(spaceIDs) == 0 {
		return nil
	}
	if _, err := s.jobs.EnqueuePatternHotRefresh(ctx, domain.PatternHotRefreshPayload{SpaceIDs: spaceIDs}); err != nil {
		return fmt.Errorf("op=scheduler.tickPatternHotRefresh: %w", err)
	}
	slog.Info("pattern hot refresh enqueued", slog.Int("spaces", len(spaceIDs)))
	return nil
}

func (s *Scheduler) tickConnectionHealth(ctx context.Context) error {
	spaceIDs, err := s.deps.Accounts.ListSpacesWithProviderAccounts(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickConnectionHealth: %w", err)
	}
	for _, spaceID := range spaceIDs {
		if _, err := s.jobs.EnqueueConnectionHealth(ctx, domain.ConnectionHealthPayload{SpaceID: spaceID}); err != nil {
			return fmt.Errorf("op=scheduler.tickConnectionHealth space=%s: %w", spaceID, err)
		}
	}
	return nil
}

// tickInactivityMonitor warns users whose accounts have gone quiet past each
// configured alert-day threshold, and notifies verified executors at the
// maximum threshold. Repeats for the same subject and level are suppressed
// for seven days.
func (s *Scheduler) tickInactivityMonitor(ctx context.Context) error {
	users, err := s.deps.Users.ListWithLifeBeat(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickInactivityMonitor: %w", err)
	}
	now := s.clock.Now()
	for _, user := range users {
		last := user.LastActivityAt
		if user.LastLoginAt.After(last) {
			last = user.LastLoginAt
		}
		inactiveDays := int(now.Sub(last).Hours() / 24)

		maxDay := 0
		for _, day := range user.AlertDays {
			if day > maxDay {
				maxDay = day
			}
		}
		for _, day := range user.AlertDays {
			if inactiveDays < day {
				continue
			}
			key := fmt.Sprintf("inactivity:%s:%d", user.ID, day)
			if !s.suppress.Allow(ctx, key, inactivitySuppressWindow) {
				continue
			}
			_, err := s.jobs.EnqueueEmail(ctx, domain.EmailPayload{
				To:       user.Email,
				Template: "inactivity-warning",
				Data:     map[string]any{"inactiveDays": inactiveDays, "threshold": day},
				Priority: "high",
			})
			if err != nil {
				return fmt.Errorf("op=scheduler.tickInactivityMonitor user=%s: %w", user.ID, err)
			}
			if day != maxDay {
				continue
			}
			executors, err := s.deps.Users.ListVerifiedExecutors(ctx, user.ID)
			if err != nil {
				slog.Warn("executor lookup failed",
					slog.String("user_id", user.ID), slog.Any("error", err))
				continue
			}
			for _, ex := range executors {
				exKey := fmt.Sprintf("inactivity-executor:%s:%s:%d", user.ID, ex.Email, day)
				if !s.suppress.Allow(ctx, exKey, inactivitySuppressWindow) {
					continue
				}
				_, err := s.jobs.EnqueueEmail(ctx, domain.EmailPayload{
					To:       ex.Email,
					Template: "executor-notification",
					Data:     map[string]any{"userId": user.ID, "inactiveDays": inactiveDays},
					Priority: "high",
				})
				if err != nil {
					return fmt.Errorf("op=scheduler.tickInactivityMonitor executor=%s: %w", ex.Email, err)
				}
			}
		}
	}
	return nil
}

func (s *Scheduler) tickWeeklyReports(ctx context.Context) error {
	users, err := s.deps.Users.ListWithWeeklyReports(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickWeeklyReports: %w", err)
	}
	return s.generateReports(ctx, users, domain.ReportLastISOWeek, "weekly-report")
}

func (s *Scheduler) tickMonthlyReports(ctx context.Context) error {
	users, err := s.deps.Users.ListWithMonthlyReports(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.tickMonthlyReports: %w", err)
	}
	return s.generateReports(ctx, users, domain.ReportLastCalMonth, "monthly-report")
}

func (s *Scheduler) generateReports(ctx context.Context, users []domain.User, period domain.ReportPeriod, template string) error {
	generated := 0
	for _, user := range users {
		spaces, err := s.deps.Users.ListSpacesForUser(ctx, user.ID)
		if err != nil {
			slog.Warn("report spaces lookup failed",
				slog.String("user_id", user.ID), slog.Any("error", err))
			continue
		}
		for _, space := range spaces {
			file, err := s.deps.Reports.Generate(ctx, space.ID, period, user.ReportFormat)
			if err != nil {
				slog.Warn("report generation failed",
					slog.String("space_id", space.ID), slog.Any("error", err))
				continue
			}
			_, err = s.jobs.EnqueueEmail(ctx, domain.EmailPayload{
				To:       user.Email,
				Template: template,
				Data: map[string]any{
					"spaceId":     space.ID,
					"spaceName":   space.Name,
					"fileName":    file.Name,
					"fileContent": file.Content,
				},
			})
			if err != nil {
				return fmt.Errorf("op=scheduler.generateReports user=%s: %w", user.ID, err)
			}
			generated++
		}
	}
	slog.Info("reports enqueued",
		slog.String("period", string(period)), slog.Int("reports", generated))
	return nil
}

func (s *Scheduler) tickPropertyRefresh(ctx context.Context) error {
	if !s.deps.PropertyValuer.Available(ctx) {
		slog.Info("property valuation api unavailable; refresh skipped")
		return nil
	}
	if _, err := s.jobs.EnqueueProperty(ctx, domain.PropertyValuationPayload{Mode: domain.PropertyRefreshAll}); err != nil {
		return fmt.Errorf("op=scheduler.tickPropertyRefresh: %w", err)
	}
	return nil
}
