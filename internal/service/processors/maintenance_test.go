package processors

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/observability"
	"github.com/fairyhunter13/finflow-jobs/internal/config"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/internal/service/jobmanager"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

type fakeTrainer struct {
	retrained   []string
	invalidated []string
}

func (f *fakeTrainer) RetrainSpace(_ context.Context, spaceID string) error {
	f.retrained = append(f.retrained, spaceID)
	return nil
}
func (f *fakeTrainer) DeleteCorrectionsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeTrainer) SpacesWithCorrectionsSince(context.Context, time.Time) ([]string, error) {
	return nil, nil
}
func (f *fakeTrainer) InvalidatePatternCache(_ context.Context, spaceID string) error {
	f.invalidated = append(f.invalidated, spaceID)
	return nil
}

type fakeProbe struct{ statuses map[string]string }

func (f *fakeProbe) AccountStatus(_ context.Context, a domain.Account) (string, error) {
	if s, ok := f.statuses[a.ID]; ok {
		return s, nil
	}
	return "ok", nil
}

type fakeHealthRepo struct{ touched map[string]time.Time }

func (f *fakeHealthRepo) Touch(_ context.Context, provider string, at time.Time) error {
	if f.touched == nil {
		f.touched = map[string]time.Time{}
	}
	f.touched[provider] = at
	return nil
}

type fakeUserRepo struct{ users map[string]domain.User }

func (f *fakeUserRepo) Get(_ context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
func (f *fakeUserRepo) ListWithLifeBeat(context.Context) ([]domain.User, error)      { return nil, nil }
func (f *fakeUserRepo) ListWithWeeklyReports(context.Context) ([]domain.User, error) { return nil, nil }
func (f *fakeUserRepo) ListWithMonthlyReports(context.Context) ([]domain.User, error) {
	return nil, nil
}
func (f *fakeUserRepo) ListVerifiedExecutors(context.Context, string) ([]domain.Executor, error) {
	return nil, nil
}
func (f *fakeUserRepo) ListSpacesForUser(context.Context, string) ([]domain.Space, error) {
	return nil, nil
}

func newMaintenanceFixture(t *testing.T, clock clockx.Clock, accounts []domain.Account, statuses map[string]string) (*MaintenanceProcessor, *jobmanager.Manager, *fakeTrainer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kv := rediskv.New(rdb)

	cfg := config.Config{
		AppEnv:             "prod",
		QueueNamespace:     "t",
		DefaultConcurrency: 1,
		StallWindow:        time.Minute,
		PollInterval:       5 * time.Millisecond,
		JobBodyTTL:         time.Hour,
	}
	m, err := jobmanager.New(cfg, kv, clock, observability.NewRecordingSink())
	require.NoError(t, err)

	trainer := &fakeTrainer{}
	p := NewMaintenanceProcessor(
		trainer,
		&fakeAccountRepo{accounts: accounts},
		&fakeUserRepo{users: map[string]domain.User{"u1": {ID: "u1", Email: "u1@x.co"}}},
		&fakeProbe{statuses: statuses},
		&fakeHealthRepo{},
		m,
		rediskv.NewSuppressor(kv, "t"),
		clock,
	)
	return p, m, trainer
}

func TestMaintenanceRetrainAndHotRefresh(t *testing.T) {
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	p, _, trainer := newMaintenanceFixture(t, clock, nil, nil)
	ctx := context.Background()

	err := p.Process(ctx, jobCtx(domain.KindPatternRetrain, domain.PatternRetrainPayload{SpaceID: "S1"}))
	require.NoError(t, err)
	require.Equal(t, []string{"S1"}, trainer.retrained)

	err = p.Process(ctx, jobCtx(domain.KindPatternHotRefresh, domain.PatternHotRefreshPayload{SpaceIDs: []string{"S1", "S2"}}))
	require.NoError(t, err)
	require.Equal(t, []string{"S1", "S2"}, trainer.invalidated)
}

func TestConnectionHealthNotifiesOnceWithin24h(t *testing.T) {
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	accounts := []domain.Account{
		{ID: "a1", SpaceID: "S1", UserID: "u1", Provider: "bitso"},
		{ID: "a2", SpaceID: "S1", UserID: "u1", Provider: "bitso", Manual: true},
	}
	p, m, _ := newMaintenanceFixture(t, clock, accounts, map[string]string{"a1": "requires-reauth"})
	ctx := context.Background()

	run := func() {
		err := p.Process(ctx, jobCtx(domain.KindConnectionHealth, domain.ConnectionHealthPayload{SpaceID: "S1"}))
		require.NoError(t, err)
	}

	run()
	stats, err := m.QueueStats(ctx, domain.QueueEmailNotifications)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)

	// Second run inside the window is suppressed.
	run()
	stats, err = m.QueueStats(ctx, domain.QueueEmailNotifications)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)
}
