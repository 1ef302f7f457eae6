package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/observability"
	"github.com/fairyhunter13/finflow-jobs/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/finflow-jobs/internal/config"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/internal/service/jobmanager"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// Collaborator fakes.

type fakeSpaces struct {
	spaces  []domain.Space
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSpaces) List(context.Context) ([]domain.Space, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return f.spaces, f.err
}

type fakeConns struct{ byProvider map[string][]domain.Connection }

func (f *fakeConns) Get(context.Context, string) (domain.Connection, error) {
	return domain.Connection{}, domain.ErrNotFound
}
func (f *fakeConns) ListByProvider(_ context.Context, p string) ([]domain.Connection, error) {
	return f.byProvider[p], nil
}
func (f *fakeConns) ListBySpace(context.Context, string) ([]domain.Connection, error) {
	return nil, nil
}
func (f *fakeConns) UpdateSyncResult(context.Context, string, domain.SyncResult) error { return nil }
func (f *fakeConns) CountByActivity(context.Context, time.Duration) (int64, int64, error) {
	return 12, 3, nil
}

type fakeAccounts struct {
	symbols        []string
	walletUsers    []string
	providerSpaces []string
}

func (f *fakeAccounts) ListBySpace(context.Context, string) ([]domain.Account, error) {
	return nil, nil
}
func (f *fakeAccounts) ListCryptoSymbols(context.Context) ([]string, error) { return f.symbols, nil }
func (f *fakeAccounts) ListUsersWithReadOnlyManualAccounts(context.Context) ([]string, error) {
	return f.walletUsers, nil
}
func (f *fakeAccounts) ListSpacesWithProviderAccounts(context.Context) ([]string, error) {
	return f.providerSpaces, nil
}

type fakeUsers struct {
	lifeBeat  []domain.User
	weekly    []domain.User
	monthly   []domain.User
	executors map[string][]domain.Executor
	spaces    map[string][]domain.Space
}

func (f *fakeUsers) Get(_ context.Context, id string) (domain.User, error) {
	return domain.User{ID: id}, nil
}
func (f *fakeUsers) ListWithLifeBeat(context.Context) ([]domain.User, error) { return f.lifeBeat, nil }
func (f *fakeUsers) ListWithWeeklyReports(context.Context) ([]domain.User, error) {
	return f.weekly, nil
}
func (f *fakeUsers) ListWithMonthlyReports(context.Context) ([]domain.User, error) {
	return f.monthly, nil
}
func (f *fakeUsers) ListVerifiedExecutors(_ context.Context, userID string) ([]domain.Executor, error) {
	return f.executors[userID], nil
}
func (f *fakeUsers) ListSpacesForUser(_ context.Context, userID string) ([]domain.Space, error) {
	return f.spaces[userID], nil
}

type fakeTrainer struct{ recentSpaces []string }

func (f *fakeTrainer) RetrainSpace(context.Context, string) error { return nil }
func (f *fakeTrainer) DeleteCorrectionsBefore(context.Context, time.Time) (int64, error) {
	return 4, nil
}
func (f *fakeTrainer) SpacesWithCorrectionsSince(context.Context, time.Time) ([]string, error) {
	return f.recentSpaces, nil
}
func (f *fakeTrainer) InvalidatePatternCache(context.Context, string) error { return nil }

type fakeReports struct{}

func (fakeReports) Generate(_ context.Context, spaceID string, _ domain.ReportPeriod, _ string) (domain.ReportFile, error) {
	return domain.ReportFile{Name: spaceID + ".pdf", Content: []byte("pdf")}, nil
}

type fakeValuer struct{ available bool }

func (f fakeValuer) Available(context.Context) bool                      { return f.available }
func (f fakeValuer) RefreshProperty(context.Context, string) error       { return nil }
func (f fakeValuer) ListPropertyIDs(context.Context, string) ([]string, error) { return nil, nil }
func (f fakeValuer) ListAllPropertyIDs(context.Context) ([]string, error)      { return nil, nil }

type fixture struct {
	sched *Scheduler
	jobs  *jobmanager.Manager
	sink  *observability.RecordingSink
	clock *clockx.Fake
	kv    *rediskv.Client
}

func newFixture(t *testing.T, deps Deps) fixture {
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
		SessionStaleAfter:  30 * 24 * time.Hour,
	}
	clock := clockx.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	sink := observability.NewRecordingSink()
	jobs, err := jobmanager.New(cfg, kv, clock, sink)
	require.NoError(t, err)

	if deps.Spaces == nil {
		deps.Spaces = &fakeSpaces{}
	}
	if deps.Connections == nil {
		deps.Connections = &fakeConns{}
	}
	if deps.Accounts == nil {
		deps.Accounts = &fakeAccounts{}
	}
	if deps.Users == nil {
		deps.Users = &fakeUsers{}
	}
	if deps.PatternTrainer == nil {
		deps.PatternTrainer = &fakeTrainer{}
	}
	if deps.Reports == nil {
		deps.Reports = fakeReports{}
	}
	if deps.PropertyValuer == nil {
		deps.PropertyValuer = fakeValuer{available: true}
	}
	sched := New(cfg, jobs, deps, sink, rediskv.NewSuppressor(kv, "t"), clock)
	return fixture{sched: sched, jobs: jobs, sink: sink, clock: clock, kv: kv}
}

// popJob pulls the next waiting job off a queue through a parallel queue
// handle on the same namespace, so tests can inspect enqueued payloads.
func (f fixture) popJob(t *testing.T, queue string) *domain.Job {
	t.Helper()
	q := redisq.NewQueue(f.kv, "t", queue, domain.QueuePolicy{MaxAttempts: 1}, f.clock,
		redisq.Options{StallWindow: time.Minute})
	job, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job, "queue %s empty", queue)
	return job
}

func TestScheduleTableIsComplete(t *testing.T) {
	f := newFixture(t, Deps{})

	want := map[string]string{
		"categorize-hourly":          "0 * * * *",
		"crypto-portfolio-sync":      "0 */4 * * *",
		"blockchain-wallet-sync":     "0 */6 * * *",
		"session-cleanup":            "0 2 * * *",
		"daily-valuation-snapshots":  "0 3 * * *",
		"esg-refresh":                "0 6,18 * * *",
		"pattern-retrain":            "0 2 * * *",
		"pattern-hot-refresh":        "30 * * * *",
		"connection-health-check":    "*/15 * * * *",
		"inactivity-monitor":         "0 9 * * *",
		"weekly-reports":             "0 8 * * 1",
		"monthly-reports":            "0 8 1 * *",
		"property-valuation-refresh": "0 6 * * *",
	}
	require.Len(t, f.sched.schedules, len(want))
	for _, s := range f.sched.schedules {
		require.Equal(t, want[s.name], s.expr, s.name)
	}
}

func TestESGRefreshUnionsObservedAndPopular(t *testing.T) {
	f := newFixture(t, Deps{Accounts: &fakeAccounts{symbols: []string{"BTC", "NEAR"}}})
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, "esg-refresh"))

	job := f.popJob(t, domain.QueueESGUpdates)
	var payload domain.ESGPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.ElementsMatch(t,
		[]string{"BTC", "NEAR", "ETH", "ADA", "DOT", "SOL", "ALGO", "MATIC", "AVAX"},
		payload.Symbols)
}

func TestCryptoSyncEnqueuesOncePerUser(t *testing.T) {
	f := newFixture(t, Deps{Connections: &fakeConns{byProvider: map[string][]domain.Connection{
		"bitso": {
			{ID: "c1", UserID: "u1"},
			{ID: "c2", UserID: "u1"},
			{ID: "c3", UserID: "u2"},
		},
	}}})
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, "crypto-portfolio-sync"))

	stats, err := f.jobs.QueueStats(ctx, domain.QueueSyncTransactions)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Waiting)
}

func TestDailySnapshotsPerSpace(t *testing.T) {
	f := newFixture(t, Deps{Spaces: &fakeSpaces{spaces: []domain.Space{{ID: "S1"}, {ID: "S2"}}}})
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, "daily-valuation-snapshots"))

	stats, err := f.jobs.QueueStats(ctx, domain.QueueValuationSnapshots)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Waiting)
}

func TestTickEmitsCheckInPair(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, "session-cleanup"))

	_, checkIns, _ := f.sink.Snapshot()
	require.Len(t, checkIns, 2)
	require.Equal(t, domain.CheckInInProgress, checkIns[0].Status)
	require.Equal(t, domain.CheckInOK, checkIns[1].Status)
	require.Equal(t, checkIns[0].ID, checkIns[1].ID)
	require.Equal(t, "session-cleanup", checkIns[0].Monitor)
}

func TestFailingTickReportsErrorAndIsSwallowed(t *testing.T) {
	f := newFixture(t, Deps{Spaces: &fakeSpaces{err: errors.New("db down")}})
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, "categorize-hourly"))

	excs, checkIns, _ := f.sink.Snapshot()
	require.Len(t, checkIns, 2)
	require.Equal(t, domain.CheckInError, checkIns[1].Status)
	require.Contains(t, checkIns[1].Err, "db down")
	require.Len(t, excs, 1)
	require.Equal(t, "categorize-hourly", excs[0].Tags["monitor"])
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	spaces := &fakeSpaces{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, Deps{Spaces: spaces})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_ = f.sched.RunNow(ctx, "categorize-hourly")
		close(done)
	}()
	<-spaces.entered
	require.True(t, f.sched.Running("categorize-hourly"))

	// Second tick while the first still runs: skipped, no new check-ins.
	require.NoError(t, f.sched.RunNow(ctx, "categorize-hourly"))
	_, checkIns, _ := f.sink.Snapshot()
	require.Len(t, checkIns, 1)

	close(spaces.release)
	<-done
	require.False(t, f.sched.Running("categorize-hourly"))
	_, checkIns, _ = f.sink.Snapshot()
	require.Len(t, checkIns, 2)
}

func TestInactivityMonitorSuppressesRepeats(t *testing.T) {
	user := domain.User{
		ID:              "u1",
		Email:           "u1@x.co",
		LifeBeatEnabled: true,
		AlertDays:       []int{60},
		LastActivityAt:  time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC),
		LastLoginAt:     time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}
	f := newFixture(t, Deps{Users: &fakeUsers{
		lifeBeat:  []domain.User{user},
		executors: map[string][]domain.Executor{"u1": {{UserID: "u1", Email: "exec@x.co", Verified: true}}},
	}})
	ctx := context.Background()

	// 73 days inactive: the 60-day threshold fires for the user, and since it
	// is the maximum threshold, the executor is notified too.
	require.NoError(t, f.sched.RunNow(ctx, "inactivity-monitor"))
	stats, err := f.jobs.QueueStats(ctx, domain.QueueEmailNotifications)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Waiting)

	// Within the 7-day window nothing repeats.
	require.NoError(t, f.sched.RunNow(ctx, "inactivity-monitor"))
	stats, err = f.jobs.QueueStats(ctx, domain.QueueEmailNotifications)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Waiting)
}

func TestWeeklyReportsEnqueueEmailsWithAttachments(t *testing.T) {
	user := domain.User{ID: "u1", Email: "u1@x.co", WeeklyReports: true, ReportFormat: "pdf"}
	f := newFixture(t, Deps{Users: &fakeUsers{
		weekly: []domain.User{user},
		spaces: map[string][]domain.Space{"u1": {{ID: "S1", Name: "Family"}}},
	}})
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, "weekly-reports"))

	job := f.popJob(t, domain.QueueEmailNotifications)
	var payload domain.EmailPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, "u1@x.co", payload.To)
	require.Equal(t, "weekly-report", payload.Template)
	require.Equal(t, "S1.pdf", payload.Data["fileName"])
}

func TestPropertyRefreshGatedOnAvailability(t *testing.T) {
	ctx := context.Background()

	available := newFixture(t, Deps{PropertyValuer: fakeValuer{available: true}})
	require.NoError(t, available.sched.RunNow(ctx, "property-valuation-refresh"))
	stats, err := available.jobs.QueueStats(ctx, domain.QueuePropertyValuation)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)

	unavailable := newFixture(t, Deps{PropertyValuer: fakeValuer{available: false}})
	require.NoError(t, unavailable.sched.RunNow(ctx, "property-valuation-refresh"))
	stats, err = unavailable.jobs.QueueStats(ctx, domain.QueuePropertyValuation)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.Waiting)
}
