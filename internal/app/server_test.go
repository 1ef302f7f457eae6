package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

type adminFixture struct {
	handler http.Handler
	jobs    *jobmanager.Manager
	mr      *miniredis.Miniredis
	clock   *clockx.Fake
}

func newAdminFixture(t *testing.T, rateLimit int) adminFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kv := rediskv.New(rdb)

	cfg := config.Config{
		AppEnv:               "prod",
		QueueNamespace:       "t",
		DefaultConcurrency:   1,
		StallWindow:          time.Minute,
		PollInterval:         5 * time.Millisecond,
		JobBodyTTL:           time.Hour,
		DrainTimeout:         time.Second,
		AdminRateLimitPerMin: rateLimit,
	}
	clock := clockx.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	jobs, err := jobmanager.New(cfg, kv, clock, observability.NewRecordingSink())
	require.NoError(t, err)

	return adminFixture{
		handler: BuildRouter(cfg, NewServer(cfg, jobs, kv)),
		jobs:    jobs,
		mr:      mr,
		clock:   clock,
	}
}

func (f adminFixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	f := newAdminFixture(t, 100)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz").Code)

	rec := f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestReadyzTurnsUnreadyDuringDrain(t *testing.T) {
	f := newAdminFixture(t, 100)

	f.jobs.Drain(context.Background(), time.Second)

	rec := f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "draining", decodeBody(t, rec)["status"])
}

func TestReadyzReportsStoreOutage(t *testing.T) {
	f := newAdminFixture(t, 100)

	f.mr.Close()

	rec := f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAdminFixture(t, 100)

	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}

func TestQueueEndpoints(t *testing.T) {
	f := newAdminFixture(t, 100)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/admin/queues")
	require.Equal(t, http.StatusOK, rec.Code)
	queues := decodeBody(t, rec)["queues"].(map[string]any)
	require.Len(t, queues, 8)
	require.Contains(t, queues, domain.QueueSyncTransactions)
	require.Contains(t, queues, domain.QueueDeadLetter)

	_, err := f.jobs.EnqueueCategorize(ctx, domain.CategorizePayload{SpaceID: "S1"})
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/admin/queues/"+domain.QueueCategorizeTransactions)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody(t, rec)["stats"].(map[string]any)
	require.EqualValues(t, 1, stats["waiting"])

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/queues/nope").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/admin/queues/nope/pause").Code)

	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/admin/queues/"+domain.QueueCategorizeTransactions+"/pause").Code)
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/admin/queues/"+domain.QueueCategorizeTransactions+"/resume").Code)

	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/admin/queues/"+domain.QueueCategorizeTransactions+"/clear").Code)
	rec = f.do(t, http.MethodGet, "/admin/queues/"+domain.QueueCategorizeTransactions)
	stats = decodeBody(t, rec)["stats"].(map[string]any)
	require.EqualValues(t, 0, stats["waiting"])
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newAdminFixture(t, 100)
	ctx := context.Background()
	dlq := f.jobs.DeadLetters()

	entry := domain.DeadLetterEntry{
		ID:            dlq.NewEntryID(),
		OriginalQueue: domain.QueueEmailNotifications,
		Kind:          domain.KindSendEmail,
		Payload:       json.RawMessage(`{"to":"u1@x.co","template":"welcome"}`),
		FailedReason:  "smtp unreachable",
		AttemptsMade:  5,
		MaxAttempts:   5,
		FailedAt:      f.clock.Now(),
	}
	dlq.Add(ctx, entry)

	rec := f.do(t, http.MethodGet, "/admin/dlq")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)

	rec = f.do(t, http.MethodGet, "/admin/dlq/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decodeBody(t, rec)["total"])

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/dlq?limit=zero").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/admin/dlq/missing/retry").Code)

	rec = f.do(t, http.MethodPost, "/admin/dlq/"+entry.ID+"/retry")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["retried"])

	stats, err := f.jobs.QueueStats(ctx, domain.QueueEmailNotifications)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)

	rec = f.do(t, http.MethodGet, "/admin/dlq")
	require.Empty(t, decodeBody(t, rec)["entries"])
}

func TestDeadLetterPruneAndClear(t *testing.T) {
	f := newAdminFixture(t, 100)
	ctx := context.Background()
	dlq := f.jobs.DeadLetters()

	old := domain.DeadLetterEntry{
		ID:            dlq.NewEntryID(),
		OriginalQueue: domain.QueueSyncTransactions,
		Kind:          domain.KindSyncTransactions,
		FailedAt:      f.clock.Now().Add(-40 * 24 * time.Hour),
	}
	f.clock.Advance(time.Millisecond)
	fresh := domain.DeadLetterEntry{
		ID:            dlq.NewEntryID(),
		OriginalQueue: domain.QueueSyncTransactions,
		Kind:          domain.KindSyncTransactions,
		FailedAt:      f.clock.Now(),
	}
	dlq.Add(ctx, old)
	dlq.Add(ctx, fresh)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/dlq/prune?olderThan=soon").Code)

	rec := f.do(t, http.MethodPost, "/admin/dlq/prune")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decodeBody(t, rec)["removed"])

	rec = f.do(t, http.MethodPost, "/admin/dlq/clear")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decodeBody(t, rec)["removed"])
}

func TestMutatingEndpointsRateLimited(t *testing.T) {
	f := newAdminFixture(t, 2)

	path := "/admin/queues/" + domain.QueueESGUpdates + "/pause"
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, path).Code)

	// Read endpoints stay outside the limiter.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/admin/queues").Code)
}
