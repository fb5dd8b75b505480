package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/koreamedinfo/newsdigest/internal/api"
	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeRunner returns a canned summary, optionally blocking until released.
type fakeRunner struct {
	summary digest.RunSummary
	err     error
	block   chan struct{}
	mu      sync.Mutex
	calls   int
}

func (r *fakeRunner) Run(_ context.Context) (digest.RunSummary, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	return r.summary, r.err
}

func newTestServer(runner api.Runner, logs digest.LogStore, metrics digest.MetricsStore) *api.Server {
	cfg := &config.Config{
		Auth: config.AuthConfig{Key: "secret"},
		Run:  config.RunConfig{BudgetSeconds: 45, DailySendLimit: 100},
	}
	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	return api.NewServer(runner, logs, metrics, clock, cfg, zap.NewNop())
}

func TestSendNewsRejectsBadKey(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeRunner{}, memory.NewLogStore(), memory.NewMetricsStore())

	req := httptest.NewRequest(http.MethodGet, "/api/send-news?key=wrong", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendNewsAcceptsBearerToken(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: digest.RunSummary{
		Status: digest.RunCompleted, Message: "sent", TotalProcessed: 3, SuccessCount: 3,
	}}
	srv := newTestServer(runner, memory.NewLogStore(), memory.NewMetricsStore())

	req := httptest.NewRequest(http.MethodGet, "/api/send-news", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["success"])
	require.Equal(t, float64(3), resp["successCount"])
}

func TestSendNewsReportsRunError(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		summary: digest.RunSummary{Status: digest.RunPartial, SuccessCount: 1, FailureCount: 1},
		err:     errors.New("delivery aborted: token rejected"),
	}
	srv := newTestServer(runner, memory.NewLogStore(), memory.NewMetricsStore())

	req := httptest.NewRequest(http.MethodGet, "/api/send-news?key=secret", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, false, resp["success"])
	require.Contains(t, resp["error"], "token rejected")
}

func TestSendNewsConflictsWhileRunInFlight(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{block: make(chan struct{})}
	srv := newTestServer(runner, memory.NewLogStore(), memory.NewMetricsStore())

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req := httptest.NewRequest(http.MethodGet, "/api/send-news?key=secret", nil)
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}()

	// Wait until the first request has claimed the run slot.
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.calls == 1
	}, time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/api/send-news?key=secret", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	close(runner.block)
	<-firstDone
}

func TestSendNewsEnforcesDailyQuota(t *testing.T) {
	t.Parallel()

	metrics := memory.NewMetricsStore()
	require.NoError(t, metrics.RecordRun(context.Background(), digest.RunMetrics{
		ProcessedEmails: 100,
		CreatedAt:       time.Date(2026, 8, 28, 6, 0, 0, 0, time.UTC),
	}))

	runner := &fakeRunner{}
	srv := newTestServer(runner, memory.NewLogStore(), metrics)

	req := httptest.NewRequest(http.MethodGet, "/api/send-news?key=secret", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, 0, runner.calls)
}

func TestSendNewsQuotaIgnoresPreviousDays(t *testing.T) {
	t.Parallel()

	metrics := memory.NewMetricsStore()
	require.NoError(t, metrics.RecordRun(context.Background(), digest.RunMetrics{
		ProcessedEmails: 100,
		CreatedAt:       time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC),
	}))

	srv := newTestServer(&fakeRunner{}, memory.NewLogStore(), metrics)

	req := httptest.NewRequest(http.MethodGet, "/api/send-news?key=secret", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMonitorReportsRecentOutcomes(t *testing.T) {
	t.Parallel()

	logs := memory.NewLogStore()
	now := time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)
	require.NoError(t, logs.Append(context.Background(), digest.EmailLog{
		Email: "a@example.com", Status: digest.LogStatusSuccess, Provider: "hiworks", SentAt: now,
	}))
	require.NoError(t, logs.Append(context.Background(), digest.EmailLog{
		Email: "b@example.com", Status: digest.LogStatusFailed, Provider: "hiworks", SentAt: now.Add(time.Minute),
	}))

	srv := newTestServer(&fakeRunner{}, logs, memory.NewMetricsStore())

	req := httptest.NewRequest(http.MethodGet, "/api/monitor?key=secret", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RecentLogs []digest.EmailLog `json:"recentLogs"`
		Totals     struct {
			Success int `json:"success"`
			Failure int `json:"failure"`
		} `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.RecentLogs, 2)
	require.Equal(t, "b@example.com", resp.RecentLogs[0].Email)
	require.Equal(t, 1, resp.Totals.Success)
	require.Equal(t, 1, resp.Totals.Failure)
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeRunner{}, memory.NewLogStore(), memory.NewMetricsStore())

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeRunner{}, memory.NewLogStore(), memory.NewMetricsStore())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
