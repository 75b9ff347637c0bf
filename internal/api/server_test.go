package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/queue"
	queuememory "github.com/sitelens/sitelens/internal/queue/memory"
	storagememory "github.com/sitelens/sitelens/internal/storage/memory"
)

type fakeIDGen struct {
	next int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("job-%d", g.next), nil
}

type serverHarness struct {
	server *Server
	queue  *queuememory.Queue
	store  *storagememory.StatusStore
}

func newServerHarness(t *testing.T, cfg Config) *serverHarness {
	t.Helper()
	q := queuememory.New(queue.Options{}, nil)
	store := storagememory.NewStatusStore(nil)
	return &serverHarness{
		server: NewServer(q, store, &fakeIDGen{}, cfg, nil),
		queue:  q,
		store:  store,
	}
}

func (h *serverHarness) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Analyze_Succeeds(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/analyze",
		`{"url":"https://Example.COM:443/page?b=2&a=1#frag","userId":"u1","weeklyTraffic":150000}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[analyzeResponse](t, rec)
	require.Equal(t, "job-1", resp.JobID)
	require.Equal(t, "queued", resp.Mode)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	job, err := h.queue.Job(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/page?a=1&b=2", job.URL)
	require.Equal(t, "u1", job.UserID)
	require.Equal(t, 1, job.Priority)
	require.Equal(t, analyzer.JobStatusQueued, job.Status)

	mirror, err := h.store.Job(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, analyzer.JobStatusQueued, mirror.Status)
}

func TestServer_Analyze_KeepsProvidedID(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/analyze", `{"jobId":"audit-7","url":"https://example.com"}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[analyzeResponse](t, rec)
	require.Equal(t, "audit-7", resp.JobID)
}

func TestServer_Analyze_InvalidJSON(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/analyze", "{invalid", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_Analyze_RejectsBadURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "missing url", body: `{"userId":"u1"}`},
		{name: "unsupported scheme", body: `{"url":"ftp://example.com/file"}`},
		{name: "no host", body: `{"url":"https://"}`},
		{name: "relative path", body: `{"url":"/just/a/path"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newServerHarness(t, Config{})
			rec := h.do(t, http.MethodPost, "/analyze", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_Analyze_DuplicateIDConflicts(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	first := h.do(t, http.MethodPost, "/analyze", `{"jobId":"dup-1","url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := h.do(t, http.MethodPost, "/analyze", `{"jobId":"dup-1","url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusConflict, second.Code)
	require.Contains(t, second.Body.String(), "dup-1")
}

func TestServer_Analyze_QueueClosed(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	require.NoError(t, h.queue.Close())

	rec := h.do(t, http.MethodPost, "/analyze", `{"url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "queue unavailable")
}

func TestServer_Analyze_PriorityFollowsTraffic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		weekly int
		want   int
	}{
		{weekly: 0, want: 10},
		{weekly: 9_999, want: 10},
		{weekly: 10_000, want: 5},
		{weekly: 100_000, want: 1},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, priorityForTraffic(tt.weekly), "weekly=%d", tt.weekly)
	}
}

func TestServer_Health_ReportsQueueCensus(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	for i := 0; i < 2; i++ {
		_, err := h.queue.Enqueue(context.Background(), analyzer.Job{
			ID:  fmt.Sprintf("seed-%d", i),
			URL: "https://example.com",
		})
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[healthResponse](t, rec)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "queued", resp.Mode)
	require.Equal(t, 2, resp.Queue.Waiting)
	require.Zero(t, resp.Queue.Active)
}

func TestServer_Health_UnavailableAfterClose(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	require.NoError(t, h.queue.Close())

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decodeBody[healthResponse](t, rec)
	require.Equal(t, "unavailable", resp.Status)
}

func TestServer_QueueStats(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	_, err := h.queue.Enqueue(context.Background(), analyzer.Job{ID: "stat-1", URL: "https://example.com"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/queue/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decodeBody[queue.Stats](t, rec)
	require.Equal(t, 1, stats.Queued)
}

func TestServer_RetryJob(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, analyzer.Job{ID: "retry-me", URL: "https://example.com"})
	require.NoError(t, err)
	leased, ok, err := h.queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "retry-me", leased.ID)
	cause := analyzer.Errorf(analyzer.KindBlocked, "probe", "robots disallow")
	require.NoError(t, h.queue.Fail(ctx, "retry-me", "w1", cause, false))

	rec := h.do(t, http.MethodPost, "/queue/retry/retry-me", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[jobResponse](t, rec)
	require.Equal(t, "retry-me", resp.JobID)
	require.Equal(t, analyzer.JobStatusQueued, resp.Status)
	require.Zero(t, resp.AttemptsMade)
}

func TestServer_RetryJob_NotFailed(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	_, err := h.queue.Enqueue(context.Background(), analyzer.Job{ID: "queued-1", URL: "https://example.com"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/queue/retry/queued-1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "not failed")
}

func TestServer_RetryJob_Unknown(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/queue/retry/ghost", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	_, err := h.queue.Enqueue(context.Background(), analyzer.Job{
		ID:       "look-1",
		URL:      "https://example.com",
		Priority: 5,
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/jobs/look-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[jobResponse](t, rec)
	require.Equal(t, "look-1", resp.JobID)
	require.Equal(t, "https://example.com", resp.URL)
	require.Equal(t, analyzer.JobStatusQueued, resp.Status)
	require.NotNil(t, resp.CreatedAt)
}

func TestServer_GetJob_Unknown(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	rec := h.do(t, http.MethodGet, "/jobs/ghost", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "job not found")
}

func TestServer_GetJob_FallsBackToStore(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	ctx := context.Background()
	// Only the status store remembers the job, as after queue trimming.
	require.NoError(t, h.store.UpdateJobStatus(ctx, "old-1", analyzer.JobStatusCompleted, ""))
	require.NoError(t, h.store.UpdateJobProgress(ctx, "old-1", analyzer.Progress{Percent: 100, Step: "completed"}))

	rec := h.do(t, http.MethodGet, "/jobs/old-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[jobResponse](t, rec)
	require.Equal(t, "old-1", resp.JobID)
	require.Equal(t, analyzer.JobStatusCompleted, resp.Status)
	require.Equal(t, 100, resp.Progress.Percent)
	require.NotNil(t, resp.UpdatedAt)
}

func TestServer_GetReport(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	rep := analyzer.Report{
		ID:              "done-1",
		URL:             "https://example.com",
		Timestamp:       time.Now().UTC(),
		DimensionScores: map[string]int{"color_harmony": 80},
		OverallScore:    80,
		AnalysisTimeMs:  1200,
	}
	require.NoError(t, h.store.SaveReport(context.Background(), "done-1", "u1", rep.URL, rep))

	rec := h.do(t, http.MethodGet, "/reports/done-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[analyzer.Report](t, rec)
	require.Equal(t, 80, got.OverallScore)
	require.Equal(t, "https://example.com", got.URL)
}

func TestServer_GetReport_Absent(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{})
	rec := h.do(t, http.MethodGet, "/reports/ghost", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "report not found")
}

func TestServer_APIKeyGuardsAPIRoutes(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{APIKey: "sekret"})

	denied := h.do(t, http.MethodPost, "/analyze", `{"url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusForbidden, denied.Code)

	allowed := h.do(t, http.MethodPost, "/analyze", `{"url":"https://example.com"}`,
		map[string]string{"X-API-Key": "sekret"})
	require.Equal(t, http.StatusAccepted, allowed.Code)

	// Probes and scrapers stay open.
	health := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, health.Code)

	metricsRec := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, metricsRec.Code)
}

func TestServer_APIKeyViaQueryParam(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, Config{APIKey: "sekret"})
	rec := h.do(t, http.MethodGet, "/queue/stats?api_key=sekret", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
