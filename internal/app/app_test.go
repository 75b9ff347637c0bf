package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/app"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/extractor"
)

const eventually = 10 * time.Second

// stubExtractor serves the same signals for every URL, with no browser
// behind it.
type stubExtractor struct {
	mu      sync.Mutex
	opens   int
	signals analyzer.ExtractedSignals
	png     []byte
}

func (s *stubExtractor) Open(context.Context, string) (extractor.Session, error) {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return &stubSession{signals: s.signals, png: s.png}, nil
}

func (s *stubExtractor) Extract(ctx context.Context, url string) (analyzer.ExtractedSignals, error) {
	sess, err := s.Open(ctx, url)
	if err != nil {
		return analyzer.ExtractedSignals{}, err
	}
	defer func() { _ = sess.Close(ctx) }()
	if err := sess.Navigate(ctx); err != nil {
		return analyzer.ExtractedSignals{}, err
	}
	sig, err := sess.Signals(ctx)
	if err != nil {
		return analyzer.ExtractedSignals{}, err
	}
	sig.ScreenshotPNG, _ = sess.Screenshot(ctx)
	return sig, nil
}

func (s *stubExtractor) Close() error { return nil }

func (s *stubExtractor) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type stubSession struct {
	signals analyzer.ExtractedSignals
	png     []byte
}

func (s *stubSession) Navigate(context.Context) error { return nil }

func (s *stubSession) Screenshot(context.Context) ([]byte, error) { return s.png, nil }

func (s *stubSession) Signals(context.Context) (analyzer.ExtractedSignals, error) {
	return s.signals, nil
}

func (s *stubSession) Close(context.Context) error { return nil }

func landingSignals() analyzer.ExtractedSignals {
	return analyzer.ExtractedSignals{
		Colors: []string{"#0a0a0a", "#fafafa", "#3b82f6"},
		Typography: analyzer.Typography{
			FontFamilies: []string{"Inter", "Inter"},
			FontSizes:    []float64{14, 18, 32},
		},
		ElementCount: 180,
		CTAs: []analyzer.CTA{
			{Text: "Start free trial", IsButton: true},
			{Text: "Contact sales", IsButton: false},
		},
	}
}

func newStubExtractor() *stubExtractor {
	return &stubExtractor{signals: landingSignals(), png: []byte("png bytes")}
}

// testConfig starts from the defaults and tightens the timings so a full
// enqueue-to-report cycle finishes in milliseconds. The probe is disabled
// because nothing in these tests should touch the network.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Worker.JobTimeout = 5 * time.Second
	cfg.Worker.DrainTimeout = time.Second
	cfg.Worker.LeaseRatePerMinute = 60_000
	cfg.Probe.Enabled = false
	cfg.Progress.MaxBatchWait = 10 * time.Millisecond
	return cfg
}

func buildApp(t *testing.T, cfg config.Config, ex extractor.Extractor) *app.App {
	t.Helper()
	a, err := app.Build(context.Background(), cfg, zap.NewNop(),
		app.WithExtractor(ex),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return a
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuild_MemoryBackends(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig(t), newStubExtractor())
	require.NotNil(t, a.Handler())

	rec := doJSON(t, a.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Close(context.Background()))
}

func TestBuild_SQLiteQueueBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Queue.Backend = "sqlite"
	cfg.Queue.SQLitePath = filepath.Join(t.TempDir(), "queue.db")

	a := buildApp(t, cfg, newStubExtractor())
	require.NoError(t, a.Close(context.Background()))
}

func TestBuild_QueueInitError(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Queue.Backend = "sqlite"
	cfg.Queue.SQLitePath = filepath.Join(t.TempDir(), "missing", "queue.db")

	_, err := app.Build(context.Background(), cfg, zap.NewNop(),
		app.WithExtractor(newStubExtractor()),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sqlite queue init failed")
}

// TestApp_AnalyzeFlow drives the whole service in-process: submit over HTTP,
// watch the job run through the pool, then read back the stored report.
func TestApp_AnalyzeFlow(t *testing.T) {
	t.Parallel()

	stub := newStubExtractor()
	a := buildApp(t, testConfig(t), stub)
	handler := a.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	rec := doJSON(t, handler, http.MethodPost, "/analyze", map[string]any{
		"jobId":         "job-flow",
		"url":           "https://Example.com",
		"userId":        "user-7",
		"weeklyTraffic": 150000,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted struct {
		JobID string `json:"jobId"`
		Mode  string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.Equal(t, "job-flow", accepted.JobID)
	require.Equal(t, "queued", accepted.Mode)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/jobs/job-flow", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		var out struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			return false
		}
		return out.Status == string(analyzer.JobStatusCompleted)
	}, eventually, 20*time.Millisecond)

	rec = doJSON(t, handler, http.MethodGet, "/reports/job-flow", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rep analyzer.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, "job-flow", rep.ID)
	require.Equal(t, "https://example.com", rep.URL)
	require.Len(t, rep.DimensionScores, 7)
	require.Greater(t, rep.OverallScore, 0)
	require.LessOrEqual(t, rep.OverallScore, 100)
	require.NotEmpty(t, rep.ScreenshotRef)

	require.Equal(t, 1, stub.openCount())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig(t), newStubExtractor())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestAnalyzeOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	// The one-shot path must ignore configured external backends; these
	// would fail to initialize if it honored them.
	cfg.Queue.Backend = "sqlite"
	cfg.Queue.SQLitePath = filepath.Join(t.TempDir(), "missing", "queue.db")
	cfg.Storage.StatusBackend = "postgres"
	cfg.Storage.DSN = ""

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	rep, err := app.AnalyzeOnce(ctx, cfg, zap.NewNop(), "https://example.com/pricing",
		app.WithExtractor(newStubExtractor()),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/pricing", rep.URL)
	require.Len(t, rep.DimensionScores, 7)
	require.Greater(t, rep.OverallScore, 0)
}

func TestAnalyzeOnce_RejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := app.AnalyzeOnce(context.Background(), testConfig(t), zap.NewNop(), "ftp://example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "scheme")
}
