package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/metrics"
	"github.com/sitelens/sitelens/internal/queue"
	"github.com/sitelens/sitelens/internal/storage"
)

const (
	defaultRequestTimeout = 30 * time.Second

	// enqueueTimeout bounds the queue write inside the submission handler.
	enqueueTimeout = 5 * time.Second
)

// IDGenerator mints ids for submissions that do not provide one.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls server-level middleware.
type Config struct {
	// RequestTimeout bounds end-to-end handler time.
	RequestTimeout time.Duration
	// APIKey enables request authentication when non-empty. Health and
	// metrics stay open for probes and scrapers.
	APIKey string
}

// Server wires HTTP handlers to the queue and status store.
type Server struct {
	router chi.Router
	queue  queue.Queue
	store  storage.StatusStore
	idGen  IDGenerator
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	q queue.Queue,
	store storage.StatusStore,
	idGen IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	// The middleware records into the collectors, so they must exist
	// before the first request.
	metrics.Init()
	s := &Server{
		queue:  q,
		store:  store,
		idGen:  idGen,
		logger: logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/analyze", s.analyze)
		r.Get("/queue/stats", s.queueStats)
		r.Post("/queue/retry/{jobID}", s.retryJob)
		r.Get("/jobs/{jobID}", s.getJob)
		r.Get("/reports/{jobID}", s.getReport)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type analyzeRequest struct {
	JobID         string `json:"jobId"`
	URL           string `json:"url"`
	UserID        string `json:"userId"`
	WeeklyTraffic int    `json:"weeklyTraffic"`
}

type analyzeResponse struct {
	JobID string `json:"jobId"`
	Mode  string `json:"mode"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	normalized, err := NormalizeURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID := req.JobID
	if jobID == "" {
		jobID, err = s.idGen.NewID()
		if err != nil {
			s.logger.Error("id generation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "generate job id")
			return
		}
	}

	job := analyzer.Job{
		ID:       jobID,
		URL:      normalized,
		UserID:   req.UserID,
		Priority: priorityForTraffic(req.WeeklyTraffic),
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	queued, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		var dup *queue.DuplicateJobError
		switch {
		case errors.As(err, &dup):
			writeError(w, http.StatusConflict, dup.Error())
		case errors.Is(err, queue.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		default:
			s.logger.Error("enqueue failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "enqueue failed")
		}
		return
	}

	s.mirrorQueued(ctx, queued.ID)

	writeJSON(w, http.StatusAccepted, analyzeResponse{JobID: queued.ID, Mode: "queued"})
}

// priorityForTraffic maps reported weekly traffic to a queue priority.
// Busier sites analyze first.
func priorityForTraffic(weekly int) int {
	switch {
	case weekly >= 100_000:
		return 1
	case weekly >= 10_000:
		return 5
	default:
		return 10
	}
}

// mirrorQueued records the queued state in the status store so the job is
// visible there from submission onward. Best effort, like the worker's
// status writes.
func (s *Server) mirrorQueued(ctx context.Context, jobID string) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, analyzer.JobStatusQueued, ""); err != nil {
		s.logger.Warn("status mirror failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

type healthResponse struct {
	Status string      `json:"status"`
	Mode   string      `json:"mode"`
	Queue  queueCounts `json:"queue"`
}

type queueCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Mode: "queued"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Mode:   "queued",
		Queue: queueCounts{
			Waiting:   stats.Queued,
			Active:    stats.Active,
			Completed: stats.Completed,
			Failed:    stats.Failed,
			Delayed:   stats.Delayed,
		},
	})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		s.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.queue.Retry(r.Context(), jobID)
	switch {
	case err == nil:
		s.mirrorQueued(r.Context(), jobID)
		writeJSON(w, http.StatusOK, jobResponseFromJob(job))
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrJobNotFailed):
		writeError(w, http.StatusBadRequest, "job is not failed")
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
	default:
		s.logger.Error("retry failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "retry failed")
	}
}

type jobResponse struct {
	JobID        string             `json:"jobId"`
	URL          string             `json:"url,omitempty"`
	Status       analyzer.JobStatus `json:"status"`
	Progress     analyzer.Progress  `json:"progress"`
	AttemptsMade int                `json:"attemptsMade"`
	MaxAttempts  int                `json:"maxAttempts,omitempty"`
	StalledCount int                `json:"stalledCount,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
	CreatedAt    *time.Time         `json:"createdAt,omitempty"`
	FinishedAt   *time.Time         `json:"finishedAt,omitempty"`
	UpdatedAt    *time.Time         `json:"updatedAt,omitempty"`
}

func jobResponseFromJob(job analyzer.Job) jobResponse {
	resp := jobResponse{
		JobID:        job.ID,
		URL:          job.URL,
		Status:       job.Status,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		StalledCount: job.StalledCount,
		LastError:    job.LastError,
		FinishedAt:   job.FinishedAt,
	}
	if !job.CreatedAt.IsZero() {
		created := job.CreatedAt
		resp.CreatedAt = &created
	}
	return resp
}

func jobResponseFromRecord(rec storage.JobRecord) jobResponse {
	resp := jobResponse{
		JobID:     rec.ID,
		Status:    rec.Status,
		Progress:  rec.Progress,
		LastError: rec.LastError,
	}
	if !rec.UpdatedAt.IsZero() {
		updated := rec.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.queue.Job(r.Context(), jobID)
	if err == nil {
		writeJSON(w, http.StatusOK, jobResponseFromJob(job))
		return
	}
	if !errors.Is(err, queue.ErrJobNotFound) && !errors.Is(err, queue.ErrClosed) {
		s.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	// Terminal jobs outlive queue retention in the status store.
	rec, err := s.store.Job(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, jobResponseFromRecord(rec))
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if s.store == nil {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	rep, err := s.store.Report(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error("report lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// An encode failure means the client went away.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
