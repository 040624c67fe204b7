package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sparepart-scheduler/internal/admission"
	"github.com/JakeFAU/sparepart-scheduler/internal/logging"
	"github.com/JakeFAU/sparepart-scheduler/internal/metrics"
	"github.com/JakeFAU/sparepart-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readinessTimeout      = 3 * time.Second
	maxBodyBytes          = 1 << 20
	defaultFinishReason   = "finished"
)

// Admission is the admission controller surface served over HTTP.
type Admission interface {
	SubmitOrQueue(ctx context.Context, req admission.Request) (scheduler.Result, error)
	Queues(ctx context.Context) (map[string][]scheduler.QueueEntry, error)
	CancelQueued(ctx context.Context, spider string, id int64) (bool, error)
	Job(ctx context.Context, jobID string) (scheduler.Job, error)
}

// Callbacks accepts job completion notifications.
type Callbacks interface {
	CompleteAsync(spider, jobID, reason string)
}

// Options tunes the HTTP layer.
type Options struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
	// Limiter throttles each client address. Nil disables limiting.
	Limiter *ratelimit.Limiter
}

// Server wires HTTP handlers to the admission controller and the backend.
type Server struct {
	router    chi.Router
	admission Admission
	callbacks Callbacks
	backend   scheduler.Backend
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	adm Admission,
	callbacks Callbacks,
	backend scheduler.Backend,
	opts Options,
	logger *zap.Logger,
) *Server {
	s := &Server{
		admission: adm,
		callbacks: callbacks,
		backend:   backend,
		logger:    logging.Named(logger, "api"),
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		if opts.Limiter.Enabled() {
			r.Use(rateLimitMiddleware(opts.Limiter))
		}

		r.Get("/crawl", s.crawl)
		r.Post("/v1/crawl", s.crawlJSON)
		r.Get("/queue_list", s.queueList)
		r.Get("/cancel_queue/{spider}/{queue_id}", s.cancelQueue)
		r.Delete("/cancel_queue/{spider}/{queue_id}", s.cancelQueue)
		r.Get("/crawler_queue_check/{spider}/{job_id}", s.queueCheck)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/cancel_job/{job_id}", s.cancelJob)
		r.Post("/cancel_job/{job_id}", s.cancelJob)
		r.Get("/logs/{spider}/{job_id}", s.jobLog)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the execution backend answers a listing.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if _, err := s.backend.ListJobs(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	params, err := scheduler.ParseQuery(r.URL.RawQuery)
	if err != nil {
		err = fmt.Errorf("%w: %w", scheduler.ErrValidation, err)
		writeResult(w, failureResult(err), err)
		return
	}
	s.submit(w, r, admission.Request{Spider: params.Value("spider"), Params: params})
}

type crawlRequest struct {
	Spider string           `json:"spider"`
	Params scheduler.Params `json:"params"`
}

func (s *Server) crawlJSON(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		err = fmt.Errorf("%w: invalid JSON: %w", scheduler.ErrValidation, err)
		writeResult(w, failureResult(err), err)
		return
	}
	s.submit(w, r, admission.Request{Spider: req.Spider, Params: req.Params})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req admission.Request) {
	res, err := s.admission.SubmitOrQueue(r.Context(), req)
	if err != nil {
		s.logger.Info("crawl request not admitted",
			zap.String("spider", req.Spider), zap.String("request_id", requestID(r.Context())), zap.Error(err))
	}
	writeResult(w, res, err)
}

func (s *Server) queueList(w http.ResponseWriter, r *http.Request) {
	queues, err := s.admission.Queues(r.Context())
	if err != nil {
		s.logger.Error("list queues failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "queues": queues})
}

func (s *Server) cancelQueue(w http.ResponseWriter, r *http.Request) {
	spider := chi.URLParam(r, "spider")
	id, err := strconv.ParseInt(chi.URLParam(r, "queue_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "queue_id must be a positive integer")
		return
	}
	removed, err := s.admission.CancelQueued(r.Context(), spider, id)
	if err != nil {
		s.logger.Error("cancel queue entry failed", zap.String("spider", spider), zap.Int64("queue_id", id), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	if !removed {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": fmt.Sprintf("Queue %d for spider %s not found", id, spider),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  fmt.Sprintf("Queue %d for spider %s has been cancelled", id, spider),
		"queue_id": id,
	})
}

// queueCheck acknowledges a completion callback immediately and runs the
// finalize and drain in the background.
func (s *Server) queueCheck(w http.ResponseWriter, r *http.Request) {
	spider := chi.URLParam(r, "spider")
	jobID := chi.URLParam(r, "job_id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = defaultFinishReason
	}
	s.callbacks.CompleteAsync(spider, jobID, reason)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	listing, err := s.backend.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list backend jobs failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"pending": nonNil(listing.Pending),
		"running": nonNil(listing.Running),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.admission.Job(r.Context(), jobID)
	if errors.Is(err, scheduler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	cancelled, err := s.backend.Cancel(r.Context(), jobID)
	if err != nil {
		s.logger.Error("cancel backend job failed", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "job_id": jobID, "message": err.Error()})
		return
	}
	msg := fmt.Sprintf("Job %s has been cancelled", jobID)
	if !cancelled {
		msg = fmt.Sprintf("Job %s is not running", jobID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": cancelled, "job_id": jobID, "message": msg})
}

func (s *Server) jobLog(w http.ResponseWriter, r *http.Request) {
	spider := chi.URLParam(r, "spider")
	jobID := chi.URLParam(r, "job_id")
	text, err := s.backend.FetchLog(r.Context(), spider, jobID)
	if errors.Is(err, scheduler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		s.logger.Error("fetch log failed", zap.String("spider", spider), zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "execution backend unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(text)); err != nil {
		s.logger.Debug("write log body failed", zap.Error(err))
	}
}

func failureResult(err error) scheduler.Result {
	return scheduler.Result{Success: false, Status: scheduler.OutcomeError, Message: err.Error()}
}

// writeResult maps validation failures to 400 and reports everything else
// as 200 with the structured body.
func writeResult(w http.ResponseWriter, res scheduler.Result, err error) {
	status := http.StatusOK
	if errors.Is(err, scheduler.ErrValidation) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func nonNil(jobs []scheduler.BackendJob) []scheduler.BackendJob {
	if jobs == nil {
		return []scheduler.BackendJob{}
	}
	return jobs
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitMiddleware(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientKey(r)) {
				metrics.ObserveRateLimited(routePrefix(r.URL.Path))
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routePrefix keeps metric labels bounded by dropping path parameters.
func routePrefix(p string) string {
	first, _, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	return "/" + first
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
