package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/audit"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/logstream"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/metrics"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/store"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

const maxRequestBody = 1 << 20

type server struct {
	store   *store.Store
	cfg     controlConfig
	log     *audit.Logger
	metrics *metrics.Registry
	sim     *simulator
	// bg tracks simulator goroutines so shutdown can wait for them.
	bg sync.WaitGroup
}

func newServer(ctx context.Context, s *store.Store, cfg controlConfig, logger *audit.Logger, m *metrics.Registry) *server {
	srv := &server{store: s, cfg: cfg, log: logger, metrics: m}
	if cfg.simulateDelay > 0 {
		srv.sim = &simulator{
			ctx:     ctx,
			store:   s,
			delay:   cfg.simulateDelay,
			step:    cfg.simulateStep,
			log:     audit.New("simulator"),
			metrics: m,
		}
	}
	return srv
}

func (s *server) wait() {
	s.bg.Wait()
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Get("/metrics", s.metricsDump)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/cancel", s.cancelJob)
		r.Get("/{id}/logs", s.jobLogs)

		r.Group(func(r chi.Router) {
			r.Use(s.requireWorkerSecret)
			r.Post("/{id}/start", s.startJob)
			r.Post("/{id}/append", s.appendLogs)
			r.Post("/{id}/complete", s.completeJob)
		})
	})
	r.With(s.requireWorkerSecret).Post("/workers/claim", s.claimJob)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})
	return r
}

// newHTTPHandler wraps the router with panic recovery and a combined access
// log written to accessLog.
func newHTTPHandler(s *server, accessLog io.Writer) http.Handler {
	recovery := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))
	return recovery(handlers.CombinedLoggingHandler(accessLog, s.routes()))
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *server) metricsDump(w http.ResponseWriter, r *http.Request) {
	counts := map[xibalba.State]int64{}
	for _, job := range s.store.List(r.Context()) {
		counts[job.State]++
	}
	for _, st := range []xibalba.State{xibalba.StatePending, xibalba.StateClaimed, xibalba.StateRunning, xibalba.StateSuccess, xibalba.StateFailed, xibalba.StateCanceled} {
		s.metrics.Measure("jobs."+strings.ToLower(string(st)), counts[st])
	}
	w.Header().Set("Content-Type", "application/json")
	s.metrics.WriteJSON(w)
}

func (s *server) createJob(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	var req xibalba.CreateJobRequest
	if err := s.decodeJSON(w, r, &req, requestID); err != nil {
		s.log.Warn("control.jobs_create", requestID, map[string]any{
			"status_code": http.StatusBadRequest,
			"error":       err.Error(),
		})
		return
	}
	job, err := s.store.CreateJob(r.Context(), req)
	if err != nil {
		s.fail(w, "control.jobs_create", requestID, err, nil)
		return
	}
	s.metrics.Increment("job.create.success")
	s.log.Info("control.jobs_create", requestID, map[string]any{
		"status_code": http.StatusCreated,
		"job_id":      job.JobID,
		"repo":        job.Repo,
		"ref":         job.Ref,
		"runtime":     job.Runtime,
	})
	if s.sim != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.sim.run(job.JobID)
		}()
	}
	writeJSON(w, http.StatusCreated, job.Summary())
}

func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	stateFilter := xibalba.State(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state"))))
	if stateFilter != "" && !stateFilter.Valid() {
		s.fail(w, "control.jobs_list", requestID, xibalba.ErrInvalidRequest, map[string]any{"state_filter": stateFilter})
		return
	}
	jobs := s.store.List(r.Context())
	out := make([]xibalba.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		if stateFilter != "" && job.State != stateFilter {
			continue
		}
		out = append(out, job.Summary())
	}
	s.log.Info("control.jobs_list", requestID, map[string]any{
		"status_code":  http.StatusOK,
		"state_filter": stateFilter,
		"count":        len(out),
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	jobID := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		s.fail(w, "control.job_get", requestID, err, map[string]any{"job_id": jobID})
		return
	}
	writeJSON(w, http.StatusOK, job.Details())
}

func (s *server) cancelJob(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	jobID := chi.URLParam(r, "id")
	job, err := s.store.CancelJob(r.Context(), jobID)
	if err != nil {
		s.fail(w, "control.job_cancel", requestID, err, map[string]any{"job_id": jobID})
		return
	}
	s.metrics.Increment("job.cancel")
	s.log.Info("control.job_cancel", requestID, map[string]any{
		"status_code": http.StatusNoContent,
		"job_id":      jobID,
		"state":       job.State,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) jobLogs(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	jobID := chi.URLParam(r, "id")
	tail := int(s.cfg.logTailDefault)
	if raw := strings.TrimSpace(r.URL.Query().Get("tail")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(w, "control.job_logs", requestID, xibalba.ErrInvalidRequest, map[string]any{"job_id": jobID, "tail": raw})
			return
		}
		tail = n
	}
	if tail <= 0 {
		tail = logstream.DefaultTail
	}
	entries, err := s.store.Logs(r.Context(), jobID, tail)
	if err != nil {
		s.fail(w, "control.job_logs", requestID, err, map[string]any{"job_id": jobID})
		return
	}
	writeJSON(w, http.StatusOK, logstream.Lines(entries))
}

func (s *server) claimJob(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	start := time.Now()
	var req xibalba.ClaimRequest
	if err := s.decodeJSON(w, r, &req, requestID); err != nil {
		return
	}
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	job, ok, err := s.store.ClaimOldest(r.Context(), req.WorkerID, strings.TrimSpace(req.RuntimePref))
	s.metrics.Since("claim.latency", start)
	if err != nil {
		s.metrics.Increment("claim.error")
		s.fail(w, "control.claim", requestID, err, map[string]any{"worker_id": req.WorkerID})
		return
	}
	if !ok {
		s.metrics.Increment("claim.empty")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.metrics.Increment("claim.success")
	s.log.Info("control.claim", requestID, map[string]any{
		"status_code":  http.StatusOK,
		"job_id":       job.JobID,
		"worker_id":    req.WorkerID,
		"runtime_pref": req.RuntimePref,
	})
	writeJSON(w, http.StatusOK, job.Assignment())
}

func (s *server) startJob(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	jobID := chi.URLParam(r, "id")
	var req xibalba.StartRequest
	if err := s.decodeJSON(w, r, &req, requestID); err != nil {
		return
	}
	job, err := s.store.StartJob(r.Context(), jobID, strings.TrimSpace(req.WorkerID))
	if err != nil {
		s.fail(w, "control.start", requestID, err, map[string]any{"job_id": jobID, "worker_id": req.WorkerID})
		return
	}
	s.log.Info("control.start", requestID, map[string]any{
		"status_code": http.StatusOK,
		"job_id":      jobID,
		"worker_id":   req.WorkerID,
		"state":       job.State,
	})
	writeJSON(w, http.StatusOK, xibalba.StateResponse{JobID: job.JobID, State: job.State})
}

func (s *server) appendLogs(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	jobID := chi.URLParam(r, "id")
	var req xibalba.AppendLogRequest
	if err := s.decodeJSON(w, r, &req, requestID); err != nil {
		return
	}
	if err := s.store.AppendLogs(r.Context(), jobID, strings.TrimSpace(req.WorkerID), req.Lines); err != nil {
		s.fail(w, "control.append", requestID, err, map[string]any{"job_id": jobID, "worker_id": req.WorkerID})
		return
	}
	s.metrics.Increment("append.success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) completeJob(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromHTTP(w, r)
	jobID := chi.URLParam(r, "id")
	var req xibalba.CompleteRequest
	if err := s.decodeJSON(w, r, &req, requestID); err != nil {
		return
	}
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	job, err := s.store.CompleteJob(r.Context(), jobID, req)
	if err != nil {
		s.metrics.Increment("complete.error")
		s.fail(w, "control.complete", requestID, err, map[string]any{"job_id": jobID, "worker_id": req.WorkerID})
		return
	}
	s.metrics.Increment("complete.success")
	s.log.Info("control.complete", requestID, map[string]any{
		"status_code": http.StatusOK,
		"job_id":      jobID,
		"worker_id":   req.WorkerID,
		"exit_code":   req.ExitCode,
		"success":     req.Success,
		"state":       job.State,
	})
	writeJSON(w, http.StatusOK, xibalba.StateResponse{JobID: job.JobID, State: job.State})
}

// requireWorkerSecret rejects worker calls whose X-Worker-Secret header does
// not match. An empty configured secret accepts everything.
func (s *server) requireWorkerSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.workerSecret != "" && !tokenMatches(r.Header.Get(workerSecretHeader), s.cfg.workerSecret) {
			s.metrics.Increment("auth.error")
			requestID := requestIDFromHTTP(w, r)
			s.fail(w, "control.auth", requestID, xibalba.ErrInvalidSecret, map[string]any{"path": r.URL.Path})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenMatches(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// statusForError maps store and lifecycle errors onto HTTP codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, xibalba.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, xibalba.ErrWorkerMismatch), errors.Is(err, xibalba.ErrInvalidSecret):
		return http.StatusForbidden
	case errors.Is(err, xibalba.ErrEmptyCommand), errors.Is(err, xibalba.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, xibalba.ErrNotClaimed), errors.Is(err, xibalba.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, event, requestID string, err error, fields map[string]any) {
	status := statusForError(err)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status_code"] = status
	fields["error"] = err.Error()
	level := "warn"
	if status >= http.StatusInternalServerError {
		level = "error"
	}
	s.log.Event(level, event, requestID, fields)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, requestID string) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		s.log.Warn("control.request_decode_error", requestID, map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestIDFromHTTP(w http.ResponseWriter, r *http.Request) string {
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if requestID == "" {
		requestID = xibalba.NewJobID()
	}
	w.Header().Set("X-Request-ID", requestID)
	return requestID
}
