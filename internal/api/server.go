package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lenslate/internal/auth"
	"lenslate/internal/config"
	"lenslate/internal/export"
	"lenslate/internal/lens"
	"lenslate/internal/metrics"
	"lenslate/internal/queue"
	"lenslate/internal/store"
	"lenslate/internal/sysinfo"
)

// Dispatcher is the slice of the worker coordinator the intake endpoints use.
type Dispatcher interface {
	Submit(item lens.QueueItem) error
	Started() bool
}

// BrowserState reports on the shared headless browser for the status endpoint.
type BrowserState interface {
	Alive() bool
	Inflight() int
}

// Deps bundles everything the HTTP layer talks to. Runs, Tokens, Sys, and
// Browser may be nil; the matching endpoints then degrade or disappear.
type Deps struct {
	Results      lens.ResultStore
	Dispatcher   Dispatcher
	StartWorkers func()
	Queues       *queue.Set
	IDGen        lens.IDGenerator
	Clock        lens.Clock
	Hub          *Hub
	Runs         store.RunRepository
	Tokens       *auth.Service
	Sys          *sysinfo.Collector
	Browser      BrowserState
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	deps    Deps
	cfg     config.Config
	logger  *zap.Logger
	runs    *RunsHandler
	started time.Time
	router  chi.Router
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		runs:    NewRunsHandler(deps.Runs, logger.Named("runs")),
		started: deps.Clock.Now(),
	}

	reqTimeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
	if reqTimeout <= 0 {
		reqTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	// The upgrade hijacks the connection, so the websocket route stays
	// outside the timeout and metrics wrappers.
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(metrics.Middleware)
		r.Use(timeoutMiddleware(reqTimeout))

		r.Get("/health", s.health)
		r.Head("/health", s.health)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.Get("/status", s.status)

		r.Post("/translate", s.submitJob)
		r.Route("/translate/{job_id}", func(r chi.Router) {
			r.Get("/", s.pollJob)
			r.Get("/export", s.exportJob)
		})

		if deps.Tokens != nil {
			r.Post("/auth/token", s.issueToken)
		}

		r.Route("/api/runs", func(r chi.Router) {
			r.Get("/", s.runs.ListRuns)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.runs.GetRun)
				r.Get("/hosts", s.runs.ListRunHosts)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"timestamp": s.deps.Clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Queues == nil || s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var job lens.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.ensureWorkers()
	if err := job.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := lens.ParseMode(job.Mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.IDGen.NewID()
	if err != nil {
		s.logger.Error("job id generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate job id")
		return
	}
	job.Metadata.AppendStage(lens.StageReceivedREST, s.deps.Clock.Now())

	if err := s.enqueue(r.Context(), id, job, "rest"); err != nil {
		if errors.Is(err, lens.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, lens.ErrQueueFull.Error())
			return
		}
		s.logger.Error("job enqueue failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

// enqueue hands the job to the dispatcher, then records the queued result.
// The submit happens first so a full queue leaves nothing behind to poll.
func (s *Server) enqueue(ctx context.Context, id string, job lens.Job, transport string) error {
	item := lens.QueueItem{
		ID:        id,
		Job:       job,
		Submitted: s.deps.Clock.Now().Unix(),
	}
	if err := s.deps.Dispatcher.Submit(item); err != nil {
		return err
	}
	if err := s.deps.Results.CreateQueued(ctx, id); err != nil {
		s.logger.Error("queued result write failed", zap.String("job_id", id), zap.Error(err))
	}
	metrics.ObserveJobSubmitted(job.Mode, transport)
	return nil
}

func (s *Server) ensureWorkers() {
	if s.deps.StartWorkers != nil {
		s.deps.StartWorkers()
	}
}

func (s *Server) pollJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	res, err := s.deps.Results.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, lens.ErrUnknownJob.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) exportJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	res, err := s.deps.Results.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, lens.ErrUnknownJob.Error())
		return
	}
	if res.Status != lens.StatusDone {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, not done", res.Status))
		return
	}
	wb, err := export.Workbook(export.Rows(res.Payload))
	if err != nil {
		s.logger.Error("export build failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build export")
		return
	}
	defer func() {
		if cerr := wb.Close(); cerr != nil {
			s.logger.Debug("workbook close failed", zap.Error(cerr))
		}
	}()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	if err := wb.Write(w); err != nil {
		s.logger.Debug("export write failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	service := map[string]any{
		"uptime_seconds":  int64(s.deps.Clock.Now().Sub(s.started).Seconds()),
		"workers_started": s.deps.Dispatcher != nil && s.deps.Dispatcher.Started(),
		"workers": map[string]int{
			string(lens.ModeImages): s.cfg.Workers.Images,
			string(lens.ModeText):   s.cfg.Workers.Text,
		},
	}
	if s.deps.Queues != nil {
		service["queue_depth"] = s.deps.Queues.Depths()
	}
	if counter, ok := s.deps.Results.(interface{ Len() int }); ok {
		service["results_held"] = counter.Len()
	}
	if s.deps.Hub != nil {
		service["ws_clients"] = s.deps.Hub.ClientCount()
	}
	if s.deps.Browser != nil {
		service["browser"] = map[string]any{
			"alive":         s.deps.Browser.Alive(),
			"inflight_tabs": s.deps.Browser.Inflight(),
		}
	}

	body := map[string]any{
		"timestamp": s.deps.Clock.Now().UTC().Format(time.RFC3339),
		"service":   service,
	}
	if s.deps.Sys != nil {
		body["host"] = s.deps.Sys.Collect(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

type tokenRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = "anonymous"
	}
	token, expiresAt, err := s.deps.Tokens.Issue(clientID)
	if err != nil {
		s.logger.Error("token issue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
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
