// Package api exposes the job, step, upload and maintenance endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pdf-ebook-pipeline/internal/config"
	"pdf-ebook-pipeline/internal/jobindex"
	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
	"pdf-ebook-pipeline/internal/ratelimit"
	"pdf-ebook-pipeline/internal/telemetry"
)

// Limiter admits or rejects a request for key.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// AuditLog reads a job's recorded transitions.
type AuditLog interface {
	Events(ctx context.Context, jobID string, limit int) ([]pipeline.Event, error)
}

// Workbook renders the job export.
type Workbook interface {
	Workbook(ctx context.Context) ([]byte, error)
}

// Deps are the collaborators the server routes to. Limiter, Audit and
// Export are optional.
type Deps struct {
	Config       config.Config
	Orchestrator *pipeline.Orchestrator
	Objects      *objectstore.Client
	Catalog      *jobindex.Catalog
	Reaper       *jobindex.Reaper
	Limiter      Limiter
	Audit        AuditLog
	Export       Workbook
	Logger       *slog.Logger
}

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	cfg       config.Config
	orch      *pipeline.Orchestrator
	store     *manifest.Store
	objects   *objectstore.Client
	catalog   *jobindex.Catalog
	reaper    *jobindex.Reaper
	limiter   Limiter
	audit     AuditLog
	export    Workbook
	logger    *slog.Logger
	now       func() time.Time
	newFileID func() string
}

// New constructs the API server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       d.Config,
		orch:      d.Orchestrator,
		store:     d.Orchestrator.Store(),
		objects:   d.Objects,
		catalog:   d.Catalog,
		reaper:    d.Reaper,
		limiter:   d.Limiter,
		audit:     d.Audit,
		export:    d.Export,
		logger:    logger,
		now:       time.Now,
		newFileID: newUUID,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Get("/jobs/{id}/audit", s.handleAudit)
		r.Post("/steps/{step}", s.handleRunStep)
		r.Post("/upload", s.handleUpload)
		r.Post("/reap", s.handleReap)
		r.Get("/export.xlsx", s.handleExport)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("api.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
