package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pdf-ebook-pipeline/internal/jobindex"
	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/pipeline"
)

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	id := chi.URLParam(r, "id")
	if !manifest.ValidJobID(id) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	m, err := s.store.GetJobOrThrow(r.Context(), id)
	switch {
	case errors.Is(err, manifest.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
		return
	case err != nil:
		s.logger.Error("api.job.load_failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type submitRequest struct {
	InputFile string `json:"inputFile"`
	Filename  string `json:"filename"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.InputFile == "" {
		writeError(w, http.StatusBadRequest, "inputFile is required")
		return
	}
	m, err := s.orch.Submit(r.Context(), req.Filename, req.InputFile)
	var trigErr *pipeline.TriggerError
	switch {
	case errors.As(err, &trigErr) && m != nil:
		// The manifest already shows the first step FAILED.
		s.logger.Warn("api.job.submit_trigger_failed", "job_id", m.ID, "error", err)
	case err != nil:
		s.logger.Error("api.job.submit_failed", "input", req.InputFile, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

type retryRequest struct {
	Step models.StepName `json:"step"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req retryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	step := req.Step
	if step == "" {
		step = models.Steps[0]
	}
	err := s.orch.Retry(r.Context(), id, step)
	var trigErr *pipeline.TriggerError
	switch {
	case errors.Is(err, pipeline.ErrUnknownStep):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manifest.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.As(err, &trigErr):
		writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		s.logger.Error("api.job.retry_failed", "job_id", id, "step", step, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to retry step")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "step": step})
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	q := r.URL.Query()
	ctx := r.Context()

	if q.Get("flat") == "1" || q.Get("flat") == "true" {
		summaries, err := s.catalog.AllJobsSummaries(ctx)
		if err != nil {
			s.logger.Error("api.jobs.list_failed", "error", err)
			summaries = []models.Summary{}
		}
		sort.SliceStable(summaries, func(i, j int) bool {
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		})
		writeJSON(w, http.StatusOK, summaries)
		return
	}

	opts := jobindex.ListOptions{
		Page:     atoiOr(q.Get("page"), 1),
		PageSize: atoiOr(q.Get("pageSize"), 0),
		Sort:     q.Get("sort"),
		Order:    q.Get("order"),
	}
	res, err := s.catalog.ListJobs(ctx, opts)
	if err != nil {
		// Listing is a dashboard convenience; an empty page beats an error screen.
		s.logger.Error("api.jobs.list_failed", "error", err)
		res = jobindex.Paginate(nil, opts)
	}
	if res.Jobs == nil {
		res.Jobs = []models.Summary{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit trail not configured")
		return
	}
	id := chi.URLParam(r, "id")
	events, err := s.audit.Events(r.Context(), id, atoiOr(r.URL.Query().Get("limit"), 200))
	if err != nil {
		s.logger.Error("api.audit.query_failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "events": events})
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	if s.reaper == nil {
		writeError(w, http.StatusNotFound, "reaper not configured")
		return
	}
	deleted, err := s.reaper.Reap(r.Context(), s.now())
	if err != nil {
		s.logger.Error("api.reap.failed", "deleted", deleted, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "deleted": deleted, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.export == nil {
		writeError(w, http.StatusNotFound, "export not configured")
		return
	}
	data, err := s.export.Workbook(r.Context())
	if err != nil {
		s.logger.Error("api.export.failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to build export")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func atoiOr(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
