package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/pipeline"
)

type stepRequest struct {
	ID string `json:"id"`
}

// handleRunStep runs one step for a job. With X-Trigger-Mode: async it
// accepts immediately and runs the step in the background; the caller is
// usually the previous step's trigger.
func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	step := models.StepName(chi.URLParam(r, "step"))
	if !models.IsValidStep(step) {
		writeError(w, http.StatusBadRequest, "unknown step")
		return
	}
	var req stepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !manifest.ValidJobID(req.ID) {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	if r.Header.Get(pipeline.TriggerModeHeader) == pipeline.TriggerModeAsync {
		s.orch.RunStepAsync(r.Context(), req.ID, step)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": req.ID, "step": step})
		return
	}

	res, err := s.orch.RunStep(r.Context(), req.ID, step)
	var stepErr *pipeline.StepError
	var trigErr *pipeline.TriggerError
	switch {
	case errors.As(err, &stepErr):
		writeError(w, http.StatusUnprocessableEntity, stepErr.Error())
	case errors.As(err, &trigErr):
		// The step itself finished; only the hand-off failed and the next
		// step is already marked FAILED.
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID, "file": res.File, "triggerError": trigErr.Error()})
	case err != nil:
		s.logger.Error("api.step.failed", "job_id", req.ID, "step", step, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID, "file": res.File})
	}
}
