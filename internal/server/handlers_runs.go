package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/storage"
)

// HandleListRuns handles GET /v1/threads/{thread_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// A missing thread reads as an empty run list only if the thread row is
	// gone; a soft-deleted thread still 404s here.
	if _, err := h.db.GetThread(r.Context(), threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
			return
		}
		h.logger.Error("list runs: get thread", "error", err, "thread_id", threadID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	runs, total, err := h.db.ListRunsByThread(r.Context(), threadID, limit, offset)
	if err != nil {
		h.logger.Error("list runs", "error", err, "thread_id", threadID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}

	writeList(w, r, runs, total, limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleListSteps handles GET /v1/runs/{run_id}/steps.
// Steps come back in start order, interleaving message and tool_call
// segments the way they happened.
func (h *Handlers) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("list steps: get run", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list steps")
		return
	}

	limit := queryLimit(r, 100)
	offset := queryOffset(r)

	steps, total, err := h.db.ListStepsByRun(r.Context(), runID, limit, offset)
	if err != nil {
		h.logger.Error("list steps", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list steps")
		return
	}

	writeList(w, r, steps, total, limit, offset)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
// Sets the cooperative cancel flag; the orchestrator picks it up on its
// next poll. Cancelling an already-terminal run is a no-op that reports
// the current status.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.RequestRunCancel(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("cancel run", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel run")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		h.logger.Error("cancel run: reload", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel run")
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"run_id":           run.ID,
		"status":           run.Status,
		"cancel_requested": run.CancelRequested,
	})
}
