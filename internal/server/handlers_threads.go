package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/storage"
)

// HandleCreateThread handles POST /v1/agents/{agent_id}/threads.
// Creates an empty thread ahead of its first turn; an omitted title is
// filled in from the first user message later.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req model.CreateThreadRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.AgentID = r.PathValue("agent_id")

	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	thread, err := h.db.CreateThread(r.Context(), req.AgentID, req.Title)
	if err != nil {
		h.logger.Error("create thread", "error", err, "agent_id", req.AgentID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create thread")
		return
	}

	writeJSON(w, r, http.StatusCreated, thread)
}

// HandleListThreads handles GET /v1/agents/{agent_id}/threads.
func (h *Handlers) HandleListThreads(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	threads, total, err := h.db.ListThreadsByAgent(r.Context(), agentID, limit, offset)
	if err != nil {
		h.logger.Error("list threads", "error", err, "agent_id", agentID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list threads")
		return
	}

	writeList(w, r, threads, total, limit, offset)
}

// HandleGetThread handles GET /v1/threads/{thread_id}.
// Returns the thread together with its full message history in
// chronological order.
func (h *Handlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	thread, err := h.db.GetThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
			return
		}
		h.logger.Error("get thread", "error", err, "thread_id", threadID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get thread")
		return
	}

	messages, err := h.db.ListMessagesByThread(r.Context(), threadID)
	if err != nil {
		h.logger.Error("list thread messages", "error", err, "thread_id", threadID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load messages")
		return
	}

	writeJSON(w, r, http.StatusOK, model.ThreadWithMessages{
		Thread:   thread,
		Messages: messages,
	})
}

// HandleDeleteThread handles DELETE /v1/threads/{thread_id}.
// Soft-deletes by default; ?hard=true removes the thread and its runs,
// steps, and messages permanently.
func (h *Handlers) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hard := r.URL.Query().Get("hard") == "true"
	if hard {
		err = h.db.HardDeleteThread(r.Context(), threadID)
	} else {
		err = h.db.SoftDeleteThread(r.Context(), threadID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
			return
		}
		h.logger.Error("delete thread", "error", err, "thread_id", threadID, "hard", hard)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete thread")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"deleted": true,
		"hard":    hard,
	})
}
