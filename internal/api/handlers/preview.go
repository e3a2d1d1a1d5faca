package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ── Preview Handlers ─────────────────────────────────────────

func (h *Handlers) GetPreviewStatus(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	status, err := h.Previews.GetPreviewStatus(r.Context(), project.ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type startPreviewRequest struct {
	EnvVars map[string]string `json:"env_vars"`
}

func (h *Handlers) StartPreview(w http.ResponseWriter, r *http.Request) {
	project, identity, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var req startPreviewRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sessionID := chi.URLParam(r, "sessionID")
	status, err := h.Previews.StartPreview(r.Context(), project.ID, sessionID, gitToken(r), req.EnvVars)
	if err != nil {
		respondFault(w, r, err)
		return
	}

	log.Info().
		Str("project_id", project.ID).
		Str("session_id", sessionID).
		Str("user_id", identity.UserID).
		Msg("Preview start requested")
	respondJSON(w, http.StatusOK, status)
}

func (h *Handlers) StopPreview(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	if err := h.Previews.StopPreview(r.Context(), project.ID, chi.URLParam(r, "sessionID")); err != nil {
		respondFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) RestartPreview(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	status, err := h.Previews.RestartPreviewContainer(r.Context(), project.ID, chi.URLParam(r, "sessionID"), gitToken(r))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

const defaultLogTail = 200

func (h *Handlers) PreviewLogs(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = n
	}

	logs, err := h.Previews.Logs(r.Context(), project.ID, chi.URLParam(r, "sessionID"), tail)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(logs))
}
