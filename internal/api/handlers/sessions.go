package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kosuke-ai/kosuke/pkg/models"
)

// ── Session Handlers ─────────────────────────────────────────

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	sessions, err := h.Sessions.ListSessions(r.Context(), project.ID, gitToken(r))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	project, identity, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.Sessions.CreateSession(r.Context(), project.ID, identity.UserID, req.Title, req.Description)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	session, err := h.Sessions.GetSession(r.Context(), project.ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

type updateSessionRequest struct {
	Title string `json:"title"`
}

func (h *Handlers) UpdateSession(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var req updateSessionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		respondError(w, http.StatusBadRequest, "title is required")
		return
	}

	session, err := h.Sessions.UpdateSessionTitle(r.Context(), project.ID, chi.URLParam(r, "sessionID"), req.Title)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (h *Handlers) ArchiveSession(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	if err := h.Sessions.ArchiveSession(r.Context(), project.ID, chi.URLParam(r, "sessionID")); err != nil {
		respondFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnsureWorkspace prepares the session's clone and branch ahead of agent
// work, so the first message does not pay the clone cost.
func (h *Handlers) EnsureWorkspace(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.Sessions.EnsureSessionWorkspace(r.Context(), project.ID, sessionID, gitToken(r)); err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// ── Git operations ───────────────────────────────────────────

func (h *Handlers) PullSessionBranch(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	outcome, err := h.Sessions.PullSessionBranch(r.Context(), project.ID, chi.URLParam(r, "sessionID"), gitToken(r))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

type commitRequest struct {
	Message string `json:"message"`
}

func (h *Handlers) CommitSessionChanges(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var req commitRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	commit, err := h.Sessions.CommitSessionChanges(r.Context(), project.ID, chi.URLParam(r, "sessionID"), req.Message, gitToken(r))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	if commit == nil {
		// Clean working tree.
		respondJSON(w, http.StatusOK, map[string]any{"committed": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"committed": true, "commit": commit})
}

type revertRequest struct {
	SHA string `json:"sha"`
}

func (h *Handlers) RevertToCommit(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var req revertRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Sessions.RevertToCommit(r.Context(), project.ID, chi.URLParam(r, "sessionID"), req.SHA, gitToken(r)); err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reverted_to": req.SHA})
}

// ── Messages ─────────────────────────────────────────────────

const defaultMessageLimit = 200

func (h *Handlers) ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	msgs, err := h.Store.ListSessionMessages(r.Context(), project.ID, chi.URLParam(r, "sessionID"), defaultMessageLimit)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

type appendMessageRequest struct {
	Role          models.MessageRole `json:"role"`
	Content       string             `json:"content"`
	TokensInput   *int               `json:"tokens_input"`
	TokensOutput  *int               `json:"tokens_output"`
	ContextTokens *int               `json:"context_tokens"`
	Blocks        json.RawMessage    `json:"blocks"`
}

// AppendMessage records a chat message from the agent runtime. Pollers on
// the activity stream pick it up on their next cycle.
func (h *Handlers) AppendMessage(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var req appendMessageRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		respondError(w, http.StatusBadRequest, "role must be user, assistant or system")
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.Sessions.GetSession(r.Context(), project.ID, sessionID); err != nil {
		respondFault(w, r, err)
		return
	}

	msg := &models.Message{
		ProjectID:     project.ID,
		SessionID:     sessionID,
		Role:          req.Role,
		Content:       req.Content,
		TokensInput:   req.TokensInput,
		TokensOutput:  req.TokensOutput,
		ContextTokens: req.ContextTokens,
		Blocks:        req.Blocks,
		Timestamp:     time.Now().UTC(),
	}
	if err := h.Store.AppendMessage(r.Context(), msg); err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

// TokenTotals reports aggregate token usage across the project's messages.
func (h *Handlers) TokenTotals(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	usage, err := h.Store.TokenTotals(r.Context(), project.ID)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}
