package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// ── Session Database Handlers ────────────────────────────────

func (h *Handlers) GetDatabaseInfo(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	info, err := h.Databases.GetDatabaseInfo(r.Context(), project.ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (h *Handlers) GetDatabaseSchema(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	schema, err := h.Databases.GetSchema(r.Context(), project.ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, schema)
}

const (
	defaultTableLimit = 100
	maxTableLimit     = 1000
)

func (h *Handlers) GetTableData(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultTableLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if limit <= 0 || limit > maxTableLimit {
		limit = defaultTableLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	data, err := h.Databases.GetTableData(r.Context(), project.ID, chi.URLParam(r, "sessionID"), chi.URLParam(r, "table"), limit, offset)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, data)
}

type queryRequest struct {
	Query string `json:"query"`
}

// ExecuteQuery runs a read-only SQL statement against the session database.
// Anything but a plain SELECT is rejected before reaching Postgres.
func (h *Handlers) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var req queryRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := h.Databases.ExecuteQuery(r.Context(), project.ID, chi.URLParam(r, "sessionID"), req.Query)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
