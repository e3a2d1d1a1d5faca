// Package handlers implements the HTTP handlers of the kosuke control
// plane. Handlers translate requests into calls on the service contracts
// and faults into HTTP status codes; no orchestration logic lives here.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/store"
	"github.com/kosuke-ai/kosuke/pkg/contracts"
	"github.com/kosuke-ai/kosuke/pkg/middleware"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

// gitTokenHeader carries the caller's Git credential, forwarded per request
// and never persisted.
const gitTokenHeader = "X-Kosuke-Git-Token"

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Previews  contracts.PreviewService
	Sessions  contracts.SessionService
	Databases contracts.DatabaseService
	Activity  contracts.ActivityService
	Version   string
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, previews contracts.PreviewService, sessions contracts.SessionService, databases contracts.DatabaseService, activity contracts.ActivityService, version string) *Handlers {
	return &Handlers{
		Store:     s,
		Previews:  previews,
		Sessions:  sessions,
		Databases: databases,
		Activity:  activity,
		Version:   version,
	}
}

// gitToken extracts the per-request Git credential, if any.
func gitToken(r *http.Request) string {
	return r.Header.Get(gitTokenHeader)
}

// decode parses the JSON request body into dst.
func decode(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// authorizeProject loads the project and checks the caller may operate on
// it. On failure it writes the error response and returns ok=false.
func (h *Handlers) authorizeProject(w http.ResponseWriter, r *http.Request) (*models.Project, *contracts.Identity, bool) {
	projectID := chi.URLParam(r, "projectID")
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return nil, nil, false
	}

	project, err := h.Store.GetProject(r.Context(), projectID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondFault(w, r, err)
		}
		return nil, nil, false
	}

	if !identity.CanAccessProject(project.CreatedBy, project.OrgID) {
		respondError(w, http.StatusForbidden, "not a member of this project")
		return nil, nil, false
	}
	return project, identity, true
}

// ── Project Handlers ─────────────────────────────────────────

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	projects, err := h.Store.ListProjects(r.Context(), identity.OrgID)
	if err != nil {
		respondFault(w, r, err)
		return
	}

	// Org listing already scopes; personal accounts see what they created.
	visible := make([]models.Project, 0, len(projects))
	for _, p := range projects {
		if identity.CanAccessProject(p.CreatedBy, p.OrgID) {
			visible = append(visible, p)
		}
	}
	respondJSON(w, http.StatusOK, visible)
}

type createProjectRequest struct {
	Name          string `json:"name"`
	RepoOwner     string `json:"repo_owner"`
	RepoName      string `json:"repo_name"`
	DefaultBranch string `json:"default_branch"`
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createProjectRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if (req.RepoOwner == "") != (req.RepoName == "") {
		respondError(w, http.StatusBadRequest, "repo_owner and repo_name must be set together")
		return
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:            uuid.New().String(),
		OrgID:         identity.OrgID,
		CreatedBy:     identity.UserID,
		Name:          req.Name,
		RepoOwner:     req.RepoOwner,
		RepoName:      req.RepoName,
		DefaultBranch: req.DefaultBranch,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if project.DefaultBranch == "" {
		project.DefaultBranch = "main"
	}

	if err := h.Store.CreateProject(r.Context(), project); err != nil {
		respondFault(w, r, err)
		return
	}

	log.Info().
		Str("project_id", project.ID).
		Str("name", project.Name).
		Str("created_by", identity.UserID).
		Msg("Project created")
	respondJSON(w, http.StatusCreated, project)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, project)
}

type updateProjectRequest struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
}

func (h *Handlers) UpdateProject(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var req updateProjectRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		project.Name = req.Name
	}
	if req.DefaultBranch != "" {
		project.DefaultBranch = req.DefaultBranch
	}
	project.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateProject(r.Context(), project); err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, project)
}

func (h *Handlers) ArchiveProject(w http.ResponseWriter, r *http.Request) {
	project, identity, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	if err := h.Store.ArchiveProject(r.Context(), project.ID); err != nil {
		respondFault(w, r, err)
		return
	}

	log.Info().
		Str("project_id", project.ID).
		Str("archived_by", identity.UserID).
		Msg("Project archived")
	w.WriteHeader(http.StatusNoContent)
}
