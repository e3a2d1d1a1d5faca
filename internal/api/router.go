package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kosuke-ai/kosuke/internal/api/handlers"
	"github.com/kosuke-ai/kosuke/internal/api/middleware"
	"github.com/kosuke-ai/kosuke/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	auth := middleware.NewAuthenticator(cfg.Auth)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-Kosuke-Git-Token", "X-Kosuke-User", "X-Kosuke-Org", "X-Kosuke-Email",
			"X-Request-Id",
		},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Handler)

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(h))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Post("/", h.CreateProject)

			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Put("/", h.UpdateProject)
				r.Delete("/", h.ArchiveProject)

				r.Get("/activity", h.ActivityStream)
				r.Get("/tokens", h.TokenTotals)

				r.Route("/sessions", func(r chi.Router) {
					r.Get("/", h.ListSessions)
					r.Post("/", h.CreateSession)

					r.Route("/{sessionID}", func(r chi.Router) {
						r.Get("/", h.GetSession)
						r.Patch("/", h.UpdateSession)
						r.Delete("/", h.ArchiveSession)

						// Same aggregate the activity stream pushes; the UI
						// fetches it once before connecting.
						r.Get("/tokens", h.TokenTotals)

						r.Post("/workspace", h.EnsureWorkspace)
						r.Post("/pull", h.PullSessionBranch)
						r.Post("/commit", h.CommitSessionChanges)
						r.Post("/revert", h.RevertToCommit)

						r.Get("/messages", h.ListSessionMessages)
						r.Post("/messages", h.AppendMessage)

						r.Route("/preview", func(r chi.Router) {
							r.Get("/", h.GetPreviewStatus)
							r.Post("/start", h.StartPreview)
							r.Post("/stop", h.StopPreview)
							r.Post("/restart", h.RestartPreview)
							r.Get("/logs", h.PreviewLogs)
						})

						r.Route("/database", func(r chi.Router) {
							r.Get("/", h.GetDatabaseInfo)
							r.Get("/schema", h.GetDatabaseSchema)
							r.Get("/tables/{table}", h.GetTableData)
							r.Post("/query", h.ExecuteQuery)
						})
					})
				})
			})
		})
	})

	return r
}

// healthHandler reports the store and container engine reachability. The
// service is degraded, not down, when the engine is unreachable; previews
// fail but the chat API keeps working.
func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		checks := map[string]string{"store": "ok", "engine": "ok"}

		if err := h.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		if err := h.Previews.PingEngine(ctx); err != nil {
			checks["engine"] = err.Error()
			if status == "healthy" {
				status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"service": "kosuke-orchestrator",
			"checks":  checks,
		})
	}
}

func versionHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": h.Version,
			"service": "kosuke-orchestrator",
		})
	}
}
