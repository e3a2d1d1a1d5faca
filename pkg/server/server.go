// Package server wires the kosuke control plane together: configuration,
// telemetry, the store, the container engine, Git and database
// provisioning, and the HTTP API. It lives in pkg/ so an outer composition
// can embed the orchestrator behind its own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/activity"
	"github.com/kosuke-ai/kosuke/internal/api"
	"github.com/kosuke-ai/kosuke/internal/api/handlers"
	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/internal/docker"
	"github.com/kosuke-ai/kosuke/internal/githost"
	"github.com/kosuke-ai/kosuke/internal/gitops"
	"github.com/kosuke-ai/kosuke/internal/locks"
	"github.com/kosuke-ai/kosuke/internal/preview"
	"github.com/kosuke-ai/kosuke/internal/routing"
	"github.com/kosuke-ai/kosuke/internal/sessiondb"
	"github.com/kosuke-ai/kosuke/internal/sessions"
	"github.com/kosuke-ai/kosuke/internal/store"
	"github.com/kosuke-ai/kosuke/internal/telemetry"
)

// Server holds the initialized kosuke control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the backing data store.
	Store store.Store

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// Janitor sweeps orphaned preview containers; the caller starts it.
	Janitor *preview.Janitor

	// ShutdownFunc flushes telemetry and closes the store.
	ShutdownFunc func(context.Context) error
}

// New loads configuration and initializes all components.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Server.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine := docker.NewClient()
	if err := engine.Ping(ctx); err != nil {
		// Previews are down but the chat API still works; /health reports it.
		log.Warn().Err(err).Msg("Container engine unreachable at startup")
	}

	router := routing.New(cfg)

	git := gitops.NewOperator(cfg.Git.ProjectsBasePath, cfg.Git.SessionBranchPrefix, cfg.Git.CommitPrefix)
	host := githost.NewClient(cfg.GitHub)
	databases := sessiondb.New(cfg.Postgres)
	keyed := locks.NewKeyed()

	mgr := sessions.NewManager(dataStore, git, host, keyed, cfg.Git.SessionBranchPrefix)
	previews := preview.NewService(cfg, engine, router, mgr, databases, keyed)
	mgr.BindPreviews(previews)

	streamer := activity.NewStreamer(dataStore)

	h := handlers.New(dataStore, previews, mgr, databases, streamer, cfg.Server.Version)
	apiRouter := api.NewRouter(cfg, h)

	janitor := preview.NewJanitor(engine, dataStore, cfg.Preview.JanitorInterval)

	shutdown := func(ctx context.Context) error {
		if err := dataStore.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing store failed")
		}
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      apiRouter,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Server.Port,
		Janitor:      janitor,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore builds the configured store. Postgres startup races the
// database container in compose setups, so the first connection retries
// with exponential backoff.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		log.Info().Msg("In-memory store initialized")
		return store.NewMemoryStore(), nil

	case "postgres":
		policy := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(), 8), ctx)

		var pg *store.PostgresStore
		connect := func() error {
			var err error
			pg, err = store.NewPostgresStore(ctx, cfg.Store.URL, cfg.Store.MaxConnections)
			if err != nil {
				log.Warn().Err(err).Msg("Postgres not ready, retrying")
			}
			return err
		}
		if err := backoff.Retry(connect, policy); err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		log.Info().Msg("Postgres store initialized")
		return pg, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// in-flight requests within grace.
func (s *Server) ListenAndServe(ctx context.Context, grace time.Duration) error {
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.Port).Msg("kosuke orchestrator listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
