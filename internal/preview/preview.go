// Package preview owns the lifecycle of per-session dev containers: start,
// stop, restart, status and logs. Operations on the same (project, session)
// pair are serialized through a keyed lock; distinct pairs run in parallel.
// Discovery always goes through engine labels so the service never trusts a
// name it did not just derive.
package preview

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/internal/docker"
	"github.com/kosuke-ai/kosuke/internal/fault"
	"github.com/kosuke-ai/kosuke/internal/locks"
	"github.com/kosuke-ai/kosuke/internal/naming"
	"github.com/kosuke-ai/kosuke/internal/routing"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

const (
	// stopGrace is how long a dev server gets to exit before SIGKILL.
	stopGrace = 5 * time.Second
	// probeTimeout bounds the health probe.
	probeTimeout = 3 * time.Second
	// defaultLogTail is returned when the caller does not say how much.
	defaultLogTail = 100
)

// Engine is the container driver surface the service consumes.
type Engine interface {
	Ping(ctx context.Context) error
	EnsurePulled(ctx context.Context, image string) error
	Run(ctx context.Context, spec docker.RunSpec) (string, error)
	Stop(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
	Restart(ctx context.Context, name string) error
	Logs(ctx context.Context, name string, tail int) (string, error)
	ListByLabel(ctx context.Context, labels map[string]string) ([]models.ContainerInspect, error)
}

// Workspaces prepares a session's clone and branch ahead of a cold start.
// The service calls it while holding the session's keyed lock, so
// implementations must not take that lock themselves.
type Workspaces interface {
	EnsureSessionWorkspaceHeld(ctx context.Context, projectID, sessionID, token string) error
}

// SessionDatabases hands out the connection string injected into previews.
type SessionDatabases interface {
	DatabaseURL(projectID, sessionID string) (string, error)
}

// Service drives preview containers for chat sessions.
type Service struct {
	engine     Engine
	router     routing.Router
	workspaces Workspaces
	databases  SessionDatabases
	locks      *locks.Keyed
	probe      *http.Client

	bunImage      string
	pythonImage   string
	network       string
	prefix        string
	healthPath    string
	resendKey     string
	projectsBase  string
	hostWorkspace string
}

// NewService wires the preview service from configuration and collaborators.
func NewService(cfg *config.Config, engine Engine, router routing.Router, workspaces Workspaces, databases SessionDatabases, keyed *locks.Keyed) *Service {
	healthPath := cfg.Preview.HealthPath
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	hostWorkspace := cfg.Preview.HostWorkspaceDir
	if hostWorkspace == "" {
		hostWorkspace = cfg.Git.ProjectsBasePath
	}
	return &Service{
		engine:        engine,
		router:        router,
		workspaces:    workspaces,
		databases:     databases,
		locks:         keyed,
		probe:         &http.Client{Timeout: probeTimeout},
		bunImage:      cfg.Preview.BunImage,
		pythonImage:   cfg.Preview.PythonImage,
		network:       cfg.Preview.Network,
		prefix:        cfg.Preview.ResourcePrefix,
		healthPath:    healthPath,
		resendKey:     cfg.Preview.ResendKey,
		projectsBase:  cfg.Git.ProjectsBasePath,
		hostWorkspace: hostWorkspace,
	}
}

// selector matches the session's containers regardless of how they were
// named.
func (s *Service) selector(projectID, sessionID string) map[string]string {
	return map[string]string{
		docker.LabelProject: projectID,
		docker.LabelSession: sessionID,
	}
}

// GetPreviewStatus reports whether the session's container exists, is
// running, and answers HTTP on its health path.
func (s *Service) GetPreviewStatus(ctx context.Context, projectID, sessionID string) (models.PreviewStatus, error) {
	unlock := s.locks.Lock(locks.SessionKey(projectID, sessionID))
	defer unlock()

	containers, err := s.engine.ListByLabel(ctx, s.selector(projectID, sessionID))
	if err != nil {
		return models.PreviewStatus{}, err
	}
	if len(containers) == 0 {
		return models.PreviewStatus{}, nil
	}

	inspect := containers[0]
	status := models.PreviewStatus{
		Running: inspect.Running,
		URL:     s.router.URLFromContainer(inspect),
	}
	if inspect.Running {
		status.IsResponding = s.probeHealth(ctx, inspect)
	}
	return status, nil
}

// StartPreview brings up the session's container. An existing container is
// restarted in place so its URL never changes; otherwise a new one is
// created with the session's route, database and workspace mount. Callers
// poll GetPreviewStatus for readiness.
func (s *Service) StartPreview(ctx context.Context, projectID, sessionID, token string, envVars map[string]string) (models.PreviewStatus, error) {
	unlock := s.locks.Lock(locks.SessionKey(projectID, sessionID))
	defer unlock()
	return s.start(ctx, projectID, sessionID, token, envVars)
}

// start does the work of StartPreview. The caller holds the session lock.
func (s *Service) start(ctx context.Context, projectID, sessionID, token string, envVars map[string]string) (models.PreviewStatus, error) {
	if err := s.workspaces.EnsureSessionWorkspaceHeld(ctx, projectID, sessionID, token); err != nil {
		return models.PreviewStatus{}, err
	}

	existing, err := s.engine.ListByLabel(ctx, s.selector(projectID, sessionID))
	if err != nil {
		return models.PreviewStatus{}, err
	}
	if len(existing) > 0 {
		inspect := existing[0]
		if err := s.engine.Restart(ctx, inspect.Name); err != nil {
			return models.PreviewStatus{}, err
		}
		return models.PreviewStatus{Running: true, URL: s.router.URLFromContainer(inspect)}, nil
	}

	name := naming.ContainerName(s.prefix, projectID, sessionID)
	route := s.router.PrepareRun(projectID, sessionID, name)

	image := s.imageFor(projectID)
	if err := s.engine.EnsurePulled(ctx, image); err != nil {
		return models.PreviewStatus{}, err
	}

	databaseURL, err := s.databases.DatabaseURL(projectID, sessionID)
	if err != nil {
		return models.PreviewStatus{}, err
	}

	env := make(map[string]string, len(envVars)+3)
	for k, v := range envVars {
		env[k] = v
	}
	// Platform-injected values win over caller env.
	env["DATABASE_URL"] = databaseURL
	env["PORT"] = fmt.Sprint(routing.InternalPort)
	if s.resendKey != "" {
		env["RESEND_API_KEY"] = s.resendKey
	}

	labels := make(map[string]string, len(route.Labels)+1)
	for k, v := range route.Labels {
		labels[k] = v
	}
	labels[docker.LabelManaged] = "true"

	spec := docker.RunSpec{
		Name:    name,
		Image:   image,
		Env:     env,
		Labels:  labels,
		Network: s.network,
		Mounts: []docker.Mount{
			{Host: filepath.Join(s.hostWorkspace, projectID), Container: "/workspace"},
		},
		PortBindings: portBindings(route),
	}

	if _, err := s.engine.Run(ctx, spec); err != nil {
		// A conflict means the name belongs to a container we did not just
		// create; anything else may have left a partial container behind.
		if !fault.IsKind(err, fault.KindConflict) {
			s.removeQuietly(ctx, name)
		}
		return models.PreviewStatus{}, err
	}

	log.Info().
		Str("project_id", projectID).
		Str("session_id", sessionID).
		Str("url", route.URL).
		Msg("Preview started")
	return models.PreviewStatus{Running: true, URL: route.URL}, nil
}

// StopPreview stops and removes the session's container. Absent containers
// count as stopped.
func (s *Service) StopPreview(ctx context.Context, projectID, sessionID string) error {
	unlock := s.locks.Lock(locks.SessionKey(projectID, sessionID))
	defer unlock()

	containers, err := s.engine.ListByLabel(ctx, s.selector(projectID, sessionID))
	if err != nil {
		return err
	}
	for _, c := range containers {
		if err := s.engine.Stop(ctx, c.Name, stopGrace); err != nil {
			return err
		}
		if err := s.engine.Remove(ctx, c.Name, false); err != nil {
			return err
		}
		log.Info().
			Str("project_id", projectID).
			Str("session_id", sessionID).
			Str("container", c.Name).
			Msg("Preview stopped")
	}
	return nil
}

// RestartPreviewContainer restarts the session's container in place,
// falling back to a cold start when it does not exist.
func (s *Service) RestartPreviewContainer(ctx context.Context, projectID, sessionID, token string) (models.PreviewStatus, error) {
	unlock := s.locks.Lock(locks.SessionKey(projectID, sessionID))
	defer unlock()

	containers, err := s.engine.ListByLabel(ctx, s.selector(projectID, sessionID))
	if err != nil {
		return models.PreviewStatus{}, err
	}
	if len(containers) == 0 {
		return s.start(ctx, projectID, sessionID, token, nil)
	}

	inspect := containers[0]
	if err := s.engine.Restart(ctx, inspect.Name); err != nil {
		return models.PreviewStatus{}, err
	}
	return models.PreviewStatus{Running: true, URL: s.router.URLFromContainer(inspect)}, nil
}

// HasContainer reports whether the session currently has a container, in
// any state.
func (s *Service) HasContainer(ctx context.Context, projectID, sessionID string) (bool, error) {
	containers, err := s.engine.ListByLabel(ctx, s.selector(projectID, sessionID))
	if err != nil {
		return false, err
	}
	return len(containers) > 0, nil
}

// Logs returns the tail of the session container's output.
func (s *Service) Logs(ctx context.Context, projectID, sessionID string, tail int) (string, error) {
	if tail <= 0 {
		tail = defaultLogTail
	}
	containers, err := s.engine.ListByLabel(ctx, s.selector(projectID, sessionID))
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", fault.New(fault.KindNotFound, "no preview container for session %s", sessionID)
	}
	return s.engine.Logs(ctx, containers[0].Name, tail)
}

// PingEngine reports container engine reachability for health checks.
func (s *Service) PingEngine(ctx context.Context) error {
	return s.engine.Ping(ctx)
}

// imageFor picks the preview image by inspecting the project workspace:
// Python markers select the Python image, everything else gets Bun.
func (s *Service) imageFor(projectID string) string {
	dir := filepath.Join(s.projectsBase, projectID)
	for _, marker := range []string{"pyproject.toml", "requirements.txt"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return s.pythonImage
		}
	}
	return s.bunImage
}

// probeHealth reports whether the dev server answers 200 on the health path.
func (s *Service) probeHealth(ctx context.Context, inspect models.ContainerInspect) bool {
	target := s.probeURL(inspect)
	if target == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+s.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// probeURL is where the control plane itself reaches the dev server: the
// published host port when there is one, otherwise the container name over
// the shared preview network.
func (s *Service) probeURL(inspect models.ContainerInspect) string {
	portSpec := fmt.Sprintf("%d/tcp", routing.InternalPort)
	if hostPort := inspect.Ports[portSpec]; hostPort != "" {
		return "http://localhost:" + hostPort
	}
	if inspect.Name == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", inspect.Name, routing.InternalPort)
}

// removeQuietly cleans up a partially created container after a failed or
// cancelled start. It runs detached from the caller's cancellation.
func (s *Service) removeQuietly(ctx context.Context, name string) {
	rmCtx := context.WithoutCancel(ctx)
	if err := s.engine.Remove(rmCtx, name, true); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("Failed to clean up container after failed start")
	}
}

func portBindings(route models.RouteInfo) map[string]string {
	if route.Mode != models.RoutePort {
		return nil
	}
	return map[string]string{
		fmt.Sprintf("%d/tcp", routing.InternalPort): fmt.Sprint(route.Port),
	}
}
