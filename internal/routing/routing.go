// Package routing decides how a preview container is reached: direct host
// port mapping for local development, or subdomains behind a reverse proxy
// for hosted deployments. Both strategies derive the URL deterministically
// so a restarted container keeps its address.
package routing

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/internal/docker"
	"github.com/kosuke-ai/kosuke/internal/naming"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

// InternalPort is the port every preview dev server listens on inside its
// container.
const InternalPort = 3000

// internalPortSpec is the engine's key for the preview port.
const internalPortSpec = "3000/tcp"

// Router prepares the route for a new container and recovers the URL of an
// existing one from its inspect payload.
type Router interface {
	// PrepareRun computes the RouteInfo for a container about to start.
	PrepareRun(projectID, sessionID, containerName string) models.RouteInfo
	// URLFromContainer recovers the preview URL from a live container.
	// Returns "" when the payload carries nothing to derive it from.
	URLFromContainer(inspect models.ContainerInspect) string
}

// New selects the router implementation from configuration.
func New(cfg *config.Config) Router {
	if cfg.Router.Mode == string(models.RouteProxy) {
		return &ProxyRouter{
			BaseDomain:   cfg.Router.BaseDomain,
			CertResolver: cfg.Router.CertResolver,
			Network:      cfg.Preview.Network,
			BranchPrefix: cfg.Git.SessionBranchPrefix,
		}
	}
	return &PortRouter{
		Start:        cfg.Router.PortRangeStart,
		End:          cfg.Router.PortRangeEnd,
		BranchPrefix: cfg.Git.SessionBranchPrefix,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func kosukeLabels(projectID, sessionID, branchPrefix string) map[string]string {
	return map[string]string{
		docker.LabelProject: projectID,
		docker.LabelSession: sessionID,
		docker.LabelBranch:  naming.BranchName(branchPrefix, sessionID),
	}
}

// ── Port mode ────────────────────────────────────────────────

// PortRouter maps the container's dev server onto a random host port.
type PortRouter struct {
	Start        int
	End          int
	BranchPrefix string

	mu  sync.Mutex
	rng *rand.Rand
}

func (r *PortRouter) PrepareRun(projectID, sessionID, containerName string) models.RouteInfo {
	r.mu.Lock()
	port := r.Start + r.rng.Intn(r.End-r.Start+1)
	r.mu.Unlock()

	labels := kosukeLabels(projectID, sessionID, r.BranchPrefix)
	labels[docker.LabelPort] = fmt.Sprint(port)

	return models.RouteInfo{
		URL:    fmt.Sprintf("http://localhost:%d", port),
		Mode:   models.RoutePort,
		Port:   port,
		Labels: labels,
	}
}

func (r *PortRouter) URLFromContainer(inspect models.ContainerInspect) string {
	if hostPort := inspect.Ports[internalPortSpec]; hostPort != "" {
		return "http://localhost:" + hostPort
	}
	// Stopped containers report no bindings; the label keeps the
	// assignment recoverable.
	if p := inspect.Labels[docker.LabelPort]; p != "" {
		return "http://localhost:" + p
	}
	return ""
}

// ── Proxy mode ───────────────────────────────────────────────

// ProxyRouter exposes previews as subdomains behind a label-configured
// reverse proxy. The labels carry the whole route declaration; the proxy
// watches the engine and wires itself.
type ProxyRouter struct {
	BaseDomain   string
	CertResolver string
	Network      string
	BranchPrefix string
}

func (r *ProxyRouter) PrepareRun(projectID, sessionID, containerName string) models.RouteInfo {
	subdomain := naming.Subdomain(projectID, sessionID, r.BaseDomain)

	labels := kosukeLabels(projectID, sessionID, r.BranchPrefix)
	labels["traefik.enable"] = "true"
	labels[fmt.Sprintf("traefik.http.routers.%s.rule", containerName)] = fmt.Sprintf("Host(`%s`)", subdomain)
	labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", containerName)] = "websecure"
	labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", containerName)] = r.CertResolver
	labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", containerName)] = fmt.Sprint(InternalPort)
	labels["traefik.docker.network"] = r.Network

	return models.RouteInfo{
		URL:       "https://" + subdomain,
		Mode:      models.RouteProxy,
		Subdomain: subdomain,
		Labels:    labels,
	}
}

func (r *ProxyRouter) URLFromContainer(inspect models.ContainerInspect) string {
	projectID := inspect.Labels[docker.LabelProject]
	sessionID := inspect.Labels[docker.LabelSession]
	if projectID == "" || sessionID == "" {
		return ""
	}
	return "https://" + naming.Subdomain(projectID, sessionID, r.BaseDomain)
}
