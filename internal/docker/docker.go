// Package docker is a thin, typed wrapper over the container engine CLI.
// Every operation shells out to docker, classifies failures into fault
// kinds, and parses engine JSON into the engine-neutral models types the
// routing and preview layers consume.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/fault"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

// LabelProject, LabelSession and LabelBranch identify preview containers.
// LabelPort records the assigned host port so URL recovery survives engines
// that report no bindings. LabelManaged marks containers this control plane
// owns and may sweep.
const (
	LabelProject = "kosuke.project_id"
	LabelSession = "kosuke.session_id"
	LabelBranch  = "kosuke.branch"
	LabelPort    = "kosuke.port"
	LabelManaged = "kosuke.managed"
)

// opTimeout bounds each engine call unless the caller set a tighter deadline.
const opTimeout = 30 * time.Second

// runner executes the engine binary and returns stdout, stderr.
type runner func(ctx context.Context, args ...string) (string, string, error)

// Client drives the container engine. The zero value is not usable; use
// NewClient.
type Client struct {
	bin string
	run runner
}

// NewClient returns a client that shells out to the docker binary.
func NewClient() *Client {
	c := &Client{bin: "docker"}
	c.run = c.execRun
	return c
}

func (c *Client) execRun(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Mount binds a host path into the container.
type Mount struct {
	Host      string
	Container string
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Labels  map[string]string
	Network string
	Mounts  []Mount
	Cmd     []string
	// PortBindings maps container port specs ("3000/tcp") to host ports.
	PortBindings map[string]string
}

// Ping verifies the engine is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	_, stderr, err := c.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return c.classify("", stderr, err)
	}
	return nil
}

// EnsurePulled makes sure image is present locally, pulling it if absent.
func (c *Client) EnsurePulled(ctx context.Context, image string) error {
	probe, cancel := c.bound(ctx)
	defer cancel()
	if _, _, err := c.run(probe, "image", "inspect", image); err == nil {
		return nil
	}

	log.Info().Str("image", image).Msg("Pulling preview image")
	// Pulls can be slow; honor only the caller's deadline.
	_, stderr, err := c.run(ctx, "pull", image)
	if err != nil {
		return c.classify(image, stderr, err)
	}
	return nil
}

// Run creates and starts a container, returning the short container ID.
func (c *Client) Run(ctx context.Context, spec RunSpec) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, spec.Labels[k]))
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", fmt.Sprintf("%s:%s", m.Host, m.Container))
	}
	for _, port := range sortedKeys(spec.PortBindings) {
		container := strings.TrimSuffix(port, "/tcp")
		args = append(args, "-p", fmt.Sprintf("%s:%s", spec.PortBindings[port], container))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	stdout, stderr, err := c.run(ctx, args...)
	if err != nil {
		return "", c.classify(spec.Name, stderr, err)
	}

	id := strings.TrimSpace(stdout)
	if len(id) > 12 {
		id = id[:12]
	}
	log.Info().
		Str("container", spec.Name).
		Str("container_id", id).
		Str("image", spec.Image).
		Msg("Started container")
	return id, nil
}

// Stop sends SIGTERM and escalates to SIGKILL after grace. Absent
// containers count as stopped.
func (c *Client) Stop(ctx context.Context, name string, grace time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	secs := int(grace.Seconds())
	if secs < 1 {
		secs = 1
	}
	_, stderr, err := c.run(ctx, "stop", "-t", fmt.Sprint(secs), name)
	if err != nil {
		classified := c.classify(name, stderr, err)
		if fault.IsKind(classified, fault.KindNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// Remove deletes a container. Absent containers count as removed.
func (c *Client) Remove(ctx context.Context, name string, force bool) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	_, stderr, err := c.run(ctx, args...)
	if err != nil {
		classified := c.classify(name, stderr, err)
		if fault.IsKind(classified, fault.KindNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// Restart stops and starts a container preserving its identity, labels and
// port bindings.
func (c *Client) Restart(ctx context.Context, name string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	_, stderr, err := c.run(ctx, "restart", name)
	if err != nil {
		return c.classify(name, stderr, err)
	}
	log.Info().Str("container", name).Msg("Restarted container")
	return nil
}

// Logs returns the last tail lines of a container's output.
func (c *Client) Logs(ctx context.Context, name string, tail int) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	stdout, stderr, err := c.run(ctx, "logs", "--tail", fmt.Sprint(tail), name)
	if err != nil {
		return "", c.classify(name, stderr, err)
	}
	// The engine splits container stdout/stderr across both streams.
	return stdout + stderr, nil
}

// inspectPayload is the subset of the engine's inspect JSON we consume.
type inspectPayload struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Running   bool   `json:"Running"`
		ExitCode  int    `json:"ExitCode"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

func (p *inspectPayload) toModel() models.ContainerInspect {
	ci := models.ContainerInspect{
		ID:       p.ID,
		Name:     strings.TrimPrefix(p.Name, "/"),
		Running:  p.State.Running,
		ExitCode: p.State.ExitCode,
		Labels:   p.Config.Labels,
		Ports:    make(map[string]string),
	}
	if len(ci.ID) > 12 {
		ci.ID = ci.ID[:12]
	}
	if t, err := time.Parse(time.RFC3339Nano, p.State.StartedAt); err == nil {
		ci.StartedAt = t
	}
	for spec, bindings := range p.NetworkSettings.Ports {
		for _, b := range bindings {
			if b.HostPort != "" {
				ci.Ports[spec] = b.HostPort
				break
			}
		}
	}
	return ci
}

// Inspect returns the state of a container by name.
func (c *Client) Inspect(ctx context.Context, name string) (models.ContainerInspect, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	stdout, stderr, err := c.run(ctx, "inspect", name)
	if err != nil {
		return models.ContainerInspect{}, c.classify(name, stderr, err)
	}
	var payloads []inspectPayload
	if err := json.Unmarshal([]byte(stdout), &payloads); err != nil {
		return models.ContainerInspect{}, fault.Wrap(err, fault.KindInternal,
			"parsing inspect output for %s", name)
	}
	if len(payloads) == 0 {
		return models.ContainerInspect{}, fault.New(fault.KindNotFound, "container %s not found", name)
	}
	return payloads[0].toModel(), nil
}

// ListByLabel finds containers (running or not) matching every given label,
// sorted by name for deterministic discovery.
func (c *Client) ListByLabel(ctx context.Context, labels map[string]string) ([]models.ContainerInspect, error) {
	listCtx, cancel := c.bound(ctx)
	defer cancel()

	args := []string{"ps", "-a", "--format", "{{.Names}}"}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--filter", fmt.Sprintf("label=%s=%s", k, labels[k]))
	}
	stdout, stderr, err := c.run(listCtx, args...)
	if err != nil {
		return nil, c.classify("", stderr, err)
	}

	var names []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	sort.Strings(names)

	out := make([]models.ContainerInspect, 0, len(names))
	for _, name := range names {
		ci, err := c.Inspect(ctx, name)
		if err != nil {
			// Raced with an external removal; skip.
			if fault.IsKind(err, fault.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ci)
	}
	return out, nil
}

// bound applies the default per-operation timeout unless the caller's
// context already has an earlier deadline.
func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

// classify maps engine failures onto fault kinds, keeping the resource name
// in the message.
func (c *Client) classify(name, stderr string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(err, fault.KindTimeout, "engine operation on %q timed out", name)
	case errors.Is(err, context.Canceled):
		return fault.Wrap(err, fault.KindCancelled, "engine operation on %q cancelled", name)
	}

	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "no such container"),
		strings.Contains(msg, "no such object"),
		strings.Contains(msg, "no such image"):
		return fault.New(fault.KindNotFound, "container %s not found", name)
	case strings.Contains(msg, "is already in use"):
		return fault.New(fault.KindConflict, "container name %s already in use", name)
	case strings.Contains(msg, "cannot connect to the docker daemon"),
		strings.Contains(msg, "error during connect"),
		errors.Is(err, exec.ErrNotFound):
		return fault.Wrap(err, fault.KindEngineUnavailable, "container engine unavailable")
	}
	return fault.Wrap(err, fault.KindInternal, "engine operation on %q failed: %s", name, strings.TrimSpace(stderr))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
