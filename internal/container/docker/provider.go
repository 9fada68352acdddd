// Package docker implements the sandbox runtime on the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"os"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	dockercontext "github.com/docker/go-sdk/context"
	"github.com/jonboulle/clockwork"

	"github.com/honeyshell/honeyshell/internal/container"
	"github.com/honeyshell/honeyshell/internal/logger"
	"github.com/honeyshell/honeyshell/internal/storage"
)

const (
	pingTimeout    = 5 * time.Second
	stopGraceSecs  = 5
	destroyTimeout = 30 * time.Second
	cpuPeriod      = 100000
)

// Config carries the sandbox parameters resolved from the environment.
type Config struct {
	Image       string
	Network     string
	Hostname    string
	CPULimit    float64
	MemoryBytes int64
	TTL         time.Duration
}

// Provider drives sandbox containers through a Docker engine.
type Provider struct {
	client *client.Client
	cfg    Config
	clock  clockwork.Clock
	log    *logger.Logger
}

var _ container.Runtime = (*Provider)(nil)

// NewProvider connects to the engine, verifies it is reachable, and makes
// sure the isolated sandbox network exists.
func NewProvider(ctx context.Context, cfg Config, log *logger.Logger) (*Provider, error) {
	return newProvider(ctx, cfg, clockwork.NewRealClock(), log)
}

func newProvider(ctx context.Context, cfg Config, clock clockwork.Clock, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if os.Getenv("DOCKER_HOST") == "" {
		// Fall back to the active docker context, the way the CLI does.
		if host, err := dockercontext.CurrentDockerHost(); err == nil && host != "" {
			opts = append(opts, client.WithHost(host))
		}
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker engine unreachable: %w", err)
	}

	p := &Provider{client: cli, cfg: cfg, clock: clock, log: log}
	if err := p.ensureNetwork(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return p, nil
}

// ensureNetwork creates the internal bridge network the sandboxes attach
// to. Internal networks have no route out of the host.
func (p *Provider) ensureNetwork(ctx context.Context) error {
	_, err := p.client.NetworkInspect(ctx, p.cfg.Network, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", p.cfg.Network, err)
	}
	if _, err := p.client.NetworkCreate(ctx, p.cfg.Network, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
	}); err != nil {
		return fmt.Errorf("create network %s: %w", p.cfg.Network, err)
	}
	p.log.Info("created sandbox network", "network", p.cfg.Network)
	return nil
}

// containerName derives the engine-visible sandbox name from a session id.
func containerName(sessionID string) string {
	return "honeyshell-" + storage.ShortID(sessionID)
}

// sandboxResources translates the configured limits into cgroup fields.
// Memory and swap are pinned together so the cap is absolute.
func sandboxResources(cpuLimit float64, memoryBytes int64) containerTypes.Resources {
	return containerTypes.Resources{
		CPUPeriod:  cpuPeriod,
		CPUQuota:   int64(cpuLimit * cpuPeriod),
		Memory:     memoryBytes,
		MemorySwap: memoryBytes,
	}
}

func (p *Provider) Create(ctx context.Context, sessionID string) (string, error) {
	name := containerName(sessionID)

	cfg := &containerTypes.Config{
		Image:     p.cfg.Image,
		Hostname:  p.cfg.Hostname,
		Cmd:       []string{"sleep", "infinity"},
		OpenStdin: true,
		Labels:    map[string]string{container.SessionLabel: sessionID},
	}
	hostCfg := &containerTypes.HostConfig{
		ExtraHosts:  container.DecoyHosts,
		NetworkMode: containerTypes.NetworkMode(p.cfg.Network),
		Resources:   sandboxResources(p.cfg.CPULimit, p.cfg.MemoryBytes),
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", container.ErrImageNotFound, p.cfg.Image)
		}
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %s: %w", name, err)
	}

	// Hard lifetime cap. The timer is never cancelled; Destroy tolerates
	// a container that the session teardown already removed.
	p.clock.AfterFunc(p.cfg.TTL, func() {
		p.log.Info("sandbox ttl expired", "container_id", resp.ID, "session_id", sessionID)
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		p.Destroy(ctx, resp.ID)
	})

	p.log.Info("sandbox created",
		"container_id", resp.ID,
		"name", name,
		"session_id", sessionID,
		"image", p.cfg.Image)
	return resp.ID, nil
}

func (p *Provider) OpenExec(ctx context.Context, containerID string, argv []string, tty bool, width, height uint32) (string, container.Stream, error) {
	execConfig := containerTypes.ExecOptions{
		Cmd:          argv,
		Env:          container.ExecEnv,
		Tty:          tty,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", nil, fmt.Errorf("%w: %s", container.ErrNotFound, containerID)
		}
		return "", nil, fmt.Errorf("create exec: %w", err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{
		Tty: tty,
	})
	if err != nil {
		return "", nil, fmt.Errorf("attach exec: %w", err)
	}

	if tty && width > 0 && height > 0 {
		p.Resize(ctx, execCreate.ID, width, height)
	}

	return execCreate.ID, newExecStream(p.client, execCreate.ID, resp, tty), nil
}

func (p *Provider) Resize(ctx context.Context, execID string, width, height uint32) {
	err := p.client.ContainerExecResize(ctx, execID, containerTypes.ResizeOptions{
		Height: uint(height),
		Width:  uint(width),
	})
	if err != nil {
		p.log.Debug("exec resize failed", "exec_id", execID, "error", err)
	}
}

func (p *Provider) Destroy(ctx context.Context, containerID string) {
	grace := stopGraceSecs
	if err := p.client.ContainerStop(ctx, containerID, containerTypes.StopOptions{Timeout: &grace}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return
		}
		p.log.Warn("stop container", "container_id", containerID, "error", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, containerTypes.RemoveOptions{Force: true}); err != nil {
		if !cerrdefs.IsNotFound(err) {
			p.log.Warn("remove container", "container_id", containerID, "error", err)
		}
		return
	}
	p.log.Debug("sandbox destroyed", "container_id", containerID)
}

func (p *Provider) Sweep(ctx context.Context) (int, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", container.SessionLabel),
		),
	})
	if err != nil {
		return 0, fmt.Errorf("list sandbox containers: %w", err)
	}

	for _, c := range containers {
		p.log.Info("removing leftover sandbox",
			"container_id", c.ID,
			"session_id", c.Labels[container.SessionLabel])
		p.Destroy(ctx, c.ID)
	}
	return len(containers), nil
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}
