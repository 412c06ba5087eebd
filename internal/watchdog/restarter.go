package watchdog

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/epochmesh/backend/internal/config"
)

// Restarter brings a supervised service back up.
type Restarter interface {
	Name() string
	Restart(ctx context.Context, svc config.ServiceConfig) error
}

// ExecRestarter launches the service's restart argv directly.
type ExecRestarter struct{}

func (ExecRestarter) Name() string { return "exec" }

func (ExecRestarter) Restart(ctx context.Context, svc config.ServiceConfig) error {
	if len(svc.Restart) == 0 {
		return fmt.Errorf("service %s has no restart command", svc.Name)
	}
	cmd := exec.CommandContext(ctx, svc.Restart[0], svc.Restart[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("restart %s: %w", svc.Name, err)
	}
	// The service daemonizes or is wrapped by its own supervisor; reap the
	// launcher in the background so it never zombies.
	go cmd.Wait()
	return nil
}

// DockerRestarter restarts container-managed services through the Docker
// daemon.
type DockerRestarter struct {
	cli *client.Client
}

// NewDockerRestarter connects to the daemon via the environment.
func NewDockerRestarter() (*DockerRestarter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRestarter{cli: cli}, nil
}

func (d *DockerRestarter) Name() string { return "docker" }

func (d *DockerRestarter) Restart(ctx context.Context, svc config.ServiceConfig) error {
	if svc.Container == "" {
		return fmt.Errorf("service %s has no container name", svc.Name)
	}
	timeout := 10 // seconds the daemon waits before SIGKILL
	if err := d.cli.ContainerRestart(ctx, svc.Container, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart container %s: %w", svc.Container, err)
	}
	return nil
}

func (d *DockerRestarter) Close() error { return d.cli.Close() }

// RouteRestarter picks exec or docker per service.
type RouteRestarter struct {
	Exec   Restarter
	Docker Restarter
}

func (r RouteRestarter) Name() string { return "route" }

func (r RouteRestarter) Restart(ctx context.Context, svc config.ServiceConfig) error {
	if svc.Container != "" && r.Docker != nil {
		return r.Docker.Restart(ctx, svc)
	}
	if r.Exec == nil {
		return fmt.Errorf("no restarter available for %s", svc.Name)
	}
	return r.Exec.Restart(ctx, svc)
}

// waitHealthy polls a service's port until it answers or the deadline hits.
func waitHealthy(ctx context.Context, svc config.ServiceConfig, portTimeout time.Duration) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if res := PortProbe(svc.Port, portTimeout); res.Healthy {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("service %s did not come back within 30s", svc.Name)
}
