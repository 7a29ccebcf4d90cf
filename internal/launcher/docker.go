// ABOUTME: Launcher that starts pre-created containers through the Docker Engine API.
// ABOUTME: Waits on the container to report its exit code.

package launcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"

	"github.com/2389/fleet-gateway/internal/graph"
)

// Docker starts the container named by desc.Launch.Container (or desc.Name).
type Docker struct {
	client *client.Client
	logger *slog.Logger
}

// NewDocker connects using the environment (DOCKER_HOST and friends).
func NewDocker(logger *slog.Logger) (*Docker, error) {
	c, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{client: c, logger: logger.With("component", "launcher.docker")}, nil
}

// Close releases the client's connections.
func (d *Docker) Close() error {
	return d.client.Close()
}

// Start starts the container. Its environment is fixed at creation, so env
// is only logged; secrets reach containers through a mounted secrets dir.
func (d *Docker) Start(ctx context.Context, desc graph.ServiceDescriptor, env map[string]string) (Process, error) {
	name := desc.Launch.Container
	if name == "" {
		name = desc.Name
	}
	logger := d.logger.With("service", desc.Name, "container", name)

	inspect, err := d.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %q not found", name)
		}
		return nil, fmt.Errorf("inspecting container %q: %w", name, err)
	}
	id := inspect.Container.ID

	if _, err := d.client.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container %q: %w", name, err)
	}
	logger.Info("container started", "id", shortID(id), "env_keys", len(env))

	waitCtx, cancel := context.WithCancel(context.Background())
	p := &dockerProcess{exitState: newExitState(), docker: d, id: id, cancel: cancel}
	go func() {
		defer cancel()
		wait := d.client.ContainerWait(waitCtx, id, client.ContainerWaitOptions{})
		select {
		case err := <-wait.Error:
			if err != nil {
				p.finish(-1, fmt.Errorf("waiting on container %q: %w", name, err))
				return
			}
			p.finish(0, nil)
		case res := <-wait.Result:
			logger.Info("container exited", "exit_code", res.StatusCode)
			p.finish(int(res.StatusCode), nil)
		}
	}()
	return p, nil
}

type dockerProcess struct {
	*exitState
	docker *Docker
	id     string
	cancel context.CancelFunc
}

func (p *dockerProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if _, err := p.docker.client.ContainerStop(ctx, p.id, client.ContainerStopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stopping container %s: %w", shortID(p.id), err)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
