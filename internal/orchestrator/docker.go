package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

const dockerStopTimeoutSeconds = 10

// DockerBackend runs one worker container per stream on a local container
// runtime via the Docker Engine API.
type DockerBackend struct {
	cli     client.APIClient
	network string
}

// NewDockerBackend connects to the Docker daemon using the standard
// environment (DOCKER_HOST etc.) and negotiates the API version. network is
// the Docker network workers are attached to so the metrics scraper can reach
// them by container name.
func NewDockerBackend(network string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &DockerBackend{cli: cli, network: network}, nil
}

// NewDockerBackendWithClient wires an existing API client. Used in tests.
func NewDockerBackendWithClient(cli client.APIClient, network string) *DockerBackend {
	return &DockerBackend{cli: cli, network: network}
}

// EnsureWorker implements Backend.EnsureWorker.
func (b *DockerBackend) EnsureWorker(ctx context.Context, name string, spec WorkerSpec) error {
	inspect, err := b.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		if err := b.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return fmt.Errorf("restart worker container %s: %w", name, err)
		}
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect worker container %s: %w", name, err)
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    formatEnv(spec.Env),
		Labels: spec.Labels,
	}
	host := &container.HostConfig{
		NetworkMode: container.NetworkMode(b.network),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	if _, err := b.cli.ContainerCreate(ctx, cfg, host, nil, nil, name); err != nil {
		return fmt.Errorf("create worker container %s: %w", name, err)
	}
	if err := b.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start worker container %s: %w", name, err)
	}
	return nil
}

// RemoveWorker implements Backend.RemoveWorker.
func (b *DockerBackend) RemoveWorker(ctx context.Context, name string) error {
	timeout := dockerStopTimeoutSeconds
	err := b.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop worker container %s: %w", name, err)
	}

	err = b.cli.ContainerRemove(ctx, name, container.RemoveOptions{RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove worker container %s: %w", name, err)
	}
	return nil
}

// WorkerStatus implements Backend.WorkerStatus.
func (b *DockerBackend) WorkerStatus(ctx context.Context, name string) (WorkerStatus, error) {
	inspect, err := b.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusMissing, nil
		}
		return StatusUnknown, fmt.Errorf("inspect worker container %s: %w", name, err)
	}
	if inspect.State == nil {
		return StatusUnknown, nil
	}

	switch inspect.State.Status {
	case "running":
		return StatusRunning, nil
	case "created", "restarting":
		return StatusStarting, nil
	case "paused", "exited", "removing":
		return StatusStopped, nil
	case "dead":
		return StatusError, nil
	default:
		return StatusUnknown, nil
	}
}

// WorkerLogs implements Backend.WorkerLogs. Docker multiplexes stdout and
// stderr into one stream; stdcopy demultiplexes it back into plain lines.
func (b *DockerBackend) WorkerLogs(ctx context.Context, name string, tail int) ([]string, error) {
	rc, err := b.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worker logs %s: %w", name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("decode worker logs %s: %w", name, err)
	}
	return splitLogLines(buf.String()), nil
}

func formatEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func splitLogLines(raw string) []string {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}
