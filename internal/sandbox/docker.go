package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/vk/gantry/internal/ctxlog"
)

// DefaultImage is used when a job declares no container.
const DefaultImage = "ubuntu:24.04"

// Docker runs each command in a fresh container.
type Docker struct {
	client *client.Client
}

// NewDocker creates a container sandbox from the ambient Docker
// environment (DOCKER_HOST et al).
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{client: cli}, nil
}

// Execute implements Sandbox.
func (d *Docker) Execute(ctx context.Context, spec Spec) (Handle, error) {
	log := ctxlog.FromContext(ctx)

	resp, err := d.client.ContainerCreate(ctx, containerConfig(spec), &container.HostConfig{
		NetworkMode: "host",
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	log = log.With("container_id", resp.ID)

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{})
		return nil, fmt.Errorf("starting container: %w", err)
	}
	log.Debug("Started container.")

	logs, err := d.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{})
		return nil, fmt.Errorf("attaching to container logs: %w", err)
	}

	h := &dockerHandle{
		ctx:         ctx,
		client:      d.client,
		containerID: resp.ID,
	}
	h.stdout, h.stdoutW = io.Pipe()
	h.stderr, h.stderrW = io.Pipe()
	go h.demux(logs)
	return h, nil
}

// containerConfig maps a Spec onto the container definition. Commands run
// through `sh -c` like the local backend, so step semantics match across
// sandboxes.
func containerConfig(spec Spec) *container.Config {
	image := spec.Image
	if image == "" {
		image = DefaultImage
	}
	return &container.Config{
		Image:      image,
		Cmd:        []string{"sh", "-c", spec.Command},
		Env:        flattenEnv(spec.Env),
		WorkingDir: spec.WorkingDir,
	}
}

type dockerHandle struct {
	ctx         context.Context
	client      *client.Client
	containerID string

	stdout  *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *io.PipeReader
	stderrW *io.PipeWriter
}

func (h *dockerHandle) Stdout() io.Reader { return h.stdout }
func (h *dockerHandle) Stderr() io.Reader { return h.stderr }

// demux splits the multiplexed docker log stream into the two pipes.
func (h *dockerHandle) demux(logs io.ReadCloser) {
	defer logs.Close()
	_, err := stdcopy.StdCopy(h.stdoutW, h.stderrW, logs)
	h.stdoutW.CloseWithError(err)
	h.stderrW.CloseWithError(err)
}

func (h *dockerHandle) Wait() (int, error) {
	// Removal must outlive ctx so cancelled runs do not leak containers.
	cleanupCtx := context.WithoutCancel(h.ctx)
	defer func() {
		_ = h.client.ContainerRemove(cleanupCtx, h.containerID, container.RemoveOptions{Force: true})
	}()

	statusCh, errCh := h.client.ContainerWait(h.ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctxErr := h.ctx.Err(); ctxErr != nil {
			_ = h.client.ContainerStop(cleanupCtx, h.containerID, container.StopOptions{})
			return -1, ctxErr
		}
		return -1, fmt.Errorf("waiting for container: %w", err)
	case result := <-statusCh:
		return int(result.StatusCode), nil
	}
}
