package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRuntime runs each command inside a fresh container of a single
// configured image. Optional backend for hosts that want job commands
// sandboxed away from the worker process.
type DockerRuntime struct {
	client *client.Client
	image  string
}

// NewDockerRuntime creates a Docker-based runtime. The client is configured
// from the standard environment variables (DOCKER_HOST, etc.).
func NewDockerRuntime(img string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{client: cli, image: img}, nil
}

// Run implements Runtime using Docker containers. The command runs under
// `sh -c` inside the container; the container is removed afterwards.
func (d *DockerRuntime) Run(ctx context.Context, spec Spec) (Result, error) {
	// Pull the image only when it is missing locally.
	if _, err := d.client.ImageInspect(ctx, d.image); err != nil {
		reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
		if err != nil {
			return Result{ExitCode: -1}, fmt.Errorf("pull image %s: %w", d.image, err)
		}
		// The pull only completes once the progress stream is drained; a
		// stream error means the image may not be usable.
		if err := drainPull(reader); err != nil {
			return Result{ExitCode: -1}, fmt.Errorf("pull image %s: %w", d.image, err)
		}
	}

	var env []string
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   []string{"/bin/sh", "-c", spec.Command},
		Env:   env,
		Tty:   true,
	}, nil, nil, nil, "")
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("create container: %w", err)
	}

	// Cleanup runs on a background context so it still happens after a
	// deadline-triggered stop.
	defer func() {
		d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		timeout := 5
		d.client.ContainerStop(context.Background(), created.ID, container.StopOptions{Timeout: &timeout})
		return Result{ExitCode: -1}, ErrTimeout
	case err := <-errCh:
		return Result{ExitCode: -1}, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		res := Result{ExitCode: int(status.StatusCode)}
		res.Stdout = d.containerOutput(created.ID)
		if status.Error != nil {
			return res, fmt.Errorf("container error: %s", status.Error.Message)
		}
		if res.ExitCode == shellNotFoundExit {
			return res, ErrCommandNotFound
		}
		return res, nil
	}
}

// drainPull consumes the image pull progress stream and reports any
// mid-stream failure.
func drainPull(rc io.ReadCloser) error {
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return err
	}
	return nil
}

// containerOutput collects the container's combined output. With Tty set,
// the log stream is raw text rather than multiplexed.
func (d *DockerRuntime) containerOutput(containerID string) string {
	rc, err := d.client.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return ""
	}
	defer rc.Close()

	out, err := io.ReadAll(rc)
	if err != nil {
		return ""
	}
	return string(out)
}
