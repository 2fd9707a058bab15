// Package dockerengine implements engine.ContainerEngine against the
// Docker daemon, grounded on the teacher's DockerCommand
// (pkg/commands/docker.go), its exec/attach helpers
// (pkg/commands/attaching.go), and its container/image wrappers
// (pkg/commands/container.go, pkg/commands/image.go). The panel/service
// bookkeeping those files also carried has no equivalent here: this
// package is purely the engine.ContainerEngine surface.
package dockerengine

import (
	"context"
	"fmt"
	"io"

	"github.com/anthropics/swe-harness/pkg/engine"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

const apiVersion = "1.45"

// Engine implements engine.ContainerEngine over the Docker daemon.
type Engine struct {
	log     *logrus.Entry
	client  *client.Client
	closers []io.Closer
}

var _ engine.ContainerEngine = (*Engine)(nil)

// New dials the Docker daemon. host may be empty to use the default
// DOCKER_HOST resolution, or a tunneled unix socket path set up by
// pkg/sshtunnel beforehand (mirrors handleSSHDockerHost in docker.go).
func New(log *logrus.Entry, host string, closers []io.Closer) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithVersion(apiVersion)}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &Engine{log: log, client: cli, closers: closers}, nil
}

func (e *Engine) Name() string { return "docker" }

func (e *Engine) Close() error {
	var firstErr error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) BuildImage(ctx context.Context, fullName string, buildContext io.Reader, forceRebuild bool) error {
	if !forceRebuild {
		exists, err := e.ImageExists(ctx, fullName)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	resp, err := e.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{fullName},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", fullName, err)
	}
	defer resp.Body.Close()

	// Drain the build response; a real build streams progress JSON lines
	// which we discard here since the orchestrator only cares about
	// success/failure, not the build log.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("reading build response for %s: %w", fullName, err)
	}
	return nil
}

func (e *Engine) ImageExists(ctx context.Context, fullName string) (bool, error) {
	_, err := e.client.ImageInspect(ctx, fullName)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (e *Engine) RemoveImage(ctx context.Context, fullName string, force bool) error {
	_, err := e.client.ImageRemove(ctx, fullName, image.RemoveOptions{Force: force})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (e *Engine) CreateContainer(ctx context.Context, opts engine.CreateContainerOptions) (string, error) {
	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:        opts.Image,
		Entrypoint:   opts.Entrypoint,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		Tty:          opts.Tty,
		OpenStdin:    opts.OpenStdin,
		AttachStdin:  opts.OpenStdin,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       opts.Labels,
	}, &container.HostConfig{
		AutoRemove: opts.AutoRemove,
	}, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", opts.Name, err)
	}
	return resp.ID, nil
}

func (e *Engine) InspectContainer(ctx context.Context, nameOrID string) (*engine.ContainerInfo, error) {
	details, err := e.client.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	info := &engine.ContainerInfo{
		ID:   details.ID,
		Name: details.Name,
	}
	if details.Config != nil {
		info.WorkingDir = details.Config.WorkingDir
	}
	if details.State != nil {
		info.Status = details.State.Status
		info.Running = details.State.Running
		info.Paused = details.State.Paused
	}
	return info, nil
}

func (e *Engine) StartContainer(ctx context.Context, nameOrID string) error {
	return e.client.ContainerStart(ctx, nameOrID, container.StartOptions{})
}

func (e *Engine) RestartContainer(ctx context.Context, nameOrID string) error {
	return e.client.ContainerRestart(ctx, nameOrID, container.StopOptions{})
}

func (e *Engine) PauseContainer(ctx context.Context, nameOrID string) error {
	return e.client.ContainerPause(ctx, nameOrID)
}

func (e *Engine) UnpauseContainer(ctx context.Context, nameOrID string) error {
	return e.client.ContainerUnpause(ctx, nameOrID)
}

func (e *Engine) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	return e.client.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: force, RemoveVolumes: force})
}

func (e *Engine) Exec(ctx context.Context, nameOrID string, opts engine.ExecOptions) (*engine.ExecSession, error) {
	created, err := e.client.ContainerExecCreate(ctx, nameOrID, container.ExecOptions{
		Cmd:          opts.Cmd,
		Tty:          opts.Tty,
		AttachStdin:  opts.AttachStdin,
		AttachStdout: opts.AttachStdout,
		AttachStderr: opts.AttachStderr,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec on %s: %w", nameOrID, err)
	}

	resp, err := e.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: opts.Tty})
	if err != nil {
		return nil, fmt.Errorf("attaching exec on %s: %w", nameOrID, err)
	}

	return &engine.ExecSession{
		Conn: resp.Conn,
		Resize: func(ctx context.Context, height, width uint) error {
			return e.client.ContainerExecResize(ctx, created.ID, container.ResizeOptions{Height: height, Width: width})
		},
		ExitCode: func(ctx context.Context) (int, error) {
			inspect, err := e.client.ContainerExecInspect(ctx, created.ID)
			if err != nil {
				return 0, err
			}
			return inspect.ExitCode, nil
		},
	}, nil
}

func (e *Engine) Top(ctx context.Context, nameOrID string) ([]engine.ProcessEntry, error) {
	top, err := e.client.ContainerTop(ctx, nameOrID, []string{"-eo", "pid,comm"})
	if err != nil {
		return nil, err
	}
	return parseTop(top.Titles, top.Processes)
}

func parseTop(titles []string, rows [][]string) ([]engine.ProcessEntry, error) {
	pidCol, commCol := -1, -1
	for i, t := range titles {
		switch t {
		case "PID":
			pidCol = i
		case "COMMAND", "COMM":
			commCol = i
		}
	}
	if pidCol == -1 || commCol == -1 {
		return nil, fmt.Errorf("unexpected ps titles: %v", titles)
	}
	entries := make([]engine.ProcessEntry, 0, len(rows))
	for _, row := range rows {
		var pid int
		if _, err := fmt.Sscanf(row[pidCol], "%d", &pid); err != nil {
			continue
		}
		entries = append(entries, engine.ProcessEntry{PID: pid, Comm: row[commCol]})
	}
	return entries, nil
}
