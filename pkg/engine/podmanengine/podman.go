// Package podmanengine implements engine.ContainerEngine against a
// Podman daemon via the REST bindings, grounded on the teacher's
// PodmanCommand (pkg/commands/podman.go) and its socket-mode runtime
// (pkg/commands/runtime_socket.go). Unlike the teacher, which falls
// back silently between socket and libpod modes, this engine always
// uses the bindings client: libpod/CGO mode has no equivalent need here
// since the harness runs as a managed process, not an interactive TUI.
package podmanengine

import (
	"context"
	"fmt"
	"io"

	"github.com/anthropics/swe-harness/pkg/engine"
	"github.com/containers/podman/v5/pkg/api/handlers"
	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/domain/entities"
	"github.com/containers/podman/v5/pkg/domain/entities/types"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/sirupsen/logrus"
)

// Engine implements engine.ContainerEngine over a Podman socket connection.
type Engine struct {
	log     *logrus.Entry
	conn    context.Context
	closers []io.Closer
}

var _ engine.ContainerEngine = (*Engine)(nil)

// New connects to the Podman socket at uri (e.g.
// "unix:///run/user/1000/podman/podman.sock" or an ssh:// URI tunneled
// beforehand by pkg/sshtunnel).
func New(log *logrus.Entry, uri string, closers []io.Closer) (*Engine, error) {
	conn, err := bindings.NewConnection(context.Background(), uri)
	if err != nil {
		return nil, fmt.Errorf("connecting to podman at %s: %w", uri, err)
	}
	return &Engine{log: log, conn: conn, closers: closers}, nil
}

func (e *Engine) Name() string { return "podman" }

func (e *Engine) Close() error {
	var firstErr error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
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

	_, err := images.Build(e.conn, []string{"Dockerfile"}, entities.BuildOptions{
		BuildOptions: types.BuildOptions{Output: fullName},
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", fullName, err)
	}
	return nil
}

func (e *Engine) ImageExists(ctx context.Context, fullName string) (bool, error) {
	return images.Exists(e.conn, fullName, nil)
}

func (e *Engine) RemoveImage(ctx context.Context, fullName string, force bool) error {
	if exists, err := e.ImageExists(ctx, fullName); err == nil && !exists {
		return nil
	}
	_, errs := images.Remove(e.conn, []string{fullName}, &images.RemoveOptions{Force: &force})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (e *Engine) CreateContainer(ctx context.Context, opts engine.CreateContainerOptions) (string, error) {
	spec := specgen.NewSpecGenerator(opts.Image, false)
	spec.Name = opts.Name
	spec.Entrypoint = opts.Entrypoint
	spec.Command = opts.Cmd
	spec.Env = envSliceToMap(opts.Env)
	spec.WorkDir = opts.WorkingDir
	spec.Terminal = &opts.Tty
	spec.Stdin = &opts.OpenStdin
	spec.Remove = &opts.AutoRemove
	spec.Labels = opts.Labels

	resp, err := containers.CreateWithSpec(e.conn, spec, nil)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", opts.Name, err)
	}
	return resp.ID, nil
}

func envSliceToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

func (e *Engine) InspectContainer(ctx context.Context, nameOrID string) (*engine.ContainerInfo, error) {
	data, err := containers.Inspect(e.conn, nameOrID, nil)
	if err != nil {
		return nil, err
	}
	info := &engine.ContainerInfo{ID: data.ID, Name: data.Name}
	if data.Config != nil {
		info.WorkingDir = data.Config.WorkingDir
	}
	if data.State != nil {
		info.Status = data.State.Status
		info.Running = data.State.Running
		info.Paused = data.State.Paused
	}
	return info, nil
}

func (e *Engine) StartContainer(ctx context.Context, nameOrID string) error {
	return containers.Start(e.conn, nameOrID, nil)
}

func (e *Engine) RestartContainer(ctx context.Context, nameOrID string) error {
	return containers.Restart(e.conn, nameOrID, nil)
}

func (e *Engine) PauseContainer(ctx context.Context, nameOrID string) error {
	return containers.Pause(e.conn, nameOrID, nil)
}

func (e *Engine) UnpauseContainer(ctx context.Context, nameOrID string) error {
	return containers.Unpause(e.conn, nameOrID, nil)
}

func (e *Engine) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	_, err := containers.Remove(e.conn, nameOrID, &containers.RemoveOptions{Force: &force, Volumes: &force})
	return err
}

func (e *Engine) Exec(ctx context.Context, nameOrID string, opts engine.ExecOptions) (*engine.ExecSession, error) {
	execID, err := containers.ExecCreate(e.conn, nameOrID, &handlers.ExecCreateConfig{
		ExecConfig: entities.ExecConfig{
			Cmd:          opts.Cmd,
			Tty:          opts.Tty,
			AttachStdin:  opts.AttachStdin,
			AttachStdout: opts.AttachStdout,
			AttachStderr: opts.AttachStderr,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec on %s: %w", nameOrID, err)
	}

	pr, pw := io.Pipe()
	cr, cw := io.Pipe()
	streams := &containers.ExecStartAndAttachOptions{
		OutputStream: cw,
		ErrorStream:  cw,
		InputStream:  pr,
		AttachOutput: &opts.AttachStdout,
		AttachError:  &opts.AttachStderr,
		AttachInput:  &opts.AttachStdin,
	}
	go func() {
		_ = containers.ExecStartAndAttach(e.conn, execID, streams)
		cw.Close()
	}()

	return &engine.ExecSession{
		Conn: &pipeConn{w: pw, r: cr},
		Resize: func(ctx context.Context, height, width uint) error {
			return containers.ExecResize(e.conn, execID, entities.ResizeExecTTYOptions{Height: int(height), Width: int(width)})
		},
		ExitCode: func(ctx context.Context) (int, error) {
			inspect, err := containers.ExecInspect(e.conn, execID, nil)
			if err != nil {
				return 0, err
			}
			return inspect.ExitCode, nil
		},
	}, nil
}

func (e *Engine) Top(ctx context.Context, nameOrID string) ([]engine.ProcessEntry, error) {
	rows, err := containers.Top(e.conn, nameOrID, []string{"pid", "comm"})
	if err != nil {
		return nil, err
	}
	entries := make([]engine.ProcessEntry, 0, len(rows))
	for i, row := range rows {
		if i == 0 {
			continue // header row, e.g. "PID COMMAND"
		}
		var pid int
		var comm string
		if _, err := fmt.Sscanf(row, "%d %s", &pid, &comm); err != nil {
			continue
		}
		entries = append(entries, engine.ProcessEntry{PID: pid, Comm: comm})
	}
	return entries, nil
}

// pipeConn adapts the bindings' separate input/output pipes to the
// io.ReadWriteCloser shape the harness session protocol expects,
// mirroring the teacher's streamer package adapting docker's
// HijackedResponse the same way.
type pipeConn struct {
	w *io.PipeWriter
	r *io.PipeReader
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}
