// Package engine abstracts the container engine operations the
// harness needs (build, container lifecycle, exec, top, image
// management) behind one interface so the rest of the harness never
// imports a docker- or podman-specific type directly. This generalizes
// the teacher's ContainerRuntime split between socket-mode and
// libpod-mode podman into a docker-vs-podman split driven by explicit
// configuration instead of socket probing.
package engine

import (
	"context"
	"io"
)

// ContainerEngine is the seam between the harness and whatever
// container daemon is actually running. Every blocking call takes a
// context so the session/orchestrator can bound it.
type ContainerEngine interface {
	// BuildImage builds an image from a build context tarball containing
	// a Dockerfile at its root, tagged with fullName. It is a no-op
	// error-free success if the tag already exists, unless forceRebuild.
	BuildImage(ctx context.Context, fullName string, buildContext io.Reader, forceRebuild bool) error

	// ImageExists reports whether fullName is present in the local store.
	ImageExists(ctx context.Context, fullName string) (bool, error)

	// RemoveImage removes an image by name, ignoring "no such image" errors.
	RemoveImage(ctx context.Context, fullName string, force bool) error

	// CreateContainer creates (but does not start) a container from an
	// image with the given name and options.
	CreateContainer(ctx context.Context, opts CreateContainerOptions) (containerID string, err error)

	// InspectContainer returns the engine-agnostic state of a container.
	InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error)

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, nameOrID string) error

	// RestartContainer restarts a running/exited container.
	RestartContainer(ctx context.Context, nameOrID string) error

	// PauseContainer/UnpauseContainer implement persistent-session teardown/resume.
	PauseContainer(ctx context.Context, nameOrID string) error
	UnpauseContainer(ctx context.Context, nameOrID string) error

	// RemoveContainer force-removes a container, optionally its volumes.
	RemoveContainer(ctx context.Context, nameOrID string, force bool) error

	// Exec runs a new process inside a running container and returns a
	// bidirectional stream attached to its stdin/stdout/stderr along
	// with a function to resize its pty and one to learn its exit code
	// once the stream is closed.
	Exec(ctx context.Context, nameOrID string, opts ExecOptions) (*ExecSession, error)

	// Top lists the PIDs and command names of processes running inside
	// a container, the way `ps -eo pid,comm` would report them.
	Top(ctx context.Context, nameOrID string) ([]ProcessEntry, error)

	// Close releases any connections the engine holds open (sockets,
	// SSH tunnels, ...).
	Close() error

	// Name identifies the backend ("docker" or "podman") for logging.
	Name() string
}

// CreateContainerOptions mirrors the subset of container creation
// parameters the harness actually drives: an interactive login shell
// as entrypoint, optionally auto-removed on exit.
type CreateContainerOptions struct {
	Image      string
	Name       string
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkingDir string
	Tty        bool
	OpenStdin  bool
	AutoRemove bool
	Labels     map[string]string
}

// ExecOptions mirrors the subset of exec parameters the harness needs
// to drive an interactive command channel.
type ExecOptions struct {
	Cmd          []string
	Tty          bool
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool
}

// ExecSession is a live attached exec stream.
type ExecSession struct {
	Conn   io.ReadWriteCloser
	Resize func(ctx context.Context, height, width uint) error
	// ExitCode asks the engine for the exec process's exit code. It does
	// not wait for the process to exit; the value is only meaningful
	// once it has.
	ExitCode func(ctx context.Context) (int, error)
}

// ContainerInfo is the engine-agnostic subset of container inspection
// state the session state machine needs to decide its next transition.
type ContainerInfo struct {
	ID         string
	Name       string
	Status     string // "created", "running", "paused", "exited", "dead"
	Running    bool
	Paused     bool
	WorkingDir string
}

// ProcessEntry is one row of `ps -eo pid,comm` run inside a container.
type ProcessEntry struct {
	PID  int
	Comm string
}
