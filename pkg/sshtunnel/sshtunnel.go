// Package sshtunnel tunnels a remote DOCKER_HOST/CONTAINER_HOST over SSH
// before the engine dials it, grounded on the teacher's
// handleSSHDockerHost/createDockerHostTunnel (pkg/commands/ssh/ssh.go).
package sshtunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/sirupsen/logrus"
)

// CmdKiller tears down a subprocess, including any children it spawned.
// pkg/procutil.Runner satisfies this.
type CmdKiller interface {
	Kill(cmd *exec.Cmd) error
	PrepareForChildren(cmd *exec.Cmd)
}

// Handler resolves and, if needed, tunnels the configured runtime's host
// environment variable. Its dependencies are injectable fields so tests
// can swap out the network and process layers, mirroring SSHHandler.
type Handler struct {
	Log *logrus.Entry
	Kill CmdKiller

	dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	startCmd    func(cmd *exec.Cmd) error
	tempDir     func(dir, pattern string) (string, error)
	getenv      func(key string) string
	setenv      func(key, value string) error
}

func NewHandler(log *logrus.Entry, killer CmdKiller) *Handler {
	return &Handler{
		Log:  log,
		Kill: killer,
		dialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		startCmd: func(cmd *exec.Cmd) error { return cmd.Start() },
		tempDir:  os.MkdirTemp,
		getenv:   os.Getenv,
		setenv:   os.Setenv,
	}
}

// hostEnvVar picks the environment variable the teacher checked, keyed
// on the configured backend instead of trying both unconditionally.
func hostEnvVar(runtime config.Runtime) string {
	if runtime == config.RuntimePodman {
		return "CONTAINER_HOST"
	}
	return "DOCKER_HOST"
}

// ResolveEngineHost returns the host string to hand to the engine
// constructor, tunneling it over SSH first if it names an ssh:// host,
// and an io.Closer to tear the tunnel down when the engine closes.
func (h *Handler) ResolveEngineHost(ctx context.Context, runtime config.Runtime) (string, io.Closer, error) {
	envVar := hostEnvVar(runtime)
	raw := h.getenv(envVar)
	if raw == "" {
		return "", nil, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "ssh" {
		return raw, nil, nil
	}

	tunnel, err := h.createHostTunnel(ctx, u)
	if err != nil {
		return "", nil, harnesserr.WrapError(err)
	}
	return "unix://" + tunnel.socketPath, tunnel, nil
}

// tunneledHost is a live SSH-forwarded unix socket standing in for a
// remote docker/podman socket.
type tunneledHost struct {
	socketPath string
	cmd        *exec.Cmd
	kill       CmdKiller
	dir        string
}

func (t *tunneledHost) Close() error {
	var err error
	if t.cmd != nil && t.cmd.Process != nil {
		err = t.kill.Kill(t.cmd)
	}
	if t.dir != "" {
		_ = os.RemoveAll(t.dir)
	}
	return err
}

func (h *Handler) createHostTunnel(ctx context.Context, u *url.URL) (*tunneledHost, error) {
	dir, err := h.tempDir("", "swe-harness-ssh-*")
	if err != nil {
		return nil, fmt.Errorf("creating tunnel socket dir: %w", err)
	}
	socketPath := filepath.Join(dir, "engine.sock")

	remoteSocket := u.Query().Get("socket")
	if remoteSocket == "" {
		remoteSocket = "/var/run/docker.sock"
	}

	cmd, err := h.tunnelSSH(u, socketPath, remoteSocket)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	tunnel := &tunneledHost{socketPath: socketPath, cmd: cmd, kill: h.Kill, dir: dir}

	if err := h.retrySocketDial(ctx, socketPath); err != nil {
		_ = tunnel.Close()
		return nil, err
	}
	return tunnel, nil
}

func (h *Handler) tunnelSSH(u *url.URL, localSocket, remoteSocket string) (*exec.Cmd, error) {
	host := u.Hostname()
	if host == "" {
		return nil, harnesserr.New(harnesserr.ConfigError, "ssh host URL %q has no hostname", u.String())
	}

	args := []string{"-N", "-L", localSocket + ":" + remoteSocket}
	if u.Port() != "" {
		args = append(args, "-p", u.Port())
	}
	if u.User != nil {
		args = append(args, u.User.Username()+"@"+host)
	} else {
		args = append(args, host)
	}

	cmd := exec.Command("ssh", args...)
	cmd.Env = os.Environ()
	h.Kill.PrepareForChildren(cmd)

	if err := h.startCmd(cmd); err != nil {
		return nil, fmt.Errorf("starting ssh tunnel to %s: %w", host, err)
	}
	return cmd, nil
}

func (h *Handler) retrySocketDial(ctx context.Context, socketPath string) error {
	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := h.tryDial(ctx, socketPath); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("ssh tunnel socket %s never became ready: %w", socketPath, lastErr)
}

func (h *Handler) tryDial(ctx context.Context, socketPath string) error {
	conn, err := h.dialContext(ctx, "unix", socketPath)
	if err != nil {
		return err
	}
	return conn.Close()
}
