// Package session drives one container's interactive shell through its
// lifecycle — start, command execution, interrupt, close — grounded on
// swe_env.py's SWEEnv container handling and reimplemented in Go as an
// explicit state machine instead of a flat script, following the
// teacher's pattern of guarding mutable runtime state with a checked
// mutex (pkg/commands/container.go uses a plain sync.Mutex; we use
// go-deadlock here since a stuck protocol read would otherwise hang the
// whole orchestrator silently).
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/engine"
	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// State is one node of the session lifecycle state machine.
type State int

const (
	Unstarted State = iota
	Attached
	Idle
	InFlight
	Interrupting
	Broken
	Closed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "Unstarted"
	case Attached:
		return "Attached"
	case Idle:
		return "Idle"
	case InFlight:
		return "InFlight"
	case Interrupting:
		return "Interrupting"
	case Broken:
		return "Broken"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Result is the outcome of running one action to completion.
type Result struct {
	Output   string
	ExitCode int
}

// Session owns one container and the long-lived shell attached to it.
type Session struct {
	log    *logrus.Entry
	eng    engine.ContainerEngine
	cfg    *config.HarnessConfig
	name   string
	image  string
	workdir string

	mu          deadlock.Mutex
	state       State
	containerID string
	exec        *engine.ExecSession
	reader      *chunkReader
}

func New(log *logrus.Entry, eng engine.ContainerEngine, cfg *config.HarnessConfig, name, image, workdir string) *Session {
	return &Session{
		log:     log,
		eng:     eng,
		cfg:     cfg,
		name:    name,
		image:   image,
		workdir: workdir,
		state:   Unstarted,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerID
}

// Start creates and attaches to the container's login shell. A
// persistent session that finds its named container already present
// and paused unpauses it instead of creating a fresh one.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unstarted {
		return harnesserr.New(harnesserr.SessionError, "cannot start session in state %s", s.state)
	}

	if s.cfg.Session.Persistent {
		if info, err := s.eng.InspectContainer(ctx, s.name); err == nil {
			s.containerID = info.ID
			if info.Paused {
				if err := s.eng.UnpauseContainer(ctx, info.ID); err != nil {
					return harnesserr.WrapError(err)
				}
			} else if !info.Running {
				if err := s.eng.StartContainer(ctx, info.ID); err != nil {
					return harnesserr.WrapError(err)
				}
			}
			return s.attach(ctx)
		}
	}

	id, err := s.eng.CreateContainer(ctx, engine.CreateContainerOptions{
		Image:      s.image,
		Name:       s.name,
		Entrypoint: []string{"/bin/bash"},
		WorkingDir: s.workdir,
		Tty:        false,
		OpenStdin:  true,
		AutoRemove: !s.cfg.Session.Persistent,
	})
	if err != nil {
		return harnesserr.New(harnesserr.EngineError, "creating container %s: %v", s.name, err)
	}
	s.containerID = id

	if err := s.eng.StartContainer(ctx, id); err != nil {
		return harnesserr.New(harnesserr.EngineError, "starting container %s: %v", s.name, err)
	}

	time.Sleep(s.cfg.Timeouts.DockerStartUpDelay)

	return s.attach(ctx)
}

func (s *Session) attach(ctx context.Context) error {
	execSession, err := s.eng.Exec(ctx, s.containerID, engine.ExecOptions{
		Cmd:          []string{"/bin/bash"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return harnesserr.New(harnesserr.EngineError, "attaching shell to %s: %v", s.containerID, err)
	}
	s.exec = execSession
	s.reader = newChunkReader(execSession.Conn)
	s.state = Idle
	return nil
}

// Execute runs action to completion and returns its output and exit
// code, honoring the configured total and no-output timeouts. It
// applies the same pre-flight bash -n syntax check and rewrite passes
// the original harness applies before dispatching to the shell.
func (s *Session) Execute(ctx context.Context, action string, totalTimeout, noOutputTimeout time.Duration) (Result, error) {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return Result{}, harnesserr.New(harnesserr.SessionError, "cannot execute action in state %s", state)
	}
	s.state = InFlight
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == InFlight {
			s.state = Idle
		}
		s.mu.Unlock()
	}()

	if syntaxErrOutput, ok, err := s.checkSyntax(action); err != nil {
		return Result{}, err
	} else if !ok {
		return Result{Output: syntaxErrOutput, ExitCode: 2}, nil
	}

	rewritten := rewriteAction(action)
	return s.communicate(ctx, rewritten, totalTimeout, noOutputTimeout)
}

func (s *Session) communicate(ctx context.Context, input string, totalTimeout, noOutputTimeout time.Duration) (Result, error) {
	if s.cfg.Session.CommunicateMethod == config.CommunicateEndMarker {
		return s.communicateEndMarker(input, totalTimeout, noOutputTimeout)
	}
	return s.communicateProcesses(ctx, input, totalTimeout, noOutputTimeout)
}

func (s *Session) checkSyntax(action string) (output string, ok bool, err error) {
	wrapped := fmt.Sprintf("/bin/bash -n <<'EOF'\n%s\nEOF\n", action)
	res, commErr := s.communicateEndMarker(wrapped, 10*time.Second, 10*time.Second)
	if commErr != nil {
		return "", false, commErr
	}
	return res.Output, res.ExitCode == 0, nil
}

func (s *Session) communicateEndMarker(input string, totalTimeout, noOutputTimeout time.Duration) (Result, error) {
	cmd := input
	if len(cmd) == 0 || cmd[len(cmd)-1] != '\n' {
		cmd += "\n"
	}
	cmd += fmt.Sprintf("echo %s$?%s\n", processDoneMarkerStart, processDoneMarkerEnd)

	if _, err := s.exec.Conn.Write([]byte(cmd)); err != nil {
		s.mu.Lock()
		s.state = Broken
		s.mu.Unlock()
		return Result{}, harnesserr.New(harnesserr.CommandError, "failed to write to session: %v", err)
	}

	body, exitCode, err := readUntilMarker(s.reader, totalTimeout, noOutputTimeout)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: body, ExitCode: exitCode}, nil
}

// communicateProcesses is the legacy protocol mode: it polls `ps`
// inside the container until no background process remains (or the
// total timeout passes), and only then echoes the exit code between
// the end markers and reads stdout up to them.
// Kept for SWE_AGENT_COMMUNICATE_METHOD=processes compatibility.
func (s *Session) communicateProcesses(ctx context.Context, input string, totalTimeout, _ time.Duration) (Result, error) {
	cmd := input
	if len(cmd) == 0 || cmd[len(cmd)-1] != '\n' {
		cmd += "\n"
	}
	if _, err := s.exec.Conn.Write([]byte(cmd)); err != nil {
		s.mu.Lock()
		s.state = Broken
		s.mu.Unlock()
		return Result{}, harnesserr.New(harnesserr.CommandError, "failed to write to session: %v", err)
	}

	deadline := time.Now().Add(totalTimeout)
	for time.Now().Before(deadline) {
		pids, err := s.backgroundPIDs(ctx)
		if err != nil {
			return Result{}, err
		}
		if len(pids) == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if _, err := s.exec.Conn.Write([]byte(fmt.Sprintf("echo %s$?%s\n", processDoneMarkerStart, processDoneMarkerEnd))); err != nil {
		return Result{}, harnesserr.New(harnesserr.CommandError, "failed to request exit code: %v", err)
	}

	body, exitCode, err := readUntilMarker(s.reader, 5*time.Second, 5*time.Second)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: body, ExitCode: exitCode}, nil
}

// Close tears the session down: pause-and-keep for persistent sessions,
// remove otherwise.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	if s.exec != nil {
		_ = s.exec.Conn.Close()
	}
	if s.containerID == "" {
		s.state = Closed
		return nil
	}
	var err error
	if s.cfg.Session.Persistent {
		err = s.eng.PauseContainer(ctx, s.containerID)
	} else {
		err = s.eng.RemoveContainer(ctx, s.containerID, true)
	}
	s.state = Closed
	if err != nil {
		return harnesserr.New(harnesserr.EngineError, "closing session %s: %v", s.name, err)
	}
	return nil
}
