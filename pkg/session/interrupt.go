package session

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/swe-harness/pkg/engine"
	"github.com/anthropics/swe-harness/pkg/harnesserr"
)

// pidIgnoreSet lists process names get_pids excludes as noise: the ps
// listing itself, the shells the end-marker echo runs through, and the
// detached-run wrappers rewriteAction introduces for npm/yarn.
var pidIgnoreSet = map[string]bool{
	"ps":   true,
	"npm":  true,
	"yarn": true,
	"sh":   true,
}

// backgroundPIDs lists the PIDs of everything running in the container
// besides the main shell (pid 1) and the noise in pidIgnoreSet, ported
// from get_pids/get_background_pids.
func (s *Session) backgroundPIDs(ctx context.Context) ([]engine.ProcessEntry, error) {
	procs, err := s.eng.Top(ctx, s.containerID)
	if err != nil {
		return nil, harnesserr.New(harnesserr.EngineError, "listing processes in %s: %v", s.containerID, err)
	}
	out := make([]engine.ProcessEntry, 0, len(procs))
	for _, p := range procs {
		if pidIgnoreSet[p.Comm] || p.PID == 1 {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Interrupt kills every background process in reverse PID order (so a
// parent never outlives the child it's waiting on), drains whatever
// output that produced, then runs a double health-check echo to
// confirm the shell is still responsive. Ported from interrupt().
func (s *Session) Interrupt(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return "", harnesserr.New(harnesserr.SessionError, "cannot interrupt session in state %s", state)
	}
	s.state = Interrupting
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == Interrupting {
			s.state = Idle
		}
		s.mu.Unlock()
	}()

	pids, err := s.backgroundPIDs(ctx)
	if err != nil {
		return "", err
	}

	for i := len(pids) - 1; i >= 0; i-- {
		killSession, execErr := s.eng.Exec(ctx, s.containerID, engine.ExecOptions{
			Cmd:          []string{"kill", "-9", strconv.Itoa(pids[i].PID)},
			AttachStdout: true,
			AttachStderr: true,
		})
		if execErr != nil {
			continue
		}
		_ = killSession.Conn.Close()
	}

	observation, _, drainErr := readUntilMarker(s.reader, 20*time.Second, 20*time.Second)
	if drainErr != nil && !harnesserr.Is(drainErr, harnesserr.TotalTimeoutError) && !harnesserr.Is(drainErr, harnesserr.NoOutputTimeoutError) {
		return observation, drainErr
	}

	res1, err := s.communicateEndMarker("echo 'interrupted'", 5*time.Second, 5*time.Second)
	if err != nil {
		return observation, harnesserr.New(harnesserr.CommandError, "failed to interrupt container: %v", err)
	}
	res2, err := s.communicateEndMarker("echo 'interrupted'", 5*time.Second, 5*time.Second)
	if err != nil {
		return observation, harnesserr.New(harnesserr.CommandError, "failed to interrupt container: %v", err)
	}
	_ = res1
	if !strings.HasSuffix(strings.TrimSpace(res2.Output), "interrupted") {
		s.mu.Lock()
		s.state = Broken
		s.mu.Unlock()
		return observation, harnesserr.New(harnesserr.SessionError, "container health check failed after interrupt")
	}

	return observation, nil
}
