// Package procutil runs and tears down local subprocesses (the ssh
// tunnel helper, the container-engine CLI for compose-style calls),
// grounded on the teacher's OSCommand (pkg/commands/os.go). It does not
// carry the file/editor helpers that package had, since the harness
// never opens files or editors for a human.
package procutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/go-errors/errors"
	"github.com/jesseduffield/kill"
	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"
)

// Runner runs local subprocesses on behalf of the harness.
type Runner struct {
	Log     *logrus.Entry
	command func(string, ...string) *exec.Cmd
}

func NewRunner(log *logrus.Entry) *Runner {
	return &Runner{Log: log, command: exec.Command}
}

// NewCmd builds an *exec.Cmd inheriting the current environment.
func (r *Runner) NewCmd(name string, args ...string) *exec.Cmd {
	cmd := r.command(name, args...)
	cmd.Env = os.Environ()
	return cmd
}

// ExecutableFromString splits a shell-like command string into argv
// the way the command-protocol layer splits engine CLI invocations.
func (r *Runner) ExecutableFromString(commandStr string) *exec.Cmd {
	argv := str.ToArgv(commandStr)
	return r.NewCmd(argv[0], argv[1:]...)
}

// RunCommandWithOutput runs command and returns its combined output,
// surfacing stderr on failure instead of the unhelpful "exit status 1".
func (r *Runner) RunCommandWithOutput(command string) (string, error) {
	cmd := r.ExecutableFromString(command)
	before := time.Now()
	output, err := sanitisedCommandOutput(cmd.Output())
	r.Log.Debugf("%q: %s", command, time.Since(before))
	return output, err
}

// RunCommandWithOutputContext is RunCommandWithOutput bounded by ctx.
func (r *Runner) RunCommandWithOutputContext(ctx context.Context, command string) (string, error) {
	argv := str.ToArgv(command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	return sanitisedCommandOutput(cmd.Output())
}

func (r *Runner) RunCommand(command string) error {
	_, err := r.RunCommandWithOutput(command)
	return err
}

func sanitisedCommandOutput(output []byte, err error) (string, error) {
	outputString := string(output)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return outputString, errors.New(string(exitErr.Stderr))
		}
		return "", harnesserr.WrapError(err)
	}
	return outputString, nil
}

// Kill kills cmd, or its whole process group if PrepareForChildren was
// called on it beforehand.
func (r *Runner) Kill(cmd *exec.Cmd) error {
	return kill.Kill(cmd)
}

// PrepareForChildren sets Setpgid so a later Kill takes down any
// children the subprocess spawned (e.g. compose-style fan-out).
func (r *Runner) PrepareForChildren(cmd *exec.Cmd) {
	kill.PrepareForChildren(cmd)
}

// RunPreparedCommand runs cmd (already built by the caller) to completion.
func (r *Runner) RunPreparedCommand(cmd *exec.Cmd) error {
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) == 0 {
			return err
		}
		return fmt.Errorf("%s", string(out))
	}
	return nil
}
