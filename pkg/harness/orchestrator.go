// Package harness wires the engine, recipe registry, image builder and
// session packages into the per-task reset/step/close loop, grounded on
// SWEEnv in original_source/sweagent/environment/swe_env.py. Where the
// original drives a shared base image and clones the repository at
// reset time, this harness's images already carry the repository (the
// recipe's prepare.sh clones and checks out the base commit during the
// build), so reset's cleanup step is a sanity check plus workspace
// reset rather than a fresh clone.
package harness

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/engine"
	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/anthropics/swe-harness/pkg/imagebuilder"
	"github.com/anthropics/swe-harness/pkg/recipe"
	"github.com/anthropics/swe-harness/pkg/session"
	"github.com/anthropics/swe-harness/pkg/taskio"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// submissionPattern extracts the diff payload a `submit` action prints,
// matching get_submission's <<SUBMISSION||...||SUBMISSION>> regex.
var submissionPattern = regexp.MustCompile(`(?s)<<SUBMISSION\|\|(.*)\|\|SUBMISSION>>`)

const maxObservationLen = 40000

// exitActions short-circuit step() into a final submit attempt.
var exitActions = map[string]bool{
	"exit_context": true,
	"exit_cost":    true,
	"exit_error":   true,
	"exit_format":  true,
	"exit_api":     true,
}

// StepResult is the outcome of one orchestrator Step call.
type StepResult struct {
	Observation string
	Reward      float64
	Done        bool
	ExitStatus  string
	Submission  string
}

// OrchestratorHook lets an external collaborator observe orchestrator
// lifecycle events without subclassing, matching swe_env.py's EnvHook
// protocol restated as a tagged-struct list per spec §9.
type OrchestratorHook struct {
	OnInit              func()
	OnCopyRepoStarted   func(task taskio.TaskRecord)
	OnInstallEnvStarted func(task taskio.TaskRecord)
	OnClose             func()
}

// OpenPRResult is the output of the OpenPR supplement: everything short
// of actually talking to the GitHub API.
type OpenPRResult struct {
	Branch string
	Diff   string
}

// Orchestrator drives one container session through reset/step/close
// for a sequence of tasks.
type Orchestrator struct {
	log      *logrus.Entry
	eng      engine.ContainerEngine
	cfg      *config.HarnessConfig
	registry *recipe.Registry
	builder  *imagebuilder.Builder

	hooks []OrchestratorHook

	task taskio.TaskRecord
	rec  recipe.Recipe
	sess *session.Session
}

func New(log *logrus.Entry, eng engine.ContainerEngine, cfg *config.HarnessConfig, registry *recipe.Registry, builder *imagebuilder.Builder) *Orchestrator {
	return &Orchestrator{log: log, eng: eng, cfg: cfg, registry: registry, builder: builder}
}

// AddHook registers h, fired in registration order.
func (o *Orchestrator) AddHook(h OrchestratorHook) {
	o.hooks = append(o.hooks, h)
}

func (o *Orchestrator) fireInit() {
	lo.ForEach(o.hooks, func(h OrchestratorHook, _ int) {
		if h.OnInit != nil {
			h.OnInit()
		}
	})
}

func (o *Orchestrator) fireCopyRepoStarted(task taskio.TaskRecord) {
	lo.ForEach(o.hooks, func(h OrchestratorHook, _ int) {
		if h.OnCopyRepoStarted != nil {
			h.OnCopyRepoStarted(task)
		}
	})
}

func (o *Orchestrator) fireInstallEnvStarted(task taskio.TaskRecord) {
	lo.ForEach(o.hooks, func(h OrchestratorHook, _ int) {
		if h.OnInstallEnvStarted != nil {
			h.OnInstallEnvStarted(task)
		}
	})
}

func (o *Orchestrator) fireClose() {
	lo.ForEach(o.hooks, func(h OrchestratorHook, _ int) {
		if h.OnClose != nil {
			h.OnClose()
		}
	})
}

func containerName(task taskio.TaskRecord) string {
	return "swe-harness-" + task.InstanceID
}

// Reset resolves task's image, starts (or reuses) its session, and
// restores the working tree to base_commit, per spec §4.F step 1-8.
func (o *Orchestrator) Reset(ctx context.Context, task taskio.TaskRecord, applyTestPatch bool) error {
	o.fireInit()

	rec, err := o.registry.Build(task, true, o.cfg.Session.CloneMethod)
	if err != nil {
		return err
	}
	o.task = task
	o.rec = rec

	o.fireCopyRepoStarted(task)
	if !o.cfg.Builder.PrebuildAll {
		if _, err := o.builder.Build(ctx, rec); err != nil {
			if o.cfg.Session.CloneMethod == config.CloneSparse {
				o.log.Warnf("image build failed with cloneMethod=sparse for %s/%s; not silently retrying with a full clone: %v",
					task.Org, task.Repo, err)
				return harnesserr.New(harnesserr.ConfigError,
					"sparse clone of %s/%s failed during image build, retry with cloneMethod=full: %v", task.Org, task.Repo, err)
			}
			return err
		}
	}

	workdir := "/home/" + task.Repo
	o.sess = session.New(o.log, o.eng, o.cfg, containerName(task), recipe.ImageFullName(rec), workdir)
	if err := o.sess.Start(ctx); err != nil {
		return err
	}

	o.fireInstallEnvStarted(task)

	// Sanity check: the image's prepare.sh already cloned and checked
	// out the repository; this merely confirms it is where expected.
	check, err := o.sess.Execute(ctx, "test -d "+workdir, 10*time.Second, 10*time.Second)
	if err != nil {
		return err
	}
	if check.ExitCode != 0 {
		return harnesserr.New(harnesserr.SessionError, "repository directory %s missing from image %s", workdir, recipe.ImageFullName(rec))
	}

	longTimeout := o.cfg.Timeouts.EnvLongTimeout
	cleanupCmds := []string{
		"git status",
		"git restore .",
		fmt.Sprintf("git reset --hard %s", task.BaseCommit),
		"git clean -fdxq",
	}
	for _, cmd := range cleanupCmds {
		if _, err := o.communicateWithHandling(ctx, cmd, "failed to clean repository", longTimeout, longTimeout, "fatal", "not a git command"); err != nil {
			return err
		}
	}

	for _, cmd := range []string{"apt-get update", "apt-get install -y jq"} {
		if _, err := o.communicateWithHandling(ctx, cmd, "failed to install helper package", longTimeout, longTimeout); err != nil {
			return err
		}
	}

	for _, cmd := range []string{
		`export CURRENT_FILE=""`,
		"export CURRENT_LINE=0",
		"export SEARCH_RESULTS=()",
		"export SEARCH_FILES=()",
		"export SEARCH_INDEX=0",
	} {
		if _, err := o.communicateWithHandling(ctx, cmd, "failed to reset environment variables", 10*time.Second, 10*time.Second); err != nil {
			return err
		}
	}

	// Best-effort: a prior run's fix.patch may still be sitting in /home.
	_, _ = o.sess.Execute(ctx, "rm -f /home/fix.patch", 10*time.Second, 10*time.Second)

	if applyTestPatch {
		if _, err := o.communicateWithHandling(ctx, "git apply /home/test.patch", "failed to apply test patch", longTimeout, longTimeout); err != nil {
			return err
		}
	}

	return nil
}

// communicateWithHandling runs cmd and returns an error unless its exit
// code is zero or its output matches one of the tolerated substrings,
// ported from communicate_with_handling's except_error_msgs allowlist.
func (o *Orchestrator) communicateWithHandling(ctx context.Context, cmd, errMsg string, total, noOutput time.Duration, tolerated ...string) (string, error) {
	res, err := o.sess.Execute(ctx, cmd, total, noOutput)
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return res.Output, nil
	}
	for _, t := range tolerated {
		if strings.Contains(res.Output, t) {
			o.log.Warnf("%s: tolerated error in output: %s", errMsg, t)
			return res.Output, nil
		}
	}
	return res.Output, harnesserr.New(harnesserr.CommandError, "%s: %s", errMsg, res.Output)
}

// Step runs one agent action to completion, handling sentinel actions,
// the three timeout/error escalation paths, and submission detection
// exactly as spec §4.F describes.
func (o *Orchestrator) Step(ctx context.Context, action string) StepResult {
	trimmed := strings.TrimSpace(action)
	if trimmed == "skip" {
		return StepResult{Observation: "Skipped", Done: true, ExitStatus: "skipped"}
	}
	if exitActions[trimmed] {
		return o.stepExit(ctx, trimmed)
	}

	rewritten := action
	observation, execErr := o.sess.Execute(ctx, rewritten, o.cfg.Timeouts.EnvLongTimeout, o.cfg.Timeouts.ActionNoOutputTimeout)
	switch {
	case execErr == nil:
		out := observation.Output
		out = truncate(out)
		if sub, ok := getSubmission(out); ok {
			return StepResult{Observation: sub, Done: true, ExitStatus: "submitted", Submission: sub}
		}
		return StepResult{Observation: out, Done: false}

	case harnesserr.Is(execErr, harnesserr.TotalTimeoutError) || harnesserr.Is(execErr, harnesserr.NoOutputTimeoutError):
		partial := harnesserr.PartialOutput(execErr)
		interruptOut, intErr := o.sess.Interrupt(ctx)
		if intErr != nil {
			_ = o.Close(ctx)
			return StepResult{
				Observation: partial + interruptOut + "\nEXECUTION TIMED OUT AND INTERRUPT FAILED.",
				Done:        true,
				ExitStatus:  "early_exit",
			}
		}
		banner := partial + interruptOut + "\nEXECUTION TIMED OUT BECAUSE NO OUTPUT WAS PRODUCED FOR TOO LONG." +
			"\nPLEASE REFINE YOUR RUNNING COMMAND SO IT WILL PRODUCE OUTPUT IN THE SPECIFIED TIME FRAME."
		return StepResult{Observation: truncate(banner), Done: false}

	default:
		o.log.Warnf("command failed to execute: %v", execErr)
		_ = o.Close(ctx)
		return StepResult{Observation: "COMMAND FAILED TO EXECUTE.", Done: true, ExitStatus: "early_exit"}
	}
}

func (o *Orchestrator) stepExit(ctx context.Context, action string) StepResult {
	res, err := o.sess.Execute(ctx, "submit", o.cfg.Timeouts.ActionTimeout, o.cfg.Timeouts.ActionTimeout)
	if err != nil {
		return StepResult{Observation: "Exited", Done: true, ExitStatus: action}
	}
	sub, ok := getSubmission(res.Output)
	if !ok || strings.TrimSpace(sub) == "" {
		return StepResult{Observation: "Exited", Done: true, ExitStatus: action}
	}
	return StepResult{
		Observation: "Exited (autosubmitted)",
		Done:        true,
		ExitStatus:  fmt.Sprintf("submitted (%s)", action),
		Submission:  sub,
	}
}

func truncate(observation string) string {
	if len(observation) <= maxObservationLen {
		return observation
	}
	return observation[:20000] + "..." + observation[len(observation)-20000:]
}

func getSubmission(output string) (string, bool) {
	m := submissionPattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// OnRunDone closes the session and, if configured, removes the task
// image, matching onRunDone's close+remove_image sequence.
func (o *Orchestrator) OnRunDone(ctx context.Context) error {
	if err := o.Close(ctx); err != nil {
		return err
	}
	if o.cfg.Session.RemoveImage && !o.cfg.Session.CacheTaskImages && o.rec != nil {
		if err := o.builder.RemoveImage(ctx, o.rec); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the current session down, idempotently.
func (o *Orchestrator) Close(ctx context.Context) error {
	defer o.fireClose()
	if o.sess == nil {
		return nil
	}
	return o.sess.Close(ctx)
}

// OpenPR stages and commits the agent's changes on a fresh branch,
// returning the branch name and diff for an external caller to push
// and open a pull request with. No GitHub API client is wired here:
// PR-opening itself is out of scope, see SPEC_FULL.md.
func (o *Orchestrator) OpenPR(ctx context.Context, commitTitle string, dryRun bool) (OpenPRResult, error) {
	branch := "swe-harness-fix-" + strconv.FormatInt(int64(len(commitTitle)), 10) + "-" + o.task.InstanceID

	if _, err := o.communicateWithHandling(ctx, "rm -f model.patch", "failed to remove model patch", 10*time.Second, 10*time.Second); err != nil {
		return OpenPRResult{}, err
	}
	if _, err := o.communicateWithHandling(ctx, "git checkout -b "+branch, "failed to switch to new branch", 10*time.Second, 10*time.Second); err != nil {
		return OpenPRResult{}, err
	}
	if _, err := o.communicateWithHandling(ctx, "git add .", "failed to stage changes", 10*time.Second, 10*time.Second); err != nil {
		return OpenPRResult{}, err
	}

	commitCmd := fmt.Sprintf("git commit -m %q", commitTitle)
	if dryRun {
		commitCmd += " --allow-empty"
	}
	if _, err := o.communicateWithHandling(ctx, commitCmd, "failed to commit changes", 10*time.Second, 10*time.Second); err != nil {
		return OpenPRResult{}, err
	}

	diff, err := o.sess.Execute(ctx, "git diff HEAD~1 HEAD", o.cfg.Timeouts.ActionTimeout, o.cfg.Timeouts.ActionTimeout)
	if err != nil {
		return OpenPRResult{}, err
	}
	return OpenPRResult{Branch: branch, Diff: diff.Output}, nil
}
