package harness

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/engine"
	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/anthropics/swe-harness/pkg/imagebuilder"
	"github.com/anthropics/swe-harness/pkg/recipe"
	"github.com/anthropics/swe-harness/pkg/taskio"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn is a fake interactive shell: every Write is handed to
// respond, and its canned output plus the end-marker line is queued for
// the next Read, the same round trip communicateEndMarker expects. A
// respond that returns a positive delay defers the response instead of
// answering inline, simulating a command that produces nothing until
// some time has passed (used to exercise the timeout/interrupt paths).
type scriptedConn struct {
	mu      sync.Mutex
	out     strings.Builder
	closed  bool
	respond func(cmd string) (output string, exitCode int, delay time.Duration)
}

func (c *scriptedConn) queue(output string, exitCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if output != "" {
		c.out.WriteString(output)
		if !strings.HasSuffix(output, "\n") {
			c.out.WriteString("\n")
		}
	}
	c.out.WriteString(fmt.Sprintf("///PROCESS-DONE:%d:PROCESS-DONE///\n", exitCode))
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	output, exitCode, delay := c.respond(string(p))
	if delay > 0 {
		go func() {
			time.Sleep(delay)
			c.queue(output, exitCode)
		}()
		return len(p), nil
	}
	c.queue(output, exitCode)
	return len(p), nil
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.out.Len() > 0 {
			n := copy(p, c.out.String())
			c.out.Reset()
			c.mu.Unlock()
			return n, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// fakeEngine answers every ContainerEngine call a Reset/Step/Close/OpenPR
// cycle makes, embedding the interface so a test only overrides what it
// drives, the same shape builder_test.go's fakeEngine uses.
type fakeEngine struct {
	engine.ContainerEngine
	respond       func(cmd string) (string, int, time.Duration)
	onRemoveImage func(fullName string)
	imageExists   bool
	buildImageErr error
}

func (f *fakeEngine) ImageExists(ctx context.Context, fullName string) (bool, error) {
	return f.imageExists, nil
}
func (f *fakeEngine) BuildImage(ctx context.Context, fullName string, buildContext io.Reader, forceRebuild bool) error {
	return f.buildImageErr
}
func (f *fakeEngine) Top(ctx context.Context, nameOrID string) ([]engine.ProcessEntry, error) {
	return nil, nil
}
func (f *fakeEngine) RemoveImage(ctx context.Context, fullName string, force bool) error {
	if f.onRemoveImage != nil {
		f.onRemoveImage(fullName)
	}
	return nil
}
func (f *fakeEngine) CreateContainer(ctx context.Context, opts engine.CreateContainerOptions) (string, error) {
	return "fake-container-id", nil
}
func (f *fakeEngine) StartContainer(ctx context.Context, nameOrID string) error { return nil }
func (f *fakeEngine) PauseContainer(ctx context.Context, nameOrID string) error { return nil }
func (f *fakeEngine) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	return nil
}
func (f *fakeEngine) Exec(ctx context.Context, nameOrID string, opts engine.ExecOptions) (*engine.ExecSession, error) {
	return &engine.ExecSession{Conn: &scriptedConn{respond: f.respond}}, nil
}

func defaultRespond(cmd string) (string, int, time.Duration) {
	switch {
	case strings.Contains(cmd, "bash -n"):
		return "", 0, 0
	case strings.Contains(cmd, "submit"):
		return "<<SUBMISSION||diff --git a/x b/x||SUBMISSION>>", 0, 0
	case strings.Contains(cmd, "git diff"):
		return "diff --git a/x b/x", 0, 0
	default:
		return "ok", 0, 0
	}
}

func testTask() taskio.TaskRecord {
	return taskio.TaskRecord{
		TaskID:     "1",
		Org:        "valkey-io",
		Repo:       "valkey",
		BaseCommit: "deadbeef",
		TestPatch:  "diff --git a/t b/t",
		FixPatch:   "diff --git a/f b/f",
		InstanceID: "valkey-io__valkey-1",
	}
}

func newTestOrchestrator(respond func(string) (string, int, time.Duration)) *Orchestrator {
	cfg := config.GetDefaultConfig()
	cfg.Timeouts.DockerStartUpDelay = time.Millisecond
	eng := &fakeEngine{respond: respond, imageExists: true}
	builder := imagebuilder.New(logrus.NewEntry(logrus.New()), eng)
	return New(logrus.NewEntry(logrus.New()), eng, &cfg, recipe.NewRegistry(), builder)
}

func TestResetStartsSessionAndCleansWorkspace(t *testing.T) {
	o := newTestOrchestrator(defaultRespond)
	err := o.Reset(context.Background(), testTask(), false)
	require.NoError(t, err)
	assert.NotNil(t, o.sess)
}

func TestResetFailsWhenRepoDirectoryMissing(t *testing.T) {
	o := newTestOrchestrator(func(cmd string) (string, int, time.Duration) {
		if strings.Contains(cmd, "bash -n") {
			return "", 0, 0
		}
		if strings.Contains(cmd, "test -d") {
			return "no such directory", 1, 0
		}
		return "ok", 0, 0
	})
	err := o.Reset(context.Background(), testTask(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing from image")
}

func TestResetWrapsSparseCloneBuildFailureAsConfigError(t *testing.T) {
	eng := &fakeEngine{respond: defaultRespond, imageExists: false, buildImageErr: fmt.Errorf("docker build: shallow fetch of deadbeef unsupported by remote")}
	cfg := config.GetDefaultConfig()
	cfg.Timeouts.DockerStartUpDelay = time.Millisecond
	cfg.Session.CloneMethod = config.CloneSparse
	builder := imagebuilder.New(logrus.NewEntry(logrus.New()), eng)
	o := New(logrus.NewEntry(logrus.New()), eng, &cfg, recipe.NewRegistry(), builder)

	err := o.Reset(context.Background(), testTask(), false)
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.ConfigError))
	assert.Contains(t, err.Error(), "sparse clone")
	assert.Nil(t, o.sess, "a failed sparse clone must not retry with a full clone and start a session")
}

func TestResetFullCloneBuildFailurePropagatesEngineError(t *testing.T) {
	eng := &fakeEngine{respond: defaultRespond, imageExists: false, buildImageErr: fmt.Errorf("docker build: network unreachable")}
	cfg := config.GetDefaultConfig()
	cfg.Timeouts.DockerStartUpDelay = time.Millisecond
	cfg.Session.CloneMethod = config.CloneFull
	builder := imagebuilder.New(logrus.NewEntry(logrus.New()), eng)
	o := New(logrus.NewEntry(logrus.New()), eng, &cfg, recipe.NewRegistry(), builder)

	err := o.Reset(context.Background(), testTask(), false)
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.EngineError))
}

func TestResetToleratesKnownGitErrors(t *testing.T) {
	o := newTestOrchestrator(func(cmd string) (string, int, time.Duration) {
		if strings.Contains(cmd, "bash -n") {
			return "", 0, 0
		}
		if strings.Contains(cmd, "git restore") {
			return "fatal: not a git repository (nested)", 1, 0
		}
		return "ok", 0, 0
	})
	err := o.Reset(context.Background(), testTask(), false)
	require.NoError(t, err)
}

func TestStepSkipActionShortCircuits(t *testing.T) {
	o := newTestOrchestrator(defaultRespond)
	result := o.Step(context.Background(), "  skip  ")
	assert.True(t, result.Done)
	assert.Equal(t, "skipped", result.ExitStatus)
	assert.Nil(t, o.sess)
}

func TestStepRunsActionAndDetectsSubmission(t *testing.T) {
	o := newTestOrchestrator(defaultRespond)
	require.NoError(t, o.Reset(context.Background(), testTask(), false))

	result := o.Step(context.Background(), "submit")
	assert.True(t, result.Done)
	assert.Equal(t, "submitted", result.ExitStatus)
	assert.Equal(t, "diff --git a/x b/x", result.Submission)
}

func TestStepRunsOrdinaryActionWithoutSubmission(t *testing.T) {
	o := newTestOrchestrator(defaultRespond)
	require.NoError(t, o.Reset(context.Background(), testTask(), false))

	result := o.Step(context.Background(), "ls")
	assert.False(t, result.Done)
	assert.Equal(t, "ok\n", result.Observation)
}

// hangingRespond answers every bash -n syntax check immediately (so
// Execute gets past checkSyntax), but the real command named by
// hangCmd produces nothing until delay has passed, long enough to blow
// through the small timeouts below; every other command (including the
// two post-interrupt health-check echoes) answers immediately.
func hangingRespond(hangCmd string, delay time.Duration) func(string) (string, int, time.Duration) {
	return func(cmd string) (string, int, time.Duration) {
		switch {
		case strings.Contains(cmd, "bash -n"):
			return "", 0, 0
		case strings.Contains(cmd, hangCmd):
			return "ok", 0, delay
		case strings.Contains(cmd, "interrupted"):
			return "interrupted", 0, 0
		default:
			return "ok", 0, 0
		}
	}
}

func TestStepTotalTimeoutInterruptsAndContinuesEpisode(t *testing.T) {
	o := newTestOrchestrator(hangingRespond("sleep 100", 80*time.Millisecond))
	require.NoError(t, o.Reset(context.Background(), testTask(), false))
	o.cfg.Timeouts.EnvLongTimeout = 20 * time.Millisecond
	o.cfg.Timeouts.ActionNoOutputTimeout = time.Second

	result := o.Step(context.Background(), "sleep 100")
	assert.False(t, result.Done, "a timeout must continue the episode, not end it")
	assert.Empty(t, result.ExitStatus)
	assert.Contains(t, result.Observation, "EXECUTION TIMED OUT")
}

func TestStepNoOutputTimeoutInterruptsAndContinuesEpisode(t *testing.T) {
	o := newTestOrchestrator(hangingRespond("sleep 100", 80*time.Millisecond))
	require.NoError(t, o.Reset(context.Background(), testTask(), false))
	o.cfg.Timeouts.EnvLongTimeout = time.Second
	o.cfg.Timeouts.ActionNoOutputTimeout = 20 * time.Millisecond

	result := o.Step(context.Background(), "sleep 100")
	assert.False(t, result.Done, "a no-output timeout must continue the episode, not end it")
	assert.Empty(t, result.ExitStatus)
	assert.Contains(t, result.Observation, "EXECUTION TIMED OUT")
}

func TestStepExitActionAutosubmitsWhenSubmissionFound(t *testing.T) {
	o := newTestOrchestrator(defaultRespond)
	require.NoError(t, o.Reset(context.Background(), testTask(), false))

	result := o.Step(context.Background(), "exit_cost")
	assert.True(t, result.Done)
	assert.Equal(t, "submitted (exit_cost)", result.ExitStatus)
	assert.Equal(t, "diff --git a/x b/x", result.Submission)
}

func TestStepExitActionExitsPlainlyWithoutSubmission(t *testing.T) {
	o := newTestOrchestrator(func(cmd string) (string, int, time.Duration) {
		if strings.Contains(cmd, "bash -n") {
			return "", 0, 0
		}
		return "nothing to submit", 0, 0
	})
	require.NoError(t, o.Reset(context.Background(), testTask(), false))

	result := o.Step(context.Background(), "exit_context")
	assert.True(t, result.Done)
	assert.Equal(t, "exit_context", result.ExitStatus)
	assert.Empty(t, result.Submission)
}

func TestOpenPRReturnsBranchAndDiff(t *testing.T) {
	o := newTestOrchestrator(defaultRespond)
	require.NoError(t, o.Reset(context.Background(), testTask(), false))

	result, err := o.OpenPR(context.Background(), "fix the bug", false)
	require.NoError(t, err)
	assert.Contains(t, result.Branch, "valkey-io__valkey-1")
	assert.Equal(t, "diff --git a/x b/x\n", result.Diff)
}

func TestCloseIsIdempotentWithoutASession(t *testing.T) {
	o := newTestOrchestrator(defaultRespond)
	assert.NoError(t, o.Close(context.Background()))
}

func TestTruncateLeavesShortObservationsAlone(t *testing.T) {
	assert.Equal(t, "short output", truncate("short output"))
}

func TestTruncateSplitsLongObservations(t *testing.T) {
	long := strings.Repeat("a", 20000) + strings.Repeat("b", 20000) + strings.Repeat("c", 10)
	got := truncate(long)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 20000)+"..."))
	assert.True(t, strings.HasSuffix(got, strings.Repeat("b", 19990)+strings.Repeat("c", 10)))
}

func TestGetSubmissionExtractsPayload(t *testing.T) {
	sub, ok := getSubmission("blah\n<<SUBMISSION||the diff||SUBMISSION>>\nmore")
	require.True(t, ok)
	assert.Equal(t, "the diff", sub)
}

func TestGetSubmissionNoMatch(t *testing.T) {
	_, ok := getSubmission("nothing here")
	assert.False(t, ok)
}

func TestContainerNameIncludesInstanceID(t *testing.T) {
	assert.Equal(t, "swe-harness-valkey-io__valkey-1", containerName(testTask()))
}

func TestOnRunDoneRemovesImageWhenConfigured(t *testing.T) {
	var removedImage string
	eng := &fakeEngine{respond: defaultRespond, imageExists: true, onRemoveImage: func(fullName string) { removedImage = fullName }}
	cfg := config.GetDefaultConfig()
	cfg.Timeouts.DockerStartUpDelay = time.Millisecond
	cfg.Session.RemoveImage = true
	builder := imagebuilder.New(logrus.NewEntry(logrus.New()), eng)
	o := New(logrus.NewEntry(logrus.New()), eng, &cfg, recipe.NewRegistry(), builder)
	closeFired := false
	o.AddHook(OrchestratorHook{OnClose: func() { closeFired = true }})

	require.NoError(t, o.Reset(context.Background(), testTask(), false))
	require.NoError(t, o.OnRunDone(context.Background()))
	assert.True(t, closeFired)
	assert.Equal(t, "valkey-io/valkey:pr-1", removedImage)
}
