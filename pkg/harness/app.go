package harness

import (
	"context"
	"io"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/engine"
	"github.com/anthropics/swe-harness/pkg/engine/dockerengine"
	"github.com/anthropics/swe-harness/pkg/engine/podmanengine"
	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/anthropics/swe-harness/pkg/imagebuilder"
	"github.com/anthropics/swe-harness/pkg/log"
	"github.com/anthropics/swe-harness/pkg/procutil"
	"github.com/anthropics/swe-harness/pkg/recipe"
	"github.com/anthropics/swe-harness/pkg/sshtunnel"
	"github.com/anthropics/swe-harness/pkg/taskio"
	"github.com/anthropics/swe-harness/pkg/utils"
	"github.com/sirupsen/logrus"
)

// App bootstraps one harness process: logger, config, engine, recipe
// registry, image builder and orchestrator, modeled on the teacher's
// App/NewApp wiring a Gui out of a DockerCommand.
type App struct {
	closers []io.Closer

	Config       *config.AppConfig
	Log          *logrus.Entry
	Engine       engine.ContainerEngine
	Registry     *recipe.Registry
	Builder      *imagebuilder.Builder
	Orchestrator *Orchestrator
}

// NewApp resolves the engine host (tunneling it over SSH first if
// configured), dials the engine, and wires the registry/builder/
// orchestrator on top of it.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	app := &App{Config: cfg}
	app.Log = log.NewLogger(cfg)

	runner := procutil.NewRunner(app.Log)
	tunnelHandler := sshtunnel.NewHandler(app.Log, runner)
	host, closer, err := tunnelHandler.ResolveEngineHost(ctx, cfg.HarnessConfig.Runtime)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	eng, err := newEngine(app.Log, cfg.HarnessConfig.Runtime, host, app.closers)
	if err != nil {
		return nil, err
	}
	app.Engine = eng

	app.Registry = recipe.NewRegistry()
	app.Builder = imagebuilder.New(app.Log, app.Engine)
	app.Orchestrator = New(app.Log, app.Engine, cfg.HarnessConfig, app.Registry, app.Builder)

	return app, nil
}

func newEngine(log *logrus.Entry, runtime config.Runtime, host string, closers []io.Closer) (engine.ContainerEngine, error) {
	switch runtime {
	case config.RuntimePodman:
		return podmanengine.New(log, host, closers)
	case config.RuntimeDocker:
		return dockerengine.New(log, host, closers)
	default:
		return nil, harnesserr.New(harnesserr.ConfigError, "unrecognized runtime %q", runtime)
	}
}

// RunResult summarizes one task's outcome for the CLI to report.
type RunResult struct {
	InstanceID string
	Submission string
	ExitStatus string
	Err        error
}

// RunTasks drives reset/step/close over every task in tasks, feeding
// each task's actions (if any were supplied) through Step and always
// calling OnRunDone regardless of how the task ended.
func (a *App) RunTasks(ctx context.Context, tasks []taskio.TaskRecord, actionsByInstance map[string][]string) []RunResult {
	results := make([]RunResult, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, a.runOne(ctx, task, actionsByInstance[task.InstanceID]))
	}
	return results
}

func (a *App) runOne(ctx context.Context, task taskio.TaskRecord, actions []string) RunResult {
	result := RunResult{InstanceID: task.InstanceID}

	defer func() {
		if err := a.Orchestrator.OnRunDone(ctx); err != nil {
			a.Log.Warnf("onRunDone failed for %s: %v", task.InstanceID, err)
		}
	}()
	if err := a.Orchestrator.Reset(ctx, task, false); err != nil {
		result.Err = err
		return result
	}

	for _, action := range actions {
		step := a.Orchestrator.Step(ctx, action)
		result.ExitStatus = step.ExitStatus
		if step.Submission != "" {
			result.Submission = step.Submission
		}
		if step.Done {
			break
		}
	}
	return result
}

// closerFunc adapts a func() error to io.Closer for utils.CloseMany.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Close releases every resource NewApp opened: the reversed SSH-tunnel
// closers followed by the engine connection itself, collecting every
// error CloseMany encounters instead of stopping at the first.
func (a *App) Close() error {
	reversed := make([]io.Closer, 0, len(a.closers)+1)
	for i := len(a.closers) - 1; i >= 0; i-- {
		reversed = append(reversed, a.closers[i])
	}
	if a.Engine != nil {
		reversed = append(reversed, closerFunc(a.Engine.Close))
	}
	return utils.CloseMany(reversed)
}
