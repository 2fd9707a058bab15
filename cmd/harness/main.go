package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/harness"
	"github.com/anthropics/swe-harness/pkg/taskio"
	"github.com/anthropics/swe-harness/pkg/utils"
	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"
	"github.com/samber/lo"
)

const defaultVersion = "unversioned"

var (
	commit      string
	version     = defaultVersion
	date        string
	buildSource = "unknown"

	configFlag    = false
	debuggingFlag = false
	taskFile      = ""
	repoFilter    = ""
	persistent    = false
	removeImage   = false
	prebuildAll   = false
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, buildSource, commit, runtime.GOOS, runtime.GOARCH,
	)

	flaggy.SetName("harness")
	flaggy.SetDescription("Runs SWE-bench-shaped tasks against a container engine")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/anthropics/swe-harness"

	flaggy.Bool(&configFlag, "c", "print-config", "Print the default config and exit")
	flaggy.Bool(&debuggingFlag, "d", "debug", "enable debug logging")
	flaggy.String(&taskFile, "t", "tasks", "Path to a task file (.json or .jsonl)")
	flaggy.String(&repoFilter, "r", "repo", "Only run tasks for org/repo")
	flaggy.Bool(&persistent, "p", "persistent", "Reuse a paused container across tasks instead of removing it")
	flaggy.Bool(&removeImage, "", "remove-image", "Remove each task's image once it finishes")
	flaggy.Bool(&prebuildAll, "", "prebuild-all", "Build every task's image before running any of them")
	flaggy.SetVersion(info)

	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		if err := encoder.Encode(config.GetDefaultConfig()); err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%v\n", buf.String())
		os.Exit(0)
	}

	if taskFile == "" {
		log.Fatal("--tasks is required")
	}

	appConfig, err := config.NewAppConfig("swe-harness", version, commit, date, buildSource, debuggingFlag)
	if err != nil {
		log.Fatal(err.Error())
	}
	appConfig.HarnessConfig.Session.Persistent = persistent || appConfig.HarnessConfig.Session.Persistent
	appConfig.HarnessConfig.Session.RemoveImage = removeImage || appConfig.HarnessConfig.Session.RemoveImage
	appConfig.HarnessConfig.Builder.PrebuildAll = prebuildAll || appConfig.HarnessConfig.Builder.PrebuildAll
	if err := appConfig.HarnessConfig.Validate(); err != nil {
		log.Fatal(err.Error())
	}

	ctx := context.Background()

	tasks, err := taskio.Load(taskFile)
	if err != nil {
		log.Fatal(err.Error())
	}
	tasks = filterTasks(tasks, repoFilter)

	app, err := harness.NewApp(ctx, appConfig)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer app.Close()

	if appConfig.HarnessConfig.Builder.PrebuildAll {
		for _, task := range tasks {
			rec, err := app.Registry.Build(task, true, appConfig.HarnessConfig.Session.CloneMethod)
			if err != nil {
				log.Fatal(err.Error())
			}
			if _, err := app.Builder.Build(ctx, rec); err != nil {
				log.Fatal(err.Error())
			}
		}
	}

	results := app.RunTasks(ctx, tasks, nil)
	exitCode := 0
	for _, r := range results {
		if r.Err != nil {
			stackTrace := errors.Wrap(r.Err, 0).ErrorStack()
			app.Log.Error(stackTrace)
			log.Printf("%s: failed: %v", r.InstanceID, r.Err)
			exitCode = 1
			continue
		}
		log.Printf("%s: %s", r.InstanceID, r.ExitStatus)
	}
	os.Exit(exitCode)
}

func filterTasks(tasks []taskio.TaskRecord, filter string) []taskio.TaskRecord {
	if filter == "" {
		return tasks
	}
	return lo.Filter(tasks, func(t taskio.TaskRecord, _ int) bool {
		return t.Org+"/"+t.Repo == filter
	})
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); ok {
		commit = revision.Value
		version = utils.SafeTruncate(revision.Value, 7)
	}
	if t, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.time"
	}); ok {
		date = t.Value
	}
}
