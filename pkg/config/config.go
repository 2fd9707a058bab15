// Package config handles harness configuration. The fields here are
// all in PascalCase but in your actual config.yml they'll be in
// camelCase. You can view the default config with `harness --print-config`.
// The user's config.yml is merged onto the defaults field by field with
// github.com/imdario/mergo, so setting one key under `timeouts` leaves
// its siblings at their default values instead of zeroing them out.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/anthropics/swe-harness/pkg/harnesserr"
	yaml "github.com/jesseduffield/yaml"
	"github.com/imdario/mergo"
)

// Runtime names the container engine backend.
type Runtime string

const (
	RuntimeDocker Runtime = "docker"
	RuntimePodman Runtime = "podman"
)

// CloneMethod names the repository-clone strategy a session uses when
// provisioning its working tree. See the Open Questions note in
// SPEC_FULL.md: we do not auto-flip this based on task count or
// persistence, the caller sets it explicitly.
type CloneMethod string

const (
	CloneSparse CloneMethod = "sparse"
	CloneFull   CloneMethod = "full"
)

// CommunicateMethod names the command-channel protocol strategy.
type CommunicateMethod string

const (
	CommunicateEndMarker CommunicateMethod = "end-marker"
	CommunicateProcesses CommunicateMethod = "processes"
)

// TimeoutConfig holds the timeout knobs, defaultable from environment
// variables the same way the original SWE-agent's keys_config singleton
// read them, but surfaced here as an explicit struct field instead of
// global state.
type TimeoutConfig struct {
	// EnvLongTimeout is used for slow setup operations (workspace
	// cleanup, install steps) and is the total timeout applied to
	// ordinary agent actions. Env: SWE_AGENT_ENV_LONG_TIMEOUT.
	EnvLongTimeout time.Duration `yaml:"envLongTimeout,omitempty"`

	// ActionTimeout bounds the final submit an exit_* action triggers and
	// the diff read in OpenPR. Env: SWE_AGENT_ACTION_TIMEOUT.
	ActionTimeout time.Duration `yaml:"actionTimeout,omitempty"`

	// ActionNoOutputTimeout is the no-output timeout applied to ordinary
	// agent actions. Env: SWE_AGENT_ACTION_NO_OUTPUT_TIMEOUT.
	ActionNoOutputTimeout time.Duration `yaml:"actionNoOutputTimeout,omitempty"`

	// DockerStartUpDelay is how long Session.Start sleeps after starting a
	// freshly created container before attaching its shell. No check for
	// leftover processes in the container is made after that wait.
	// Env: SWE_AGENT_DOCKER_START_UP_DELAY.
	DockerStartUpDelay time.Duration `yaml:"dockerStartUpDelay,omitempty"`
}

// SessionConfig controls container session lifecycle behavior.
type SessionConfig struct {
	// Persistent sessions are paused (not removed) on close so a later
	// session can re-attach. Mutually exclusive with CacheTaskImages.
	Persistent bool `yaml:"persistent,omitempty"`

	// CacheTaskImages keeps built task images around across runs instead
	// of removing them in onRunDone.
	CacheTaskImages bool `yaml:"cacheTaskImages,omitempty"`

	// RemoveImage removes the task image in onRunDone. Ignored when
	// CacheTaskImages is set.
	RemoveImage bool `yaml:"removeImage,omitempty"`

	CommunicateMethod CommunicateMethod `yaml:"communicateMethod,omitempty"`
	CloneMethod       CloneMethod       `yaml:"cloneMethod,omitempty"`
}

// BuilderConfig controls the image builder.
type BuilderConfig struct {
	// PrebuildAll builds every task's image up front instead of
	// on-demand during reset().
	PrebuildAll bool `yaml:"prebuildAll,omitempty"`
}

// HarnessConfig holds all of the user-configurable options.
type HarnessConfig struct {
	Runtime  Runtime       `yaml:"runtime,omitempty"`
	Timeouts TimeoutConfig `yaml:"timeouts,omitempty"`
	Session  SessionConfig `yaml:"session,omitempty"`
	Builder  BuilderConfig `yaml:"builder,omitempty"`

	// GitHubToken is read for the optional OpenPR supplement. Env: GITHUB_TOKEN.
	GitHubToken string `yaml:"-"`
}

// GetDefaultConfig returns the application default configuration. NOTE
// (to contributors, not users): do not default a boolean to true,
// because false is the zero value and will be ignored when parsing the
// user's config.
func GetDefaultConfig() HarnessConfig {
	return HarnessConfig{
		Runtime: RuntimeDocker,
		Timeouts: TimeoutConfig{
			EnvLongTimeout:        500 * time.Second,
			ActionTimeout:         25 * time.Second,
			ActionNoOutputTimeout: 25 * time.Second,
			DockerStartUpDelay:    1 * time.Second,
		},
		Session: SessionConfig{
			Persistent:        false,
			CacheTaskImages:   false,
			RemoveImage:       false,
			CommunicateMethod: CommunicateEndMarker,
			CloneMethod:       CloneSparse,
		},
		Builder: BuilderConfig{
			PrebuildAll: false,
		},
	}
}

// AppConfig is the fully-resolved configuration for one harness process:
// the merged HarnessConfig plus the build/runtime metadata every
// component threads through (mirrors the teacher's AppConfig split
// between build metadata and UserConfig).
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Commit      string `long:"commit" env:"COMMIT"`
	BuildDate   string `long:"build-date" env:"BUILD_DATE"`
	Name        string `long:"name" env:"NAME" default:"swe-harness"`
	BuildSource string `long:"build-source" env:"BUILD_SOURCE" default:""`

	HarnessConfig *HarnessConfig
	StateDir      string
}

// NewAppConfig loads the user config from the XDG state dir, merges in
// environment-variable overrides and defaults, validates the result,
// and returns the resolved AppConfig.
func NewAppConfig(name, version, commit, date, buildSource string, debuggingFlag bool) (*AppConfig, error) {
	stateDir, err := findOrCreateStateDir(name)
	if err != nil {
		return nil, harnesserr.WrapError(err)
	}

	cfg, err := loadHarnessConfigWithDefaults(stateDir)
	if err != nil {
		return nil, harnesserr.WrapError(err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &AppConfig{
		Name:          name,
		Version:       version,
		Commit:        commit,
		BuildDate:     date,
		Debug:         debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource:   buildSource,
		HarnessConfig: cfg,
		StateDir:      stateDir,
	}, nil
}

// Validate rejects configuration combinations the harness cannot honor.
// Persistent sessions reuse a paused container across tasks; per-task
// image caching assumes a fresh container per task. Combining them
// would let a later task observe an earlier task's task image inside a
// container built for a different recipe.
func (c *HarnessConfig) Validate() error {
	if c.Session.Persistent && c.Session.CacheTaskImages {
		return harnesserr.New(harnesserr.ConfigError,
			"persistent sessions cannot be combined with cacheTaskImages")
	}
	if c.Session.CommunicateMethod != CommunicateEndMarker && c.Session.CommunicateMethod != CommunicateProcesses {
		return harnesserr.New(harnesserr.ConfigError,
			"unrecognized communicateMethod %q", c.Session.CommunicateMethod)
	}
	if c.Session.CloneMethod != CloneSparse && c.Session.CloneMethod != CloneFull {
		return harnesserr.New(harnesserr.ConfigError,
			"unrecognized cloneMethod %q", c.Session.CloneMethod)
	}
	if c.Runtime != RuntimeDocker && c.Runtime != RuntimePodman {
		return harnesserr.New(harnesserr.ConfigError,
			"unrecognized runtime %q", c.Runtime)
	}
	return nil
}

func applyEnvOverrides(c *HarnessConfig) {
	if v := os.Getenv("SWE_AGENT_ENV_LONG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			c.Timeouts.EnvLongTimeout = d
		}
	}
	if v := os.Getenv("SWE_AGENT_ACTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			c.Timeouts.ActionTimeout = d
		}
	}
	if v := os.Getenv("SWE_AGENT_ACTION_NO_OUTPUT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			c.Timeouts.ActionNoOutputTimeout = d
		}
	}
	if v := os.Getenv("SWE_AGENT_DOCKER_START_UP_DELAY"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			c.Timeouts.DockerStartUpDelay = d
		}
	}
	if v := os.Getenv("SWE_AGENT_COMMUNICATE_METHOD"); v != "" {
		c.Session.CommunicateMethod = CommunicateMethod(v)
	}
	if v := os.Getenv("SWE_AGENT_CLONE_METHOD"); v != "" {
		c.Session.CloneMethod = CloneMethod(v)
	}
	c.GitHubToken = os.Getenv("GITHUB_TOKEN")
}

func stateDirForVendor(vendor string) string {
	if envDir := os.Getenv("CONFIG_DIR"); envDir != "" {
		return envDir
	}
	dirs := xdg.New(vendor, "swe-harness")
	return dirs.ConfigHome()
}

func findOrCreateStateDir(_ string) (string, error) {
	folder := stateDirForVendor("")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	return folder, nil
}

func loadHarnessConfigWithDefaults(stateDir string) (*HarnessConfig, error) {
	cfg := GetDefaultConfig()
	return loadHarnessConfig(stateDir, &cfg)
}

func loadHarnessConfig(stateDir string, base *HarnessConfig) (*HarnessConfig, error) {
	fileName := filepath.Join(stateDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	var override HarnessConfig
	if err := yaml.Unmarshal(content, &override); err != nil {
		return nil, err
	}

	if err := mergo.Merge(base, override, mergo.WithOverride); err != nil {
		return nil, err
	}

	return base, nil
}

// ConfigFilename returns the filename of the current config file.
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.StateDir, "config.yml")
}
