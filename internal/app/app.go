// Package app assembles the build pipeline shared by trokd and `trok run`.
package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/GoCodeAlone/trok/build"
	"github.com/GoCodeAlone/trok/config"
	"github.com/GoCodeAlone/trok/git"
	"github.com/GoCodeAlone/trok/guard"
	"github.com/GoCodeAlone/trok/internal/logging"
	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/notify"
	"github.com/GoCodeAlone/trok/runner"
	"github.com/GoCodeAlone/trok/selector"
	"github.com/GoCodeAlone/trok/task"
	"github.com/GoCodeAlone/trok/workspace"
)

// DefaultConfigFile is read when no --config is given and it exists.
const DefaultConfigFile = "trok.yaml"

// LoadConfig reads path (or DefaultConfigFile when present), applies every
// key set in v, and validates the result.
func LoadConfig(path string, v *viper.Viper) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg = config.DefaultConfig()
	default:
		return nil, err
	}
	config.Overlay(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitLogging installs the default logger for cfg. verbose forces debug.
func InitLogging(cfg *config.Config, verbose bool) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if verbose {
		level = slog.LevelDebug
	}
	logging.Init(level, cfg.LogFormat, os.Stderr)
	return nil
}

// Pipeline is the runner and its collaborators built from one config.
type Pipeline struct {
	Metrics  *metrics.Metrics
	Git      *git.Client
	Registry *workspace.Registry
	Runner   *runner.Runner
}

// NewPipeline wires the registry, selector, executor, and guard into a
// runner. The registry is empty until the caller rescans it.
func NewPipeline(cfg *config.Config, m *metrics.Metrics) *Pipeline {
	gc := &git.Client{WaitDelay: cfg.Build.WaitDelay}
	reg := workspace.NewRegistry(&workspace.Scanner{
		Root:     cfg.Workspace.Root,
		SkipDirs: cfg.Workspace.SkipDirs,
		Git:      gc,
		Logger:   logging.New("workspace"),
	}, logging.New("registry"))
	reg.Metrics = m

	return &Pipeline{
		Metrics:  m,
		Git:      gc,
		Registry: reg,
		Runner: &runner.Runner{
			Repos:    reg,
			Selector: selector.New(gc),
			Builder: &build.Executor{
				InstallTimeout: cfg.Build.InstallTimeout,
				BuildTimeout:   cfg.Build.BuildTimeout,
				WaitDelay:      cfg.Build.WaitDelay,
				Metrics:        m,
				Logger:         logging.New("build"),
			},
			Guard:      &guard.Guard{Git: gc},
			Git:        gc,
			Pull:       cfg.Runner.Pull,
			MaxCommits: cfg.Runner.MaxCommits,
			Logger:     logging.New("runner"),
			Metrics:    m,
		},
	}
}

// Targets converts configured notification targets.
func Targets(cfg *config.Config) []notify.Target {
	out := make([]notify.Target, 0, len(cfg.Notify.Targets))
	for _, t := range cfg.Notify.Targets {
		out = append(out, notify.Target{URL: t.URL, Verbose: t.Verbose})
	}
	return out
}

// OpenStore returns the snapshot history: SQLite when history.path is set,
// memory otherwise.
func OpenStore(cfg *config.Config) (task.Store, error) {
	if cfg.History.Path == "" {
		return task.NewMemoryStore(cfg.History.MaxTasks), nil
	}
	s, err := task.NewSQLiteStore(cfg.History.Path, cfg.History.MaxTasks)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return s, nil
}
