// Package config defines the trok daemon and CLI configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level trok configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`
	Build     BuildConfig     `json:"build" yaml:"build"`
	Runner    RunnerConfig    `json:"runner" yaml:"runner"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Hub       HubConfig       `json:"hub" yaml:"hub"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"` // "text" or "json"
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":8000"
}

// AuthConfig controls API authentication. Auth is off while AdminPass is empty.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// WorkspaceConfig points at the directory tree holding the repositories.
type WorkspaceConfig struct {
	Root     string        `json:"root" yaml:"root"`
	Watch    bool          `json:"watch" yaml:"watch"`
	Debounce time.Duration `json:"debounce" yaml:"debounce"`
	SkipDirs []string      `json:"skip_dirs,omitempty" yaml:"skip_dirs"` // in addition to the built-in cache dirs
}

// BuildConfig bounds package manager invocations. Zero disables a timeout.
type BuildConfig struct {
	InstallTimeout time.Duration `json:"install_timeout" yaml:"install_timeout"`
	BuildTimeout   time.Duration `json:"build_timeout" yaml:"build_timeout"`
	WaitDelay      time.Duration `json:"wait_delay" yaml:"wait_delay"`
}

// RunnerConfig controls task preparation.
type RunnerConfig struct {
	Pull       bool `json:"pull" yaml:"pull"`
	MaxCommits int  `json:"max_commits" yaml:"max_commits"`
}

// DispatchConfig controls the task queue poll.
type DispatchConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// HistoryConfig controls snapshot retention. An empty Path keeps history in memory.
type HistoryConfig struct {
	MaxTasks int    `json:"max_tasks" yaml:"max_tasks"`
	Path     string `json:"path" yaml:"path"`
}

// HubConfig controls the live feed.
type HubConfig struct {
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
}

// NotifyConfig lists the sinks opened for every task.
type NotifyConfig struct {
	Verbose bool           `json:"verbose" yaml:"verbose"` // console sink receives stream chunks
	Targets []NotifyTarget `json:"targets,omitempty" yaml:"targets"`
}

// NotifyTarget is a remote sink, selected by URL scheme (http, https, ws, wss).
type NotifyTarget struct {
	URL     string `json:"url" yaml:"url"`
	Verbose bool   `json:"verbose" yaml:"verbose"`
}

// WebhookConfig holds the shared secrets for inbound webhooks.
type WebhookConfig struct {
	GitHubSecret string `json:"github_secret" yaml:"github_secret"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8000",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Workspace: WorkspaceConfig{
			Root:     ".",
			Debounce: 2 * time.Second,
		},
		Build: BuildConfig{
			InstallTimeout: 5 * time.Minute,
			WaitDelay:      5 * time.Second,
		},
		Runner: RunnerConfig{
			Pull:       true,
			MaxCommits: 20,
		},
		Dispatch: DispatchConfig{
			Interval: 3 * time.Second,
		},
		History: HistoryConfig{
			MaxTasks: 100,
		},
		Hub: HubConfig{
			HeartbeatTimeout: 30 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every setting that would leave the daemon unable to run.
func (c *Config) Validate() error {
	var errs []error
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	if c.Build.InstallTimeout < 0 || c.Build.BuildTimeout < 0 || c.Build.WaitDelay < 0 {
		errs = append(errs, errors.New("build timeouts must not be negative"))
	}
	if c.Runner.MaxCommits <= 0 {
		errs = append(errs, fmt.Errorf("runner.max_commits must be positive, got %d", c.Runner.MaxCommits))
	}
	if c.Dispatch.Interval <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.interval must be positive, got %s", c.Dispatch.Interval))
	}
	if c.History.MaxTasks <= 0 {
		errs = append(errs, fmt.Errorf("history.max_tasks must be positive, got %d", c.History.MaxTasks))
	}
	if c.Hub.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("hub.heartbeat_timeout must be positive, got %s", c.Hub.HeartbeatTimeout))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
