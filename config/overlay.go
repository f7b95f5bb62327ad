package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. TROK_SERVER_ADDR.
const EnvPrefix = "TROK"

// NewViper returns a viper instance reading TROK_* environment variables,
// with dots in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Overlay copies every key that is set in v (flag, env, or explicit Set) over
// the matching field of cfg. Keys left unset keep the file or default value.
func Overlay(cfg *Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("server.addr", &cfg.Server.Addr)
	str("auth.jwt_secret", &cfg.Auth.JWTSecret)
	str("auth.admin_user", &cfg.Auth.AdminUser)
	str("auth.admin_pass", &cfg.Auth.AdminPass)
	str("workspace.root", &cfg.Workspace.Root)
	str("history.path", &cfg.History.Path)
	str("webhook.github_secret", &cfg.Webhook.GitHubSecret)
	str("log_level", &cfg.LogLevel)
	str("log_format", &cfg.LogFormat)

	if v.IsSet("workspace.watch") {
		cfg.Workspace.Watch = v.GetBool("workspace.watch")
	}
	if v.IsSet("workspace.debounce") {
		cfg.Workspace.Debounce = v.GetDuration("workspace.debounce")
	}
	if v.IsSet("build.install_timeout") {
		cfg.Build.InstallTimeout = v.GetDuration("build.install_timeout")
	}
	if v.IsSet("build.build_timeout") {
		cfg.Build.BuildTimeout = v.GetDuration("build.build_timeout")
	}
	if v.IsSet("build.wait_delay") {
		cfg.Build.WaitDelay = v.GetDuration("build.wait_delay")
	}
	if v.IsSet("runner.pull") {
		cfg.Runner.Pull = v.GetBool("runner.pull")
	}
	if v.IsSet("runner.max_commits") {
		cfg.Runner.MaxCommits = v.GetInt("runner.max_commits")
	}
	if v.IsSet("dispatch.interval") {
		cfg.Dispatch.Interval = v.GetDuration("dispatch.interval")
	}
	if v.IsSet("history.max_tasks") {
		cfg.History.MaxTasks = v.GetInt("history.max_tasks")
	}
	if v.IsSet("hub.heartbeat_timeout") {
		cfg.Hub.HeartbeatTimeout = v.GetDuration("hub.heartbeat_timeout")
	}
	if v.IsSet("notify.verbose") {
		cfg.Notify.Verbose = v.GetBool("notify.verbose")
	}
	// notify.urls appends non-verbose targets, e.g. TROK_NOTIFY_URLS=https://a,wss://b
	if v.IsSet("notify.urls") {
		for _, item := range v.GetStringSlice("notify.urls") {
			for _, u := range strings.Split(item, ",") {
				if u = strings.TrimSpace(u); u != "" {
					cfg.Notify.Targets = append(cfg.Notify.Targets, NotifyTarget{URL: u})
				}
			}
		}
	}
}
