package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/trok/config"
	"github.com/GoCodeAlone/trok/internal/app"
	"github.com/GoCodeAlone/trok/internal/logging"
	"github.com/GoCodeAlone/trok/notify"
	"github.com/GoCodeAlone/trok/task"
)

// DefaultSelector builds the packages touched by the last commit.
const DefaultSelector = "HEAD^...HEAD"

var errRejected = errors.New("task rejected")

type runOptions struct {
	config   string
	origin   string
	branch   string
	selector string
	notify   string
	verbose  bool
}

func newRunCmd() *cobra.Command {
	var o runOptions
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build changed packages locally, without a server",
		Long: "Discover repositories under --root (default the current directory) and run\n" +
			"one task against the first one found, or the one named by --origin and\n" +
			"--branch. Exits non-zero when the task is rejected.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(o.config, v)
			if err != nil {
				return err
			}
			// local runs build the working copy as is unless asked to pull
			if !v.IsSet("runner.pull") {
				cfg.Runner.Pull = false
			}
			if err := app.InitLogging(cfg, o.verbose); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := app.NewPipeline(cfg, nil)
			if err := p.Registry.Rescan(ctx); err != nil {
				return fmt.Errorf("scan workspace: %w", err)
			}
			if o.origin == "" || o.branch == "" {
				repos := p.Registry.Repositories()
				if len(repos) == 0 {
					return fmt.Errorf("no repository found under %s", cfg.Workspace.Root)
				}
				if o.origin == "" {
					o.origin = repos[0].Origin
				}
				if o.branch == "" {
					o.branch = repos[0].Branch
				}
			}

			t := task.New(o.origin, o.branch, o.selector, "cli")
			f := &notify.Factory{
				Targets:        append(app.Targets(cfg), notify.ParseTargets(o.notify)...),
				ConsoleVerbose: o.verbose || cfg.Notify.Verbose,
				Logger:         logging.New("notify"),
			}
			sink := f.Open(ctx, t)
			defer sink.Close() //nolint:errcheck

			if p.Runner.Run(ctx, t, sink) == task.StatusRejected {
				return errRejected
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&o.config, "config", "", "config file (default "+app.DefaultConfigFile+" when present)")
	flags.StringVar(&o.origin, "origin", "", "repository origin (default: first discovered)")
	flags.StringVar(&o.branch, "branch", "", "repository branch (default: first discovered)")
	flags.StringVarP(&o.selector, "selector", "s", DefaultSelector, "package path or git revision range")
	flags.StringVar(&o.notify, "notify", "", "comma separated http(s) or ws(s) URLs to send events to")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging and process output on the console")
	flags.String("root", "", "workspace root")
	flags.Bool("pull", false, "git pull before selecting packages")
	_ = v.BindPFlag("workspace.root", flags.Lookup("root"))
	_ = v.BindPFlag("runner.pull", flags.Lookup("pull"))
	return cmd
}
