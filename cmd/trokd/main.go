// Command trokd is the trok build daemon. It scans a workspace of
// repositories, queues build tasks from the API and webhooks, runs them one
// at a time, and streams their progress to observers and notification sinks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GoCodeAlone/trok/config"
	"github.com/GoCodeAlone/trok/dispatch"
	"github.com/GoCodeAlone/trok/internal/app"
	"github.com/GoCodeAlone/trok/internal/logging"
	"github.com/GoCodeAlone/trok/internal/version"
	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/notify"
	"github.com/GoCodeAlone/trok/server"
	"github.com/GoCodeAlone/trok/server/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	root := &cobra.Command{
		Use:           "trokd",
		Short:         "Monorepo build daemon",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			verbose, _ := cmd.Flags().GetBool("verbose")
			cfg, err := app.LoadConfig(cfgPath, v)
			if err != nil {
				return err
			}
			if err := app.InitLogging(cfg, verbose); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	root.SetVersionTemplate(version.String("trokd") + "\n")

	flags := root.Flags()
	flags.String("config", "", "config file (default "+app.DefaultConfigFile+" when present)")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.String("addr", "", "listen address")
	flags.String("root", "", "workspace root")
	flags.Bool("watch", false, "rescan the workspace when repositories appear or disappear")
	flags.String("history", "", "SQLite file for snapshot history (memory when empty)")
	bind(v, root, map[string]string{
		"server.addr":     "addr",
		"workspace.root":  "root",
		"workspace.watch": "watch",
		"history.path":    "history",
	})

	root.AddCommand(newHashPasswordCmd())
	return root
}

// bind maps viper keys onto flags so that a set flag wins over env and file.
func bind(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(name))
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New("trokd")
	log.Info("starting", slog.String("version", version.Version), slog.String("commit", version.Commit))

	m := metrics.New()
	store, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	p := app.NewPipeline(cfg, m)
	if err := p.Registry.Rescan(ctx); err != nil {
		return fmt.Errorf("scan workspace: %w", err)
	}
	if cfg.Workspace.Watch {
		go func() {
			if err := p.Registry.Watch(ctx, cfg.Workspace.Debounce); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("workspace watch stopped", slog.Any("err", err))
			}
		}()
	}

	hub := ws.NewHub(store, logging.New("hub"), m)
	hub.HeartbeatTimeout = cfg.Hub.HeartbeatTimeout

	d := dispatch.New(dispatch.Config{
		Runner: p.Runner,
		Notifier: &notify.Factory{
			Targets:        app.Targets(cfg),
			Local:          []notify.Sink{hub.Sink()},
			ConsoleVerbose: cfg.Notify.Verbose,
			Logger:         logging.New("notify"),
			Metrics:        m,
		},
		Interval: cfg.Dispatch.Interval,
		Logger:   logging.New("dispatch"),
		Metrics:  m,
	})
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	srv := server.New(*cfg, version.Version, logging.New("server"))
	srv.SetDispatcher(d)
	srv.SetRegistry(p.Registry)
	srv.SetHub(hub)
	srv.SetMetrics(m)
	srv.SetServerID(uuid.NewString())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("server stop", slog.Any("err", err))
	}
	select {
	case err := <-errCh:
		return err
	case <-shutdownCtx.Done():
		return nil
	}
}
