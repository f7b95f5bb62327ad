package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/trok/task"
)

// ConsoleSink logs events through slog. Snapshots log at info (warn when
// rejected); stream chunks log at debug, one record per line.
type ConsoleSink struct {
	Logger    *slog.Logger
	IsVerbose bool
}

func (c *ConsoleSink) Name() string  { return "console" }
func (c *ConsoleSink) Verbose() bool { return c.IsVerbose }
func (c *ConsoleSink) Close() error  { return nil }

func (c *ConsoleSink) Deliver(ctx context.Context, ev task.Event) error {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	switch ev.Type {
	case task.EventStream:
		d := ev.Stream
		for _, line := range strings.Split(strings.TrimRight(d.Data, "\n"), "\n") {
			log.DebugContext(ctx, line, slog.String("task", d.Task.ID), slog.String("package", d.PackagePath))
		}
	case task.EventSnapshot:
		s := ev.Snapshot
		attrs := []any{
			slog.String("task", s.Task.ID),
			slog.String("origin", s.Task.Origin),
			slog.String("branch", s.Task.Branch),
			slog.String("selector", s.Task.Selector),
			slog.String("status", s.Status.String()),
		}
		if len(s.Packages) > 0 {
			attrs = append(attrs, slog.Any("packages", packageSummary(s.Packages)))
		}
		if s.Logs != nil && s.Logs.Message != "" {
			attrs = append(attrs, slog.String("message", s.Logs.Message))
		}
		if s.Status == task.StatusRejected {
			log.WarnContext(ctx, "task snapshot", attrs...)
		} else {
			log.InfoContext(ctx, "task snapshot", attrs...)
		}
	}
	return nil
}

func packageSummary(pkgs []task.Package) map[string]string {
	out := make(map[string]string, len(pkgs))
	for _, p := range pkgs {
		out[p.Path] = p.Status.String()
	}
	return out
}
