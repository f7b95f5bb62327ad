// Package runner executes one task against a local repository: it selects
// the affected packages, builds them one by one and reports every step as a
// snapshot to a notification sink.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/trok/build"
	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/notify"
	"github.com/GoCodeAlone/trok/proc"
	"github.com/GoCodeAlone/trok/task"
	"github.com/GoCodeAlone/trok/workspace"
)

// DefaultMaxCommits caps the commit subjects attached to a range task.
const DefaultMaxCommits = 20

// Finder locates the repository a task targets.
type Finder interface {
	Find(origin, branch string) (workspace.Repository, error)
}

// PackageSelector resolves a selector to package paths.
type PackageSelector interface {
	Select(ctx context.Context, repo workspace.Repository, sel string) ([]string, error)
}

// Builder installs and builds a single package.
type Builder interface {
	InstallAndBuild(ctx context.Context, repoPath, pkgPath string, onChunk proc.ChunkFunc) (build.Output, error)
}

// Guard restores the repository after each package build.
type Guard interface {
	CheckClean(ctx context.Context, repoPath string, onChunk proc.ChunkFunc) error
}

// Git is the subset of git the runner drives directly.
type Git interface {
	Pull(ctx context.Context, dir string, onChunk proc.ChunkFunc) error
	CommitSubjects(ctx context.Context, dir, selector string, max int) ([]string, error)
}

// Runner executes tasks. It holds no per-task state and a single Runner may
// be reused across tasks, though tasks against one repository must not run
// concurrently.
type Runner struct {
	Repos    Finder
	Selector PackageSelector
	Builder  Builder
	Guard    Guard
	Git      Git

	// Pull runs `git pull` before selecting packages.
	Pull       bool
	MaxCommits int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// run carries the state of one task execution.
type run struct {
	r    *Runner
	t    task.Task
	sink notify.Sink
	ctx  context.Context // delivery context; never cancelled
	log  *slog.Logger

	mu     sync.Mutex
	lastTS int64

	packages []task.Package
	commits  []string
}

// Run executes t, delivering every snapshot and output chunk to sink, and
// returns the terminal status. It never returns an error: failures become a
// rejected snapshot.
func (r *Runner) Run(ctx context.Context, t task.Task, sink notify.Sink) task.Status {
	x := &run{
		r:    r,
		t:    t,
		sink: sink,
		ctx:  context.WithoutCancel(ctx),
		log:  r.logger().With(slog.String("task", t.ID)),
	}
	status := x.execute(ctx)
	r.Metrics.TaskFinished(status.String())
	x.log.Info("task finished", slog.String("status", status.String()))
	return status
}

func (x *run) execute(ctx context.Context) task.Status {
	x.log.Info("task started",
		slog.String("origin", workspace.RedactOrigin(x.t.Origin)),
		slog.String("branch", x.t.Branch),
		slog.String("selector", x.t.Selector),
	)

	repo, err := x.prepare(ctx)
	if err != nil {
		x.log.Warn("task preparation failed", slog.Any("err", err))
		x.emit(task.Snapshot{Status: task.StatusRejected, Logs: &task.Logs{Message: err.Error()}})
		return task.StatusRejected
	}
	x.emit(task.Snapshot{Status: task.StatusPending})

	for i := range x.packages {
		pkg := &x.packages[i]
		if err := ctx.Err(); err != nil {
			x.emit(task.Snapshot{Status: task.StatusRejected, Logs: &task.Logs{Message: fmt.Sprintf("task cancelled: %v", err)}})
			return task.StatusRejected
		}

		x.advance(pkg, task.StatusProgress)
		x.emit(task.Snapshot{Status: task.StatusProgress})

		out, err := x.r.Builder.InstallAndBuild(ctx, repo.Path, pkg.Path, x.chunks(pkg.Path))
		if err != nil {
			x.advance(pkg, task.StatusRejected)
			pkg.Logs = failureLogs(err)
			x.log.Warn("package rejected", slog.String("package", pkg.Path), slog.Any("err", err))
		} else {
			x.advance(pkg, task.StatusResolved)
			pkg.Logs = &task.Logs{Stdout: out.Stdout, Stderr: out.Stderr}
			x.log.Info("package resolved", slog.String("package", pkg.Path), slog.String("manager", out.Manager))
		}
		x.r.Metrics.PackageFinished(pkg.Status.String())

		guardErr := x.r.Guard.CheckClean(ctx, repo.Path, x.chunks(""))
		x.emit(task.Snapshot{Status: task.StatusProgress})
		if guardErr != nil {
			x.log.Warn("repository left dirty", slog.String("package", pkg.Path), slog.Any("err", guardErr))
			x.emit(task.Snapshot{Status: task.StatusRejected, Logs: &task.Logs{Message: guardErr.Error()}})
			return task.StatusRejected
		}
	}

	if err := ctx.Err(); err != nil {
		x.emit(task.Snapshot{Status: task.StatusRejected, Logs: &task.Logs{Message: fmt.Sprintf("task cancelled: %v", err)}})
		return task.StatusRejected
	}
	x.emit(task.Snapshot{Status: task.StatusResolved})
	return task.StatusResolved
}

// prepare resolves the repository, refreshes it and selects packages.
func (x *run) prepare(ctx context.Context) (workspace.Repository, error) {
	if err := x.t.Validate(); err != nil {
		return workspace.Repository{}, err
	}
	repo, err := x.r.Repos.Find(x.t.Origin, x.t.Branch)
	if err != nil {
		return workspace.Repository{}, err
	}

	if x.r.Pull {
		if err := x.r.Git.Pull(ctx, repo.Path, x.chunks("")); err != nil {
			return repo, fmt.Errorf("pull %s: %w", repo.Path, err)
		}
	}

	paths, err := x.r.Selector.Select(ctx, repo, x.t.Selector)
	if err != nil {
		return repo, err
	}
	x.packages = make([]task.Package, len(paths))
	for i, p := range paths {
		x.packages[i] = task.Package{Path: p, Status: task.StatusPending}
	}

	if strings.Contains(x.t.Selector, "...") {
		commits, err := x.r.Git.CommitSubjects(ctx, repo.Path, x.t.Selector, x.r.maxCommits())
		if err != nil {
			x.log.Warn("list commits", slog.Any("err", err))
		}
		x.commits = commits
	}
	return repo, nil
}

func (x *run) advance(pkg *task.Package, to task.Status) {
	if err := pkg.Advance(to); err != nil {
		x.log.Error("package state", slog.Any("err", err))
	}
}

// chunks returns a callback forwarding subprocess output as stream events.
func (x *run) chunks(pkgPath string) proc.ChunkFunc {
	return func(_ proc.Stream, text string) {
		x.sink.Deliver(x.ctx, task.StreamEvent(task.StreamData{ //nolint:errcheck
			Task:        x.t,
			PackagePath: pkgPath,
			Data:        text,
		}))
	}
}

// emit fills in the task, packages, commits and timestamp and delivers s.
// Terminal rejections raised before packages were selected carry none.
func (x *run) emit(s task.Snapshot) {
	s.Task = x.t
	s.Timestamp = x.timestamp()
	s.Packages = x.packages
	s.Commits = x.commits
	if err := x.sink.Deliver(x.ctx, task.SnapshotEvent(s)); err != nil {
		x.log.Warn("deliver snapshot", slog.Any("err", err))
	}
}

// timestamp returns unix milliseconds, strictly increasing within the run.
func (x *run) timestamp() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= x.lastTS {
		ts = x.lastTS + 1
	}
	x.lastTS = ts
	return ts
}

// failureLogs builds package logs from a build error, keeping the raw
// process output when the error came from a subprocess.
func failureLogs(err error) *task.Logs {
	logs := &task.Logs{Message: err.Error()}
	var ee *proc.ExitError
	if errors.As(err, &ee) {
		logs.Stdout = ee.Stdout
		logs.Stderr = ee.Stderr
		logs.Signal = ee.Signal
		if ee.Signal == "" {
			code := ee.ExitCode
			logs.ExitCode = &code
		}
	}
	return logs
}

func (r *Runner) maxCommits() int {
	if r.MaxCommits <= 0 {
		return DefaultMaxCommits
	}
	return r.MaxCommits
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
