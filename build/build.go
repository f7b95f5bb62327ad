// Package build installs dependencies and runs the build script of a single
// package through the package manager its lockfile names.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/proc"
)

var (
	// ErrNoLockfile means the package has no recognised lockfile.
	ErrNoLockfile = errors.New("no lockfile found")

	// ErrAmbiguousLockfile means lockfiles of more than one manager exist.
	ErrAmbiguousLockfile = errors.New("multiple lockfiles found")

	// ErrInstallFailed means dependency installation failed or timed out.
	ErrInstallFailed = errors.New("install failed")

	// ErrBuildFailed means the build script failed.
	ErrBuildFailed = errors.New("build failed")
)

// Manager describes how to drive one package manager.
type Manager struct {
	Name        string
	Lockfile    string
	InstallArgs []string
	BuildArgs   []string
}

// Managers is the lockfile table, in detection order.
var Managers = []Manager{
	{Name: "pnpm", Lockfile: "pnpm-lock.yaml", InstallArgs: []string{"install", "--frozen-lockfile"}, BuildArgs: []string{"run", "build"}},
	{Name: "npm", Lockfile: "package-lock.json", InstallArgs: []string{"ci"}, BuildArgs: []string{"run", "build"}},
	{Name: "yarn", Lockfile: "yarn.lock", InstallArgs: []string{"install", "--frozen-lockfile"}, BuildArgs: []string{"run", "build"}},
	{Name: "bun", Lockfile: "bun.lockb", InstallArgs: []string{"install", "--frozen-lockfile"}, BuildArgs: []string{"run", "build"}},
	{Name: "deno", Lockfile: "deno.lock", InstallArgs: []string{"install", "--frozen"}, BuildArgs: []string{"task", "build"}},
}

// LockfileError lists the lockfiles found in a package that has more than one.
type LockfileError struct {
	Dir   string
	Found []string
}

func (e *LockfileError) Error() string {
	return fmt.Sprintf("%s in %s: %s", ErrAmbiguousLockfile, e.Dir, strings.Join(e.Found, ", "))
}

func (e *LockfileError) Is(target error) bool { return target == ErrAmbiguousLockfile }

// DetectManager picks the package manager from the lockfile in dir.
func DetectManager(dir string) (Manager, error) {
	var found []Manager
	for _, m := range Managers {
		if _, err := os.Stat(filepath.Join(dir, m.Lockfile)); err == nil {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return Manager{}, fmt.Errorf("%w in %s", ErrNoLockfile, dir)
	case 1:
		return found[0], nil
	}
	names := make([]string, len(found))
	for i, m := range found {
		names[i] = m.Lockfile
	}
	return Manager{}, &LockfileError{Dir: dir, Found: names}
}

// StepError reports a failed install or build step. It matches
// ErrInstallFailed or ErrBuildFailed and unwraps to the process error.
type StepError struct {
	Step    string // "install" or "build"
	Manager string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s with %s failed: %v", e.Step, e.Manager, e.Err)
}

func (e *StepError) Is(target error) bool {
	switch e.Step {
	case "install":
		return target == ErrInstallFailed
	case "build":
		return target == ErrBuildFailed
	}
	return false
}

func (e *StepError) Unwrap() error { return e.Err }

// Output is the captured output of a successful install and build.
type Output struct {
	Manager string
	Stdout  string
	Stderr  string
}

// Executor runs install then build for one package at a time.
type Executor struct {
	InstallTimeout time.Duration // 0 disables
	BuildTimeout   time.Duration // 0 disables
	WaitDelay      time.Duration
	// LookPath resolves manager binaries; nil uses exec.LookPath. A manager
	// that cannot be found runs through "npx --yes <manager>".
	LookPath func(file string) (string, error)
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// InstallAndBuild detects the package manager for pkgPath (relative to
// repoPath), installs dependencies with a frozen lockfile, then runs the
// build script. Output of both steps is streamed to onChunk.
func (e *Executor) InstallAndBuild(ctx context.Context, repoPath, pkgPath string, onChunk proc.ChunkFunc) (Output, error) {
	dir := filepath.Join(repoPath, filepath.FromSlash(pkgPath))
	m, err := DetectManager(dir)
	if err != nil {
		return Output{}, err
	}

	out := Output{Manager: m.Name}
	install, err := e.step(ctx, "install", m, m.InstallArgs, dir, e.InstallTimeout, onChunk)
	if err != nil {
		return out, err
	}
	build, err := e.step(ctx, "build", m, m.BuildArgs, dir, e.BuildTimeout, onChunk)
	if err != nil {
		return out, err
	}
	out.Stdout = install.Stdout + build.Stdout
	out.Stderr = install.Stderr + build.Stderr
	return out, nil
}

func (e *Executor) step(ctx context.Context, step string, m Manager, args []string, dir string, timeout time.Duration, onChunk proc.ChunkFunc) (proc.Result, error) {
	name, args := e.command(m, args)
	e.logger().Debug("package manager step",
		slog.String("step", step),
		slog.String("dir", dir),
		slog.String("cmd", name+" "+strings.Join(args, " ")),
	)

	start := time.Now()
	res, err := proc.Run(ctx, proc.Command{
		Name:      name,
		Args:      args,
		Dir:       dir,
		Timeout:   timeout,
		WaitDelay: e.WaitDelay,
		OnChunk:   onChunk,
		Prompt:    true,
	})
	e.Metrics.ObserveStep(step, m.Name, err == nil, time.Since(start))
	if err != nil {
		return res, &StepError{Step: step, Manager: m.Name, Err: err}
	}
	return res, nil
}

// command resolves the binary for m, falling back to npx which fetches the
// manager on demand and auto-confirms its prompts.
func (e *Executor) command(m Manager, args []string) (string, []string) {
	lookPath := e.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath(m.Name); err == nil {
		return m.Name, args
	}
	return "npx", append([]string{"--yes", m.Name}, args...)
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
