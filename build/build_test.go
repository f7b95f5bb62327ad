package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/GoCodeAlone/trok/proc"
)

// fakeManager installs an executable script named name into a fresh bin dir
// at the front of PATH.
func fakeManager(t *testing.T, name, script string) {
	t.Helper()
	bin := t.TempDir()
	body := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(filepath.Join(bin, name), []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func pkgDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

type chunks struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *chunks) add(_ proc.Stream, s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(s)
}

func (c *chunks) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestDetectManager(t *testing.T) {
	tests := []struct {
		lockfile string
		want     string
	}{
		{"pnpm-lock.yaml", "pnpm"},
		{"package-lock.json", "npm"},
		{"yarn.lock", "yarn"},
		{"bun.lockb", "bun"},
		{"deno.lock", "deno"},
	}
	for _, tt := range tests {
		m, err := DetectManager(pkgDir(t, "package.json", tt.lockfile))
		if err != nil {
			t.Errorf("DetectManager(%s): %v", tt.lockfile, err)
			continue
		}
		if m.Name != tt.want {
			t.Errorf("DetectManager(%s) = %s, want %s", tt.lockfile, m.Name, tt.want)
		}
	}
}

func TestDetectManager_None(t *testing.T) {
	_, err := DetectManager(pkgDir(t, "package.json"))
	if !errors.Is(err, ErrNoLockfile) {
		t.Errorf("err = %v, want ErrNoLockfile", err)
	}
}

func TestDetectManager_Ambiguous(t *testing.T) {
	_, err := DetectManager(pkgDir(t, "yarn.lock", "pnpm-lock.yaml", "package-lock.json"))
	if !errors.Is(err, ErrAmbiguousLockfile) {
		t.Fatalf("err = %v, want ErrAmbiguousLockfile", err)
	}
	var le *LockfileError
	if !errors.As(err, &le) {
		t.Fatalf("err = %v, want *LockfileError", err)
	}
	want := []string{"pnpm-lock.yaml", "package-lock.json", "yarn.lock"}
	if diff := cmp.Diff(want, le.Found); diff != "" {
		t.Errorf("Found mismatch (-want +got):\n%s", diff)
	}
}

func TestInstallAndBuild_Success(t *testing.T) {
	fakeManager(t, "pnpm", `echo "pnpm $*"`)
	repo := t.TempDir()
	pkg := filepath.Join(repo, "packages", "ui")
	if err := os.MkdirAll(pkg, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "pnpm-lock.yaml"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var streamed chunks
	e := &Executor{InstallTimeout: time.Minute}
	out, err := e.InstallAndBuild(context.Background(), repo, "./packages/ui", streamed.add)
	if err != nil {
		t.Fatalf("InstallAndBuild: %v", err)
	}
	if out.Manager != "pnpm" {
		t.Errorf("Manager = %q, want pnpm", out.Manager)
	}
	if out.Stdout != "pnpm install --frozen-lockfile\npnpm run build\n" {
		t.Errorf("Stdout = %q", out.Stdout)
	}
	s := streamed.String()
	if !strings.Contains(s, "$ pnpm install --frozen-lockfile\n") || !strings.Contains(s, "$ pnpm run build\n") {
		t.Errorf("streamed output lacks prompts: %q", s)
	}
}

func TestInstallAndBuild_NpmUsesCI(t *testing.T) {
	fakeManager(t, "npm", `echo "npm $*"`)
	dir := pkgDir(t, "package-lock.json")

	out, err := (&Executor{}).InstallAndBuild(context.Background(), dir, ".", nil)
	if err != nil {
		t.Fatalf("InstallAndBuild: %v", err)
	}
	if out.Stdout != "npm ci\nnpm run build\n" {
		t.Errorf("Stdout = %q", out.Stdout)
	}
}

func TestInstallAndBuild_BuildFailure(t *testing.T) {
	fakeManager(t, "yarn", `if [ "$1" = run ]; then echo "compiling"; echo "TS2304: cannot find name" >&2; exit 2; fi`)
	dir := pkgDir(t, "yarn.lock")

	_, err := (&Executor{}).InstallAndBuild(context.Background(), dir, ".", nil)
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("err = %v, want ErrBuildFailed", err)
	}
	if errors.Is(err, ErrInstallFailed) {
		t.Error("build failure also matches ErrInstallFailed")
	}
	var ee *proc.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want wrapped *proc.ExitError", err)
	}
	if ee.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", ee.ExitCode)
	}
	if ee.Stdout != "compiling\n" || ee.Stderr != "TS2304: cannot find name\n" {
		t.Errorf("captured = %q / %q", ee.Stdout, ee.Stderr)
	}
}

func TestInstallAndBuild_InstallTimeout(t *testing.T) {
	fakeManager(t, "bun", `if [ "$1" = install ]; then sleep 30; fi; echo built`)
	dir := pkgDir(t, "bun.lockb")

	start := time.Now()
	_, err := (&Executor{InstallTimeout: 200 * time.Millisecond}).InstallAndBuild(context.Background(), dir, ".", nil)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
	var ee *proc.ExitError
	if !errors.As(err, &ee) || !ee.TimedOut {
		t.Errorf("err = %v, want a timed out *proc.ExitError", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("install was not killed at the timeout")
	}
}

func TestInstallAndBuild_NoLockfileSpawnsNothing(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	fakeManager(t, "npx", "touch "+marker)
	dir := pkgDir(t, "package.json")

	_, err := (&Executor{}).InstallAndBuild(context.Background(), dir, ".", nil)
	if !errors.Is(err, ErrNoLockfile) {
		t.Fatalf("err = %v, want ErrNoLockfile", err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("a subprocess ran for a package without a lockfile")
	}
}

func TestInstallAndBuild_AmbiguousSpawnsNothing(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	for _, name := range []string{"npm", "yarn", "npx"} {
		fakeManager(t, name, "touch "+marker)
	}
	dir := pkgDir(t, "package.json", "package-lock.json", "yarn.lock")

	_, err := (&Executor{}).InstallAndBuild(context.Background(), dir, ".", nil)
	if !errors.Is(err, ErrAmbiguousLockfile) {
		t.Fatalf("err = %v, want ErrAmbiguousLockfile", err)
	}
	for _, name := range []string{"package-lock.json", "yarn.lock"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("err = %q, want it to name %s", err, name)
		}
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("a subprocess ran for a package with two lockfiles")
	}
}

func TestInstallAndBuild_NpxFallback(t *testing.T) {
	fakeManager(t, "npx", `echo "npx $*"`)
	dir := pkgDir(t, "pnpm-lock.yaml")

	e := &Executor{LookPath: func(file string) (string, error) {
		if file == "pnpm" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + file, nil
	}}
	out, err := e.InstallAndBuild(context.Background(), dir, ".", nil)
	if err != nil {
		t.Fatalf("InstallAndBuild: %v", err)
	}
	want := "npx --yes pnpm install --frozen-lockfile\nnpx --yes pnpm run build\n"
	if out.Stdout != want {
		t.Errorf("Stdout = %q, want %q", out.Stdout, want)
	}
}

func TestCollectDist(t *testing.T) {
	repo := t.TempDir()
	for _, f := range []string{
		"apps/web/dist/index.html",
		"packages/ui/dist/ui.js",
		"dist/apps/web/stale.html",
	} {
		p := filepath.Join(repo, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	moved, err := CollectDist(repo, []string{".", "./apps/web", "./packages/ui", "./packages/no-build"})
	if err != nil {
		t.Fatalf("CollectDist: %v", err)
	}
	if len(moved) != 2 {
		t.Fatalf("moved %d directories, want 2: %+v", len(moved), moved)
	}
	for _, f := range []string{"dist/apps/web/index.html", "dist/packages/ui/ui.js"} {
		if _, err := os.Stat(filepath.Join(repo, filepath.FromSlash(f))); err != nil {
			t.Errorf("%s missing after collect: %v", f, err)
		}
	}
	if _, err := os.Stat(filepath.Join(repo, "dist", "apps", "web", "stale.html")); err == nil {
		t.Error("stale destination content survived")
	}
	if _, err := os.Stat(filepath.Join(repo, "apps", "web", "dist")); err == nil {
		t.Error("source dist still present after move")
	}
}
