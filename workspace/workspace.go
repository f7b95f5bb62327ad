// Package workspace discovers the git repositories and packages under a
// workspace root and resolves build requests to a checked-out repository.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/trok/git"
	"github.com/GoCodeAlone/trok/metrics"
)

// Repository is a git working tree holding one or more packages.
type Repository struct {
	Origin   string   `json:"origin"`
	Branch   string   `json:"branch"`
	Path     string   `json:"path"`     // absolute
	Packages []string `json:"packages"` // "." or "./sub/dir", sorted
}

// HasPackage reports whether path names a package of r.
func (r Repository) HasPackage(path string) bool {
	for _, p := range r.Packages {
		if p == path {
			return true
		}
	}
	return false
}

// Manifests are the file names that mark a directory as a package.
var Manifests = []string{"package.json", "deno.json", "deno.jsonc"}

// defaultSkipDirs are dependency caches and VCS metadata never walked.
var defaultSkipDirs = []string{
	".git",
	"node_modules",
	"bower_components",
	".pnpm-store",
	".yarn",
	".cache",
}

// Scanner walks a workspace root.
type Scanner struct {
	Root        string
	SkipDirs    []string // extra directory names to skip
	Concurrency int      // parallel git queries; 0 means 8
	Git         *git.Client
	Logger      *slog.Logger

	skipOnce sync.Once
	skip     map[string]struct{}
}

// skipDir is the single filter applied to every directory name in both walks.
func (s *Scanner) skipDir(name string) bool {
	s.skipOnce.Do(func() {
		s.skip = make(map[string]struct{}, len(defaultSkipDirs)+len(s.SkipDirs))
		for _, n := range defaultSkipDirs {
			s.skip[n] = struct{}{}
		}
		for _, n := range s.SkipDirs {
			s.skip[n] = struct{}{}
		}
	})
	_, ok := s.skip[name]
	return ok
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Discover finds every repository under Root, its packages, and its origin
// and branch. Git query failures are logged; the repository is still
// returned with the unknown fields left empty.
func (s *Scanner) Discover(ctx context.Context) ([]Repository, error) {
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	dirs, err := s.findRepositories(root)
	if err != nil {
		return nil, err
	}

	repos := make([]Repository, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)
	for i, dir := range dirs {
		g.Go(func() error {
			repos[i] = s.describe(gctx, dir)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return repos, nil
}

func (s *Scanner) describe(ctx context.Context, dir string) Repository {
	repo := Repository{Path: dir, Packages: s.findPackages(dir)}
	log := s.logger().With(slog.String("repo", dir))

	origin, err := s.Git.RemoteOrigin(ctx, dir)
	if err != nil {
		log.Warn("read origin", slog.Any("err", err))
	}
	repo.Origin = origin

	branch, err := s.Git.CurrentBranch(ctx, dir)
	if err != nil {
		log.Warn("read branch", slog.Any("err", err))
	}
	repo.Branch = branch
	return repo
}

// findRepositories walks root with an explicit stack. A directory with a
// .git entry (directory, or file for worktrees and submodules) is a
// repository and is not searched for further repositories.
func (s *Scanner) findRepositories(root string) ([]string, error) {
	var repos []string
	stack := []string{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == root {
				return nil, fmt.Errorf("read workspace root: %w", err)
			}
			s.logger().Warn("skip unreadable directory", slog.String("dir", dir), slog.Any("err", err))
			continue
		}
		if hasEntry(entries, ".git") {
			repos = append(repos, dir)
			continue
		}
		for _, e := range entries {
			if e.IsDir() && !s.skipDir(e.Name()) {
				stack = append(stack, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(repos)
	return repos, nil
}

// findPackages lists every directory under repoDir that holds a manifest.
func (s *Scanner) findPackages(repoDir string) []string {
	var pkgs []string
	stack := []string{repoDir}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger().Warn("skip unreadable directory", slog.String("dir", dir), slog.Any("err", err))
			continue
		}
		for _, m := range Manifests {
			if hasEntry(entries, m) {
				pkgs = append(pkgs, packagePath(repoDir, dir))
				break
			}
		}
		for _, e := range entries {
			if e.IsDir() && !s.skipDir(e.Name()) {
				stack = append(stack, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(pkgs)
	return pkgs
}

func packagePath(repoDir, dir string) string {
	rel, err := filepath.Rel(repoDir, dir)
	if err != nil || rel == "." {
		return "."
	}
	return "./" + filepath.ToSlash(rel)
}

func hasEntry(entries []os.DirEntry, name string) bool {
	for _, e := range entries {
		if e.Name() == name {
			return true
		}
	}
	return false
}

// Registry holds the most recent discovery result.
type Registry struct {
	// Metrics, when set, tracks the repository count after each scan.
	Metrics *metrics.Metrics

	scanner *Scanner
	logger  *slog.Logger

	mu        sync.RWMutex
	repos     []Repository
	scannedAt time.Time
}

// NewRegistry returns an empty registry; call Rescan to populate it.
func NewRegistry(s *Scanner, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{scanner: s, logger: logger}
}

// Root returns the workspace root being scanned.
func (r *Registry) Root() string { return r.scanner.Root }

// Rescan replaces the registry contents with a fresh discovery.
func (r *Registry) Rescan(ctx context.Context) error {
	repos, err := r.scanner.Discover(ctx)
	if err != nil {
		return fmt.Errorf("rescan workspace: %w", err)
	}
	r.mu.Lock()
	r.repos = repos
	r.scannedAt = time.Now()
	r.mu.Unlock()
	r.Metrics.SetRepositories(len(repos))

	pkgs := 0
	for _, repo := range repos {
		pkgs += len(repo.Packages)
	}
	r.logger.Info("workspace scanned",
		slog.String("root", r.scanner.Root),
		slog.Int("repositories", len(repos)),
		slog.Int("packages", pkgs),
	)
	return nil
}

// Repositories returns a copy of the registered repositories.
func (r *Registry) Repositories() []Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Repository, len(r.repos))
	for i, repo := range r.repos {
		repo.Packages = append([]string(nil), repo.Packages...)
		out[i] = repo
	}
	return out
}

// ScannedAt reports when the last successful scan finished.
func (r *Registry) ScannedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scannedAt
}

// Find returns the repository checked out at (origin, branch). Origins are
// compared with SameOrigin. It returns ErrBranchNotFound when the origin is
// present on other branches only, and ErrRepositoryNotFound otherwise.
func (r *Registry) Find(origin, branch string) (Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var branches []string
	for _, repo := range r.repos {
		if !SameOrigin(repo.Origin, origin) {
			continue
		}
		if repo.Branch == branch {
			repo.Packages = append([]string(nil), repo.Packages...)
			return repo, nil
		}
		branches = append(branches, repo.Branch)
	}
	if len(branches) > 0 {
		return Repository{}, fmt.Errorf("%w: %s on %s (checked out: %s)",
			ErrBranchNotFound, RedactOrigin(origin), branch, strings.Join(branches, ", "))
	}
	return Repository{}, fmt.Errorf("%w: %s", ErrRepositoryNotFound, RedactOrigin(origin))
}
