// Package selector resolves a selector string (a package path or a git
// revision range) to the packages of a repository that must be rebuilt.
package selector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/trok/git"
	"github.com/GoCodeAlone/trok/workspace"
)

var (
	// ErrNoPackageFound means the selector matched no package.
	ErrNoPackageFound = errors.New("no package found")

	// ErrGitDiffFailed means git could not compute the changed files.
	ErrGitDiffFailed = errors.New("git diff failed")

	// ErrInvalidSelector means the selector is empty or malformed.
	ErrInvalidSelector = errors.New("invalid selector")
)

// Kind classifies a selector.
type Kind uint8

const (
	KindRevision Kind = iota // "HEAD", "v1.2.0"
	KindRange                // "a..b", "a...b"
	KindPath                 // ".", "./packages/ui"
)

func (k Kind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindRange:
		return "range"
	default:
		return "revision"
	}
}

// KindOf classifies sel. A leading "." always means a path.
func KindOf(sel string) Kind {
	switch {
	case strings.HasPrefix(sel, "."):
		return KindPath
	case strings.Contains(sel, ".."):
		return KindRange
	default:
		return KindRevision
	}
}

// Validate rejects selectors that cannot be resolved.
func Validate(sel string) error {
	s := strings.TrimSpace(sel)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSelector)
	}
	if s != sel || strings.ContainsAny(s, " \t\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidSelector, sel)
	}
	if KindOf(s) != KindPath && strings.HasPrefix(s, "-") {
		return fmt.Errorf("%w: %q looks like a flag", ErrInvalidSelector, sel)
	}
	return nil
}

// GitDiffError carries git's stderr for a failed change query.
type GitDiffError struct {
	Selector string
	Stderr   string
	Err      error
}

func (e *GitDiffError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s for %q: %s", ErrGitDiffFailed, e.Selector, msg)
}

func (e *GitDiffError) Is(target error) bool { return target == ErrGitDiffFailed }

func (e *GitDiffError) Unwrap() error { return e.Err }

// Differ lists files changed by a revision selector, relative to the
// repository root. *git.Client implements it.
type Differ interface {
	DiffNames(ctx context.Context, dir, selector string) ([]string, error)
}

// Selector resolves selectors against repositories.
type Selector struct {
	Differ Differ
}

// New returns a Selector backed by the git command line.
func New(gc *git.Client) *Selector {
	return &Selector{Differ: gc}
}

// Select returns the packages of repo named by sel, in repository package
// order. Path selectors match exactly; revision selectors attribute each
// changed file to the package with the longest matching path.
func (s *Selector) Select(ctx context.Context, repo workspace.Repository, sel string) ([]string, error) {
	if err := Validate(sel); err != nil {
		return nil, err
	}

	if KindOf(sel) == KindPath {
		want := cleanPath(sel)
		if repo.HasPackage(want) {
			return []string{want}, nil
		}
		return nil, fmt.Errorf("%w: %s is not a package of %s", ErrNoPackageFound, sel, repo.Path)
	}

	files, err := s.Differ.DiffNames(ctx, repo.Path, sel)
	if err != nil {
		stderr := ""
		var ce *git.CommandError
		if errors.As(err, &ce) {
			stderr = ce.Stderr
		}
		return nil, &GitDiffError{Selector: sel, Stderr: stderr, Err: err}
	}

	pkgs := Attribute(repo.Packages, files)
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("%w: %s changed %d file(s) outside any package", ErrNoPackageFound, sel, len(files))
	}
	return pkgs, nil
}

// Attribute maps changed files (repository-relative, slash separated) onto
// packages. Each file goes to the package with the most path segments that
// is a prefix of it; "." is a prefix of every file. Files no package covers
// are dropped. The result keeps the order of packages.
func Attribute(packages, files []string) []string {
	hit := make(map[string]bool, len(packages))
	for _, f := range files {
		f = strings.TrimPrefix(f, "./")
		best, bestDepth := "", -1
		for _, p := range packages {
			d, ok := prefixDepth(p, f)
			if ok && d > bestDepth {
				best, bestDepth = p, d
			}
		}
		if bestDepth >= 0 {
			hit[best] = true
		}
	}

	var out []string
	for _, p := range packages {
		if hit[p] {
			out = append(out, p)
		}
	}
	return out
}

// prefixDepth reports whether pkg covers file and how many segments pkg has.
// Matching is per segment, so "./a" does not cover "ab/x".
func prefixDepth(pkg, file string) (int, bool) {
	if pkg == "." {
		return 0, true
	}
	rel := strings.TrimPrefix(pkg, "./")
	if file == rel || strings.HasPrefix(file, rel+"/") {
		return strings.Count(rel, "/") + 1, true
	}
	return 0, false
}

// cleanPath drops trailing slashes so "./a/" and "./" match "./a" and ".".
func cleanPath(sel string) string {
	p := strings.TrimRight(sel, "/")
	if p == "" {
		return "."
	}
	return p
}
