// Package guard keeps repositories clean between package builds. A build
// that leaves tracked changes or untracked files behind would leak into the
// next package's build and into the next git pull.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/trok/git"
	"github.com/GoCodeAlone/trok/proc"
)

// ErrWorkspaceDirty means a build modified the working tree.
var ErrWorkspaceDirty = errors.New("workspace dirty after build")

// DirtyError carries the `git status -s` output that was found. The tree has
// already been reset when it is returned, unless Remediation is set.
type DirtyError struct {
	Path        string
	Status      string
	Remediation error
}

func (e *DirtyError) Error() string {
	msg := fmt.Sprintf("%s: %s\n%s", ErrWorkspaceDirty, e.Path, strings.TrimRight(e.Status, "\n"))
	if e.Remediation != nil {
		msg += fmt.Sprintf("\nreset failed: %v", e.Remediation)
	}
	return msg
}

func (e *DirtyError) Is(target error) bool { return target == ErrWorkspaceDirty }

func (e *DirtyError) Unwrap() error { return e.Remediation }

// Guard checks and restores repository cleanliness.
type Guard struct {
	Git *git.Client
}

// CheckClean returns nil when repoPath has no changes. Otherwise it resets
// tracked files to HEAD, removes untracked files, and returns a *DirtyError.
func (g *Guard) CheckClean(ctx context.Context, repoPath string, onChunk proc.ChunkFunc) error {
	status, err := g.Git.StatusShort(ctx, repoPath, onChunk)
	if err != nil {
		return fmt.Errorf("check workspace status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}

	dirty := &DirtyError{Path: repoPath, Status: status}
	var errs []error
	if err := g.Git.ResetHard(ctx, repoPath, onChunk); err != nil {
		errs = append(errs, err)
	}
	if err := g.Git.CleanUntracked(ctx, repoPath, onChunk); err != nil {
		errs = append(errs, err)
	}
	dirty.Remediation = errors.Join(errs...)
	return dirty
}
