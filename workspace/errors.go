package workspace

import "errors"

// Sentinel errors for repository lookup.
var (
	// ErrRepositoryNotFound means no registered repository shares the origin.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrBranchNotFound means the origin is registered, but not on the requested branch.
	ErrBranchNotFound = errors.New("branch not found")
)

// IsNotFound reports whether err means no repository matched (origin or branch).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRepositoryNotFound) || errors.Is(err, ErrBranchNotFound)
}
