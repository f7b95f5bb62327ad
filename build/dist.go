package build

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DistDir is the build output directory collected by CollectDist.
const DistDir = "dist"

// Moved records one collected output directory.
type Moved struct {
	Package string `json:"package"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// CollectDist moves each package's dist/ directory into the repository's
// root dist/, at the package's relative path, so one directory holds every
// build output. The root package is skipped. Packages without a dist/ are
// ignored; an existing destination is replaced.
func CollectDist(repoPath string, packages []string) ([]Moved, error) {
	var moved []Moved
	for _, pkg := range packages {
		if pkg == "." || pkg == "" {
			continue
		}
		rel := filepath.FromSlash(pkg)
		from := filepath.Join(repoPath, rel, DistDir)
		fi, err := os.Stat(from)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return moved, fmt.Errorf("stat %s: %w", from, err)
		}
		if !fi.IsDir() {
			continue
		}

		to := filepath.Join(repoPath, DistDir, rel)
		if err := os.RemoveAll(to); err != nil {
			return moved, fmt.Errorf("clear %s: %w", to, err)
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return moved, fmt.Errorf("create %s: %w", filepath.Dir(to), err)
		}
		if err := os.Rename(from, to); err != nil {
			return moved, fmt.Errorf("move %s: %w", from, err)
		}
		moved = append(moved, Moved{Package: pkg, From: from, To: to})
	}
	return moved, nil
}
