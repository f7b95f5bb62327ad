package main

import (
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/trok/build"
	"github.com/GoCodeAlone/trok/git"
	"github.com/GoCodeAlone/trok/internal/logging"
	"github.com/GoCodeAlone/trok/workspace"
)

func newCollectDistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect-dist [repo-dir]",
		Short: "Gather every package's dist/ under the repository's root dist/",
		Long: "Move each non-root package's dist/ directory to dist/<package path> at the\n" +
			"repository root, so one artifact directory holds the whole build.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			s := &workspace.Scanner{Root: abs, Git: &git.Client{}, Logger: logging.New("workspace")}
			repos, err := s.Discover(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			t := newTable(out, "PACKAGE", "FROM", "TO")
			var moved int
			for _, repo := range repos {
				ms, err := build.CollectDist(repo.Path, repo.Packages)
				if err != nil {
					return fmt.Errorf("collect %s: %w", repo.Path, err)
				}
				for _, m := range ms {
					t.AppendRow(table.Row{m.Package, rel(abs, m.From), rel(abs, m.To)})
				}
				moved += len(ms)
			}
			if moved == 0 {
				fmt.Fprintln(out, "no dist directories to collect")
				return nil
			}
			t.Render()
			return nil
		},
	}
}

func rel(base, path string) string {
	if r, err := filepath.Rel(base, path); err == nil {
		return r
	}
	return path
}
