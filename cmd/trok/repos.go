package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize/english"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newReposCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "List repositories known to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := c.client().Repos(cmd.Context())
			if err != nil {
				return err
			}
			printRepos(cmd.OutOrStdout(), r)
			return nil
		},
	}
}

func newRescanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Rediscover repositories under the server's workspace root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := c.client().Rescan(cmd.Context())
			if err != nil {
				return err
			}
			printRepos(cmd.OutOrStdout(), r)
			return nil
		},
	}
}

func printRepos(w io.Writer, r repos) {
	fmt.Fprintf(w, "%s %s, scanned %s\n", r.Root,
		english.Plural(len(r.Repositories), "repository", "repositories"), ago(r.ScannedAt))
	if len(r.Repositories) == 0 {
		return
	}
	t := newTable(w, "ORIGIN", "BRANCH", "PATH", "PACKAGES")
	for _, repo := range r.Repositories {
		t.AppendRow(table.Row{repo.Origin, repo.Branch, repo.Path, strings.Join(repo.Packages, " ")})
	}
	t.Render()
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			running := s.Running
			if running == "" {
				running = styleMuted.Render("idle")
			}
			fmt.Fprintf(out, "status:       %s\n", s.Status)
			fmt.Fprintf(out, "version:      %s\n", s.Version)
			fmt.Fprintf(out, "server:       %s\n", s.ServerID)
			fmt.Fprintf(out, "uptime:       %s\n", s.Uptime)
			fmt.Fprintf(out, "running:      %s\n", running)
			fmt.Fprintf(out, "queued:       %d\n", s.Queued)
			fmt.Fprintf(out, "repositories: %d\n", s.Repositories)
			fmt.Fprintf(out, "observers:    %d\n", s.Observers)
			return nil
		},
	}
}

func newLoginCmd(c *cli) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain an API token",
		Long:  "Prompt for the admin password and print a token for --token or $TROK_TOKEN.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readPassword(cmd)
			if err != nil {
				return err
			}
			resp, err := c.client().Login(cmd.Context(), user, pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			fmt.Fprintln(cmd.ErrOrStderr(), styleMuted.Render("expires "+ago(resp.ExpiresAt)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "admin", "admin user name")
	return cmd
}

// readPassword reads without echo from a terminal, or one line otherwise.
func readPassword(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(interface{ Fd() uintptr }); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(firstLine(string(b)), "\r"), nil
}
