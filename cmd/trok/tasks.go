package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/trok/task"
)

func newSubmitCmd(c *cli) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "submit <origin> <branch> <selector>",
		Short: "Queue a build task",
		Long: "Queue a build task. The selector is either a package path starting with\n" +
			"\".\" or a git revision or range such as HEAD^...HEAD.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client().Submit(cmd.Context(), submitRequest{
				Origin:   args[0],
				Branch:   args[1],
				Selector: args[2],
				From:     from,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued task %s (position %d)\n", resp.ID, resp.Position)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "cli", "submitter label")
	return cmd
}

func newTasksCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "Show the running task and the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := c.client().Queue(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if q.Current == nil && len(q.Pending) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			t := newTable(out, "#", "ID", "ORIGIN", "BRANCH", "SELECTOR", "FROM")
			if q.Current != nil {
				t.AppendRow(taskRow(statusText(task.StatusProgress), *q.Current))
			}
			for i, p := range q.Pending {
				t.AppendRow(taskRow(fmt.Sprint(i+1), p))
			}
			t.Render()
			return nil
		},
	}
}

func taskRow(pos string, t task.Task) table.Row {
	return table.Row{pos, t.ID, truncate(t.Origin, 48), t.Branch, t.Selector, t.From}
}

func newSnapshotsCmd(c *cli) *cobra.Command {
	var logs bool
	cmd := &cobra.Command{
		Use:   "snapshots [task-id]",
		Short: "Show retained snapshot history",
		Long:  "Show the latest snapshot of every retained task, or every snapshot of one task.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			snaps, err := c.client().Snapshots(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintln(out, "no snapshots")
				return nil
			}
			if id == "" {
				snaps = latest(snaps)
			}
			t := newTable(out, "TASK", "WHEN", "STATUS", "BRANCH", "SELECTOR", "PACKAGES")
			for _, s := range snaps {
				t.AppendRow(table.Row{s.Task.ID, ago(s.Time()), statusText(s.Status), s.Task.Branch, s.Task.Selector, packageSummary(s.Packages)})
			}
			t.Render()
			if id != "" {
				last := snaps[len(snaps)-1]
				printDetail(cmd, last, logs)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&logs, "logs", false, "print captured package output")
	return cmd
}

// latest keeps the last snapshot of each task, in first-seen task order.
func latest(snaps []task.Snapshot) []task.Snapshot {
	idx := map[string]int{}
	var out []task.Snapshot
	for _, s := range snaps {
		if i, ok := idx[s.Task.ID]; ok {
			out[i] = s
			continue
		}
		idx[s.Task.ID] = len(out)
		out = append(out, s)
	}
	return out
}

// printDetail renders the commits, task message, and per-package outcome of s.
func printDetail(cmd *cobra.Command, s task.Snapshot, withLogs bool) {
	out := cmd.OutOrStdout()
	for _, c := range s.Commits {
		fmt.Fprintln(out, styleMuted.Render("  "+c))
	}
	if s.Logs != nil && s.Logs.Message != "" {
		fmt.Fprintf(out, "%s %s\n", statusText(s.Status), s.Logs.Message)
	}
	if len(s.Packages) == 0 {
		return
	}
	t := newTable(out, "PACKAGE", "STATUS", "DETAIL")
	for _, p := range s.Packages {
		t.AppendRow(table.Row{p.Path, statusText(p.Status), logSummary(p.Logs)})
	}
	t.Render()
	if !withLogs {
		return
	}
	for _, p := range s.Packages {
		if p.Logs == nil || (p.Logs.Stdout == "" && p.Logs.Stderr == "") {
			continue
		}
		fmt.Fprintf(out, "\n── %s ──\n", p.Path)
		fmt.Fprint(out, p.Logs.Stdout)
		fmt.Fprint(out, p.Logs.Stderr)
	}
}

func logSummary(l *task.Logs) string {
	if l == nil {
		return ""
	}
	var parts []string
	if l.Message != "" {
		parts = append(parts, truncate(firstLine(l.Message), 60))
	}
	if l.Signal != "" {
		parts = append(parts, "signal "+l.Signal)
	}
	if l.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit %d", *l.ExitCode))
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	return s
}
