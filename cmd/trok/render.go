package main

import (
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/GoCodeAlone/trok/task"
)

var (
	colorPending  = lipgloss.Color("#8a8a8a")
	colorProgress = lipgloss.Color("#5fafff")
	colorResolved = lipgloss.Color("#5fd787")
	colorRejected = lipgloss.Color("#ff5f5f")
	colorMuted    = lipgloss.Color("#6c6c6c")

	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
)

// statusColor returns the lipgloss color for a task or package status.
func statusColor(s task.Status) lipgloss.Color {
	switch s {
	case task.StatusProgress:
		return colorProgress
	case task.StatusResolved:
		return colorResolved
	case task.StatusRejected:
		return colorRejected
	default:
		return colorPending
	}
}

func statusText(s task.Status) string {
	return lipgloss.NewStyle().Foreground(statusColor(s)).Bold(s.Terminal()).Render(s.String())
}

// newTable returns a table writing to w in the light box style.
func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

// ago renders t relative to now, or "never" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// packageSummary renders "3 resolved, 1 rejected" style counts in status order.
func packageSummary(pkgs []task.Package) string {
	counts := map[task.Status]int{}
	for _, p := range pkgs {
		counts[p.Status]++
	}
	var parts []string
	for _, s := range []task.Status{task.StatusPending, task.StatusProgress, task.StatusResolved, task.StatusRejected} {
		if n := counts[s]; n > 0 {
			parts = append(parts, humanize.Comma(int64(n))+" "+statusText(s))
		}
	}
	if len(parts) == 0 {
		return styleMuted.Render("none")
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
