package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/GoCodeAlone/trok/task"
)

const (
	pingInterval = 10 * time.Second
	feedLimit    = 4 << 20
)

// errTaskDone ends a watch once the followed task is terminal.
var errTaskDone = errors.New("task finished")

func newWatchCmd(c *cli) *cobra.Command {
	var f feedFilter
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live task feed",
		Long: "Follow the server's live feed, reconnecting with exponential backoff.\n" +
			"Retained snapshots are replayed first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := c.client().feedURL()
			if err != nil {
				return err
			}
			return watch(cmd.Context(), url, cmd.OutOrStdout(), cmd.ErrOrStderr(), f)
		},
	}
	cmd.Flags().StringVar(&f.Task, "task", "", "only show this task and exit when it finishes")
	cmd.Flags().BoolVar(&f.Stream, "stream", false, "print process output as it arrives")
	return cmd
}

// feedFilter selects what watch prints.
type feedFilter struct {
	Task   string
	Stream bool
}

func watch(ctx context.Context, url string, out, errOut io.Writer, f feedFilter) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, ctx)

	op := func() error {
		err := follow(ctx, url, out, f, b.Reset)
		switch {
		case errors.Is(err, errTaskDone):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case err == nil:
			return errors.New("feed closed")
		}
		return err
	}
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		fmt.Fprintln(errOut, styleMuted.Render(fmt.Sprintf("feed lost (%v), reconnecting in %s", err, d.Round(time.Millisecond))))
	})
	if errors.Is(err, errTaskDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// follow reads one feed connection until it fails. onConnect runs after the
// handshake succeeds.
func follow(ctx context.Context, url string, out io.Writer, f feedFilter, onConnect func()) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
	conn.SetReadLimit(feedLimit)
	onConnect()

	pingCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-t.C:
				if err := conn.Write(pingCtx, websocket.MessageText, []byte("PING")); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if string(data) == "PONG" {
			continue
		}
		var ev task.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if done := printEvent(out, ev, f); done {
			return errTaskDone
		}
	}
}

// printEvent writes ev when it passes f and reports whether the followed
// task has reached a terminal status.
func printEvent(w io.Writer, ev task.Event, f feedFilter) bool {
	if f.Task != "" && ev.TaskID() != f.Task {
		return false
	}
	switch {
	case ev.Snapshot != nil:
		s := ev.Snapshot
		fmt.Fprintf(w, "%s %-8s %s %s %s  %s\n",
			styleMuted.Render(s.Time().Format("15:04:05")),
			statusText(s.Status), shortID(s.Task.ID), s.Task.Branch, s.Task.Selector,
			packageSummary(s.Packages))
		if s.Logs != nil && s.Logs.Message != "" {
			fmt.Fprintf(w, "  %s\n", s.Logs.Message)
		}
		return f.Task != "" && s.Status.Terminal()
	case ev.Stream != nil && f.Stream:
		fmt.Fprint(w, ev.Stream.Data)
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
