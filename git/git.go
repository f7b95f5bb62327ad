// Package git wraps the git command line for repository discovery, change
// detection, and workspace hygiene.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/GoCodeAlone/trok/proc"
)

// CommandError reports a git invocation that failed. Stderr holds git's own
// explanation and is what callers surface to users.
type CommandError struct {
	Dir    string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client runs git against working trees on the local filesystem.
type Client struct {
	// Binary defaults to "git".
	Binary string
	// WaitDelay is passed to streamed commands.
	WaitDelay time.Duration
}

func (c *Client) binary() string {
	if c == nil || c.Binary == "" {
		return "git"
	}
	return c.Binary
}

// Output runs git -C dir args... and returns trimmed stdout.
func (c *Client) Output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary(), append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Dir: dir, Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Stream runs git with live output and a prompt echo, returning the captured result.
func (c *Client) Stream(ctx context.Context, dir string, onChunk proc.ChunkFunc, args ...string) (proc.Result, error) {
	res, err := proc.Run(ctx, proc.Command{
		Name:      c.binary(),
		Args:      args,
		Dir:       dir,
		WaitDelay: c.WaitDelay,
		OnChunk:   onChunk,
		Prompt:    true,
	})
	if err != nil {
		var ee *proc.ExitError
		if errors.As(err, &ee) {
			return res, &CommandError{Dir: dir, Args: args, Stderr: ee.Stderr, Err: err}
		}
		return res, err
	}
	return res, nil
}

// RemoteOrigin returns the URL of the "origin" remote.
func (c *Client) RemoteOrigin(ctx context.Context, dir string) (string, error) {
	return c.Output(ctx, dir, "remote", "get-url", "origin")
}

// CurrentBranch returns the checked-out branch name ("HEAD" when detached).
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return c.Output(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// DiffNames lists the files changed by a revision or range, relative to the
// repository root. Names are NUL separated on the wire so paths outside
// ASCII come back unquoted.
func (c *Client) DiffNames(ctx context.Context, dir, selector string) ([]string, error) {
	out, err := c.Output(ctx, dir, "diff", "--name-only", "-z", selector)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, n := range strings.Split(out, "\x00") {
		if n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// Pull fast-forwards the checked-out branch, streaming git's output.
func (c *Client) Pull(ctx context.Context, dir string, onChunk proc.ChunkFunc) error {
	_, err := c.Stream(ctx, dir, onChunk, "pull")
	return err
}

// CommitSubjects returns the subject lines of the commits in a range, newest
// first. When more than max commits exist the list is cut to max entries
// followed by a "..." marker.
func (c *Client) CommitSubjects(ctx context.Context, dir, selector string, max int) ([]string, error) {
	out, err := c.Output(ctx, dir, "log", selector, "--pretty=format:%s")
	if err != nil {
		return nil, err
	}
	subjects := splitLines(out)
	if max > 0 && len(subjects) > max {
		subjects = append(subjects[:max:max], "...")
	}
	return subjects, nil
}

// StatusShort streams `git status -s` and returns its output.
func (c *Client) StatusShort(ctx context.Context, dir string, onChunk proc.ChunkFunc) (string, error) {
	res, err := c.Stream(ctx, dir, onChunk, "status", "-s")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// ResetHard discards tracked modifications.
func (c *Client) ResetHard(ctx context.Context, dir string, onChunk proc.ChunkFunc) error {
	_, err := c.Stream(ctx, dir, onChunk, "reset", "--hard", "HEAD")
	return err
}

// CleanUntracked removes untracked files and directories. Ignored files stay.
func (c *Client) CleanUntracked(ctx context.Context, dir string, onChunk proc.ChunkFunc) error {
	_, err := c.Stream(ctx, dir, onChunk, "clean", "-fd")
	return err
}

func splitLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
