// Package proc runs external commands with live, UTF-8 decoded output
// streaming and whole-process-group termination.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultWaitDelay bounds how long Run waits for output pipes after the
// process exits or is killed.
const DefaultWaitDelay = 5 * time.Second

// Stream identifies which output stream a chunk came from.
type Stream uint8

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// ChunkFunc receives decoded output as it arrives. Chunks of one stream are
// delivered in order; the two streams are drained by separate goroutines, so
// a ChunkFunc shared by both must be safe for concurrent use.
type ChunkFunc func(stream Stream, text string)

// Command describes a single subprocess invocation.
type Command struct {
	Name      string
	Args      []string
	Dir       string
	Env       []string      // appended to the current environment
	Timeout   time.Duration // 0 disables the timeout
	WaitDelay time.Duration // 0 uses DefaultWaitDelay
	OnChunk   ChunkFunc
	Prompt    bool // echo "user@host:dir$ name args" to OnChunk before starting
}

// Result is the outcome of a command that exited with status zero.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that exited non-zero, was killed, or timed out.
type ExitError struct {
	Name     string
	Args     []string
	ExitCode int    // -1 when terminated by a signal
	Signal   string // e.g. "SIGKILL", empty on a normal exit
	TimedOut bool
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	cmd := strings.TrimSpace(e.Name + " " + strings.Join(e.Args, " "))
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s: timed out and was killed", cmd)
	case e.Signal != "":
		return fmt.Sprintf("%s: terminated by %s", cmd, e.Signal)
	default:
		return fmt.Sprintf("%s: exit code %d", cmd, e.ExitCode)
	}
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run starts c in its own process group and waits for it. Output is decoded
// as UTF-8 (partial runes are carried across chunks), forwarded to OnChunk,
// and accumulated in full. A timeout or ctx cancellation kills the whole group.
func Run(ctx context.Context, c Command) (Result, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// negative pid signals the process group
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdout := newChunkWriter(Stdout, c.OnChunk)
	stderr := newChunkWriter(Stderr, c.OnChunk)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if c.Prompt && c.OnChunk != nil {
		c.OnChunk(Stdout, PromptLine(c.Dir, c.Name, c.Args))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", c.Name, err)
	}
	waitErr := cmd.Wait()
	stdout.Close()
	stderr.Close()

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}
	if waitErr == nil || (errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState.Success()) {
		return res, nil
	}

	ee := &ExitError{
		Name:     c.Name,
		Args:     c.Args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Err:      waitErr,
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		ee.Signal = unix.SignalName(ws.Signal())
	}
	ee.TimedOut = c.Timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	return res, ee
}

// PromptLine renders the shell-style prompt echoed before a command.
func PromptLine(dir, name string, args []string) string {
	username := "user"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return fmt.Sprintf("%s@%s:%s$ %s\n", username, host, dir, strings.TrimSpace(name+" "+strings.Join(args, " ")))
}

// chunkWriter decodes one output stream and fans decoded text out to the
// callback and an accumulation buffer.
type chunkWriter struct {
	dec *transform.Writer
	out *chunkSink
}

type chunkSink struct {
	mu      sync.Mutex
	stream  Stream
	buf     bytes.Buffer
	onChunk ChunkFunc
}

func (s *chunkSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()
	if s.onChunk != nil {
		s.onChunk(s.stream, string(p))
	}
	return len(p), nil
}

func newChunkWriter(stream Stream, onChunk ChunkFunc) *chunkWriter {
	sink := &chunkSink{stream: stream, onChunk: onChunk}
	return &chunkWriter{
		dec: transform.NewWriter(sink, unicode.UTF8.NewDecoder()),
		out: sink,
	}
}

func (w *chunkWriter) Write(p []byte) (int, error) { return w.dec.Write(p) }

// Close flushes a trailing incomplete rune as U+FFFD.
func (w *chunkWriter) Close() error { return w.dec.Close() }

func (w *chunkWriter) String() string {
	w.out.mu.Lock()
	defer w.out.mu.Unlock()
	return w.out.buf.String()
}
