// Package dispatch queues tasks and runs them one at a time.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/notify"
	"github.com/GoCodeAlone/trok/task"
)

// DefaultInterval is how often the queue is polled when no nudge arrives.
const DefaultInterval = 3 * time.Second

// Runner executes one task to completion.
type Runner interface {
	Run(ctx context.Context, t task.Task, sink notify.Sink) task.Status
}

// Notifier opens the sinks for one task run.
type Notifier interface {
	Open(ctx context.Context, t task.Task) notify.Sink
}

// Config configures a Dispatcher.
type Config struct {
	Runner   Runner
	Notifier Notifier
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Dispatcher owns the FIFO queue and the single current-task slot.
type Dispatcher struct {
	cfg Config

	mu      sync.Mutex
	queue   []task.Task
	current *task.Task
	running sync.WaitGroup
	started bool

	nudge  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:   cfg,
		nudge: make(chan struct{}, 1),
	}
}

// Enqueue appends t to the queue and returns its 1-based position.
func (d *Dispatcher) Enqueue(t task.Task) (int, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.queue = append(d.queue, t)
	pos := len(d.queue)
	d.cfg.Metrics.SetQueueDepth(pos)
	d.mu.Unlock()

	d.cfg.Logger.Info("task queued",
		slog.String("task", t.ID),
		slog.String("selector", t.Selector),
		slog.Int("position", pos),
	)
	d.wake()
	return pos, nil
}

// Current returns the running task, if any.
func (d *Dispatcher) Current() (task.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return task.Task{}, false
	}
	return *d.current, true
}

// Pending returns a copy of the queued tasks, head first.
func (d *Dispatcher) Pending() []task.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]task.Task(nil), d.queue...)
}

// Tick starts the head of the queue if nothing is running. It reports
// whether a task was started.
func (d *Dispatcher) Tick(ctx context.Context) bool {
	d.mu.Lock()
	if d.current != nil || len(d.queue) == 0 {
		d.mu.Unlock()
		return false
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	d.current = &t
	d.running.Add(1)
	d.cfg.Metrics.SetQueueDepth(len(d.queue))
	d.mu.Unlock()

	go d.execute(ctx, t)
	return true
}

func (d *Dispatcher) execute(ctx context.Context, t task.Task) {
	defer d.running.Done()
	defer func() {
		if r := recover(); r != nil {
			d.cfg.Logger.Error("task panicked", slog.String("task", t.ID), slog.Any("panic", r))
		}
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()
		d.wake()
	}()

	sink := d.cfg.Notifier.Open(ctx, t)
	// closed on panic too, so remote sinks see a normal close
	defer func() {
		if err := sink.Close(); err != nil {
			d.cfg.Logger.Warn("close notifications", slog.String("task", t.ID), slog.Any("err", err))
		}
	}()
	status := d.cfg.Runner.Run(ctx, t, sink)
	d.cfg.Logger.Debug("task run complete", slog.String("task", t.ID), slog.String("status", status.String()))
}

// Start runs the dispatch loop in the background until Stop or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.started = true
	go func() {
		defer close(d.done)
		d.Run(ctx)
	}()
	return nil
}

// Stop ends the loop, cancels the running task and waits for it to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.started = false
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.Wait()
}

// Run ticks on every interval and on every nudge until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.nudge:
		}
	}
}

// Wait blocks until the running task, if any, has finished.
func (d *Dispatcher) Wait() { d.running.Wait() }

func (d *Dispatcher) wake() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}
