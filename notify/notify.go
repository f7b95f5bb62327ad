// Package notify delivers task events to the sinks configured for a run:
// HTTP callbacks, WebSocket peers, in-process subscribers, and the console.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/task"
)

// ErrDeliveryFailed wraps any error a sink returns.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Sink receives task events.
type Sink interface {
	Name() string
	// Verbose sinks also receive stream chunks and progress snapshots.
	Verbose() bool
	Deliver(ctx context.Context, ev task.Event) error
	Close() error
}

// Fanout delivers each event to its sinks in order. It is itself a Sink so
// the runner sees a single destination.
type Fanout struct {
	mu      sync.Mutex
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFanout returns a Fanout over sinks.
func NewFanout(logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger, metrics: m}
}

func (f *Fanout) Name() string  { return "fanout" }
func (f *Fanout) Verbose() bool { return true }

// Sinks returns the sinks in delivery order.
func (f *Fanout) Sinks() []Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sink(nil), f.sinks...)
}

// Deliver hands ev to every sink that wants it. Deliveries are serialised,
// so chunks from the stdout and stderr readers never interleave inside a
// sink. A failing sink is logged and counted; it never fails the caller and
// never stops delivery to the sinks after it.
func (f *Fanout) Deliver(ctx context.Context, ev task.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	verbose := ev.Verbose()
	for _, s := range f.sinks {
		if verbose && !s.Verbose() {
			continue
		}
		if err := s.Deliver(ctx, ev); err != nil {
			f.metrics.DeliveryFailed(s.Name())
			f.logger.Warn("notify",
				slog.String("sink", s.Name()),
				slog.String("task", ev.TaskID()),
				slog.Any("err", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)),
			)
		}
	}
	return nil
}

// Close closes every sink, returning the joined errors.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FuncSink adapts a function to a Sink. Close is a no-op, so a FuncSink can
// be shared across task runs.
type FuncSink struct {
	SinkName  string
	IsVerbose bool
	Fn        func(ctx context.Context, ev task.Event) error
}

func (s *FuncSink) Name() string  { return s.SinkName }
func (s *FuncSink) Verbose() bool { return s.IsVerbose }
func (s *FuncSink) Close() error  { return nil }

func (s *FuncSink) Deliver(ctx context.Context, ev task.Event) error {
	return s.Fn(ctx, ev)
}
