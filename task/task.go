// Package task defines build tasks, the snapshots that record their
// progress, the events carried to observers, and snapshot retention.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTask means a submitted task is missing a required field.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidTransition means a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of a task or a package.
type Status uint8

const (
	StatusPending Status = iota
	StatusProgress
	StatusResolved
	StatusRejected
)

var statusNames = [...]string{"pending", "progress", "resolved", "rejected"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusResolved || s == StatusRejected }

// transitions lists the allowed moves. Pending and progress may repeat,
// since a task emits one progress snapshot per package step.
var transitions = map[Status][]Status{
	StatusPending:  {StatusPending, StatusProgress, StatusRejected},
	StatusProgress: {StatusProgress, StatusResolved, StatusRejected},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is an immutable build request.
type Task struct {
	ID       string `json:"id"`
	Origin   string `json:"origin"`
	Branch   string `json:"branch"`
	Selector string `json:"selector"`
	From     string `json:"from,omitempty"` // submitter label, e.g. "github", "cli"
}

// New returns a task with a fresh random ID.
func New(origin, branch, selector, from string) Task {
	return Task{
		ID:       uuid.NewString(),
		Origin:   origin,
		Branch:   branch,
		Selector: selector,
		From:     from,
	}
}

// Validate checks the fields a task cannot run without.
func (t Task) Validate() error {
	var missing []string
	if t.ID == "" {
		missing = append(missing, "id")
	}
	if t.Origin == "" {
		missing = append(missing, "origin")
	}
	if t.Branch == "" {
		missing = append(missing, "branch")
	}
	if t.Selector == "" {
		missing = append(missing, "selector")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidTask, missing)
	}
	return nil
}

// Logs is the diagnostic payload attached to a package or a task: an error
// summary, the captured process output, or both.
type Logs struct {
	Message  string `json:"message,omitempty"`
	Signal   string `json:"signal,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Package is the build state of one package within a task.
type Package struct {
	Path   string `json:"path"`
	Status Status `json:"status"`
	Logs   *Logs  `json:"logs,omitempty"`
}

// Advance moves p to status to, refusing illegal transitions.
func (p *Package) Advance(to Status) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: package %s %s -> %s", ErrInvalidTransition, p.Path, p.Status, to)
	}
	p.Status = to
	return nil
}

// Snapshot is an immutable record of a task's state at one moment.
type Snapshot struct {
	Task      Task      `json:"task"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds
	Status    Status    `json:"status"`
	Packages  []Package `json:"packages,omitempty"`
	Commits   []string  `json:"commits,omitempty"`
	Logs      *Logs     `json:"logs,omitempty"`
}

// Time returns the snapshot timestamp.
func (s Snapshot) Time() time.Time { return time.UnixMilli(s.Timestamp) }

// Clone deep-copies s so later mutation of the runner's state cannot leak
// into a delivered snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Packages != nil {
		out.Packages = make([]Package, len(s.Packages))
		for i, p := range s.Packages {
			if p.Logs != nil {
				l := *p.Logs
				p.Logs = &l
			}
			out.Packages[i] = p
		}
	}
	if s.Commits != nil {
		out.Commits = append([]string(nil), s.Commits...)
	}
	if s.Logs != nil {
		l := *s.Logs
		out.Logs = &l
	}
	return out
}

// StreamData is one chunk of live subprocess output. PackagePath is empty
// for task-level commands such as git pull.
type StreamData struct {
	Task        Task   `json:"task"`
	PackagePath string `json:"path,omitempty"`
	Data        string `json:"data"`
}

// EventType tags an Event.
type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventStream   EventType = "stream"
)

// Event is what sinks and observers receive: exactly one of Snapshot or
// Stream is set, matching Type.
type Event struct {
	Type     EventType
	Snapshot *Snapshot
	Stream   *StreamData
}

// SnapshotEvent wraps a copy of s.
func SnapshotEvent(s Snapshot) Event {
	c := s.Clone()
	return Event{Type: EventSnapshot, Snapshot: &c}
}

// StreamEvent wraps d.
func StreamEvent(d StreamData) Event {
	return Event{Type: EventStream, Stream: &d}
}

// Verbose reports whether the event is high-volume detail: stream chunks and
// intermediate progress snapshots. Non-verbose sinks only see the rest.
func (e Event) Verbose() bool {
	switch e.Type {
	case EventStream:
		return true
	case EventSnapshot:
		return e.Snapshot != nil && e.Snapshot.Status == StatusProgress
	}
	return false
}

// TaskID returns the ID of the task the event belongs to.
func (e Event) TaskID() string {
	switch {
	case e.Snapshot != nil:
		return e.Snapshot.Task.ID
	case e.Stream != nil:
		return e.Stream.Task.ID
	}
	return ""
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {"type": ..., "data": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Type {
	case EventSnapshot:
		if e.Snapshot == nil {
			return nil, errors.New("snapshot event without snapshot")
		}
		data = e.Snapshot
	case EventStream:
		if e.Stream == nil {
			return nil, errors.New("stream event without data")
		}
		data = e.Stream
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type, Data: raw})
}

// UnmarshalJSON decodes {"type": ..., "data": ...}.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case EventSnapshot:
		var s Snapshot
		if err := json.Unmarshal(w.Data, &s); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		*e = Event{Type: EventSnapshot, Snapshot: &s}
	case EventStream:
		var d StreamData
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("decode stream: %w", err)
		}
		*e = Event{Type: EventStream, Stream: &d}
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	return nil
}
