package server

import (
	"context"
	"time"

	"github.com/GoCodeAlone/trok/task"
	"github.com/GoCodeAlone/trok/workspace"
)

// noopDispatcher satisfies api.Dispatcher for tests.
type noopDispatcher struct{ queued []task.Task }

func (n *noopDispatcher) Enqueue(t task.Task) (int, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	n.queued = append(n.queued, t)
	return len(n.queued), nil
}
func (n *noopDispatcher) Current() (task.Task, bool) { return task.Task{}, false }
func (n *noopDispatcher) Pending() []task.Task       { return n.queued }

// noopRegistry satisfies api.Registry for tests.
type noopRegistry struct{}

func (n *noopRegistry) Root() string                         { return "/work" }
func (n *noopRegistry) Repositories() []workspace.Repository { return nil }
func (n *noopRegistry) ScannedAt() time.Time                 { return time.Time{} }
func (n *noopRegistry) Rescan(context.Context) error         { return nil }
