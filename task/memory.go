package task

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultMaxTasks is how many tasks' snapshots are retained.
const DefaultMaxTasks = 100

// ErrStatusRegression means a snapshot would move its task backwards, e.g.
// progress after resolved.
var ErrStatusRegression = errors.New("snapshot regresses task status")

// Store retains snapshot history grouped by task.
type Store interface {
	// Register appends a snapshot to its task's history, evicting the
	// oldest task once more than the retention limit are held.
	Register(s Snapshot) error

	// List returns the retained snapshots of one task, or of every task
	// when taskID is empty, oldest task first and in arrival order.
	List(taskID string) ([]Snapshot, error)

	// Tasks reports how many tasks have retained history.
	Tasks() (int, error)

	Close() error
}

// MemoryStore keeps snapshot history in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	order    []string // task IDs, oldest first
	groups   map[string][]Snapshot
	maxTasks int
}

// NewMemoryStore returns a store retaining at most maxTasks tasks
// (DefaultMaxTasks when maxTasks <= 0).
func NewMemoryStore(maxTasks int) *MemoryStore {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	return &MemoryStore{groups: make(map[string][]Snapshot), maxTasks: maxTasks}
}

func (m *MemoryStore) Register(s Snapshot) error {
	id := s.Task.ID
	if id == "" {
		return fmt.Errorf("%w: snapshot without task id", ErrInvalidTask)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	group, seen := m.groups[id]
	if seen && len(group) > 0 {
		if last := group[len(group)-1].Status; !CanTransition(last, s.Status) {
			return fmt.Errorf("%w: task %s %s -> %s", ErrStatusRegression, id, last, s.Status)
		}
	}
	m.groups[id] = append(group, s.Clone())
	if !seen {
		m.order = append(m.order, id)
	}
	for len(m.order) > m.maxTasks {
		delete(m.groups, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryStore) List(taskID string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	if taskID != "" {
		for _, s := range m.groups[taskID] {
			out = append(out, s.Clone())
		}
		return out, nil
	}
	for _, id := range m.order {
		for _, s := range m.groups[id] {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Tasks() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
