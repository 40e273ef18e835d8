package status

import (
	"context"
	"sync"
	"time"

	"github.com/isdmx/pyexec/task"
)

type entry struct {
	task    task.Task
	expires time.Time
}

// MemoryBackend keeps records in a process-local map. Expired records are
// invisible immediately and dropped by Sweep.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryBackend creates a MemoryBackend; ttl <= 0 disables expiry
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryBackend) live(id string, now time.Time) (task.Task, bool) {
	e, ok := m.records[id]
	if !ok {
		return task.Task{}, false
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		return task.Task{}, false
	}
	return e.task, true
}

func (m *MemoryBackend) store(t task.Task, now time.Time) {
	e := entry{task: t.Clone()}
	if m.ttl > 0 {
		e.expires = now.Add(m.ttl)
	}
	m.records[t.ID] = e
}

// Put stores t unconditionally
func (m *MemoryBackend) Put(_ context.Context, t task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(t, m.now())
	return nil
}

// CompareAndSet stores next if the current state equals expected
func (m *MemoryBackend) CompareAndSet(_ context.Context, id string, expected task.State, next task.Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur := task.StateNone
	if t, ok := m.live(id, now); ok {
		cur = t.State
	}
	if !transitionAllowed(cur, expected, next) {
		return false, nil
	}
	next.ID = id
	m.store(next, now)
	return true, nil
}

// Get returns a copy of the record or task.ErrNotFound
func (m *MemoryBackend) Get(_ context.Context, id string) (task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.live(id, m.now())
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t.Clone(), nil
}

// Sweep drops expired records and returns how many were removed
func (m *MemoryBackend) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.records {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.records, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored records, expired or not
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
