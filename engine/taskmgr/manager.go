// Package taskmgr tracks in-flight build executions and their cancel flags.
package taskmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/buildsmith/buildsmith/pkg/logger"
)

// cancelSettle gives the executor a moment to observe the flag at a safe
// point before the run context is torn down.
const cancelSettle = 100 * time.Millisecond

// DefaultMaxConcurrent bounds simultaneous builds within one process. Real
// serialization is per server in the queue controller; this is a machine-wide
// safety net.
const DefaultMaxConcurrent = 1

type entry struct {
	cancelled *atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager is the per-process registry of live executions.
type Manager struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	tasks map[int64]*entry
}

func NewManager(maxConcurrent int64) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Manager{
		sem:   semaphore.NewWeighted(maxConcurrent),
		tasks: make(map[int64]*entry),
	}
}

// CreateCancelFlag pre-registers a task so a cancel issued before Start, or
// while the task waits for an admission permit, is still honored.
func (m *Manager) CreateCancelFlag(id int64) *atomic.Bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tasks[id]; ok {
		return e.cancelled
	}
	e := &entry{cancelled: &atomic.Bool{}, done: make(chan struct{})}
	m.tasks[id] = e
	return e.cancelled
}

// Start waits for an admission permit, rechecks the cancel flag, then runs
// work on its own goroutine. work receives the task context, which Cancel
// aborts, and the shared cancel flag.
func (m *Manager) Start(ctx context.Context, id int64, work func(ctx context.Context, cancelled *atomic.Bool)) error {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		e = &entry{cancelled: &atomic.Bool{}, done: make(chan struct{})}
		m.tasks[id] = e
	}
	taskCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	m.mu.Unlock()

	if err := m.sem.Acquire(taskCtx, 1); err != nil {
		m.remove(id)
		cancel()
		return fmt.Errorf("taskmgr: admission wait for task %d: %w", id, err)
	}
	if e.cancelled.Load() {
		m.sem.Release(1)
		m.remove(id)
		cancel()
		return fmt.Errorf("taskmgr: task %d cancelled before start", id)
	}

	go func() {
		defer func() {
			m.sem.Release(1)
			m.remove(id)
			cancel()
			close(e.done)
		}()
		work(taskCtx, e.cancelled)
	}()
	return nil
}

// Cancel sets the task's cancel flag and, after a short settle, aborts its
// context. Subprocess teardown happens in the runner via the flag, never
// here. Returns false for unknown tasks.
func (m *Manager) Cancel(id int64) bool {
	m.mu.Lock()
	e, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	logger.Info("cancelling task", "task_id", id)
	e.cancelled.Store(true)
	time.Sleep(cancelSettle)
	m.mu.Lock()
	cancel := e.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// IsLive reports whether the task is registered (queued or running).
func (m *Manager) IsLive(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// Wait blocks until the task's work function returns. No-op for unknown ids.
func (m *Manager) Wait(id int64) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	m.mu.Unlock()
	if ok {
		<-e.done
	}
}

func (m *Manager) remove(id int64) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}
