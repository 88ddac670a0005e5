// ABOUTME: TTL-bounded, size-limited set of completed task ids.
// ABOUTME: Suppresses re-execution when the relay redelivers an already-processed task.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// marker records when a task id completed, plus its position in the
// insertion-order list used for O(1) eviction.
type marker struct {
	completedAt time.Time
	element     *list.Element
}

// Markers is the per-agent idempotency record: the set of task ids whose
// side effects have already been applied. A task id present here causes a
// redelivered task message to be acknowledged without re-execution.
//
// Markers expire after a TTL sized to the expected task-graph lifetime and
// the set is capped, so memory does not grow without bound over the process
// lifetime. Expiry of a marker re-opens the (remote) possibility of
// re-execution; this trades exactly-once-per-TTL for bounded memory.
type Markers struct {
	mu      sync.RWMutex
	done    map[string]*marker
	order   *list.List // task ids in completion order, oldest at front
	ttl     time.Duration
	maxSize int
	quit    chan struct{}
	closed  bool
}

// New creates a marker set with the given TTL and maximum size. A background
// goroutine sweeps expired markers once a minute.
func New(ttl time.Duration, maxSize int) *Markers {
	m := &Markers{
		done:    make(map[string]*marker),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		quit:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Completed reports whether the task id has a live (unexpired) marker.
func (m *Markers) Completed(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mk, ok := m.done[taskID]
	if !ok {
		return false
	}
	return time.Since(mk.completedAt) < m.ttl
}

// MarkCompleted records that a task's side effects have been applied.
// Evicts the oldest marker when the set is at capacity.
func (m *Markers) MarkCompleted(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLocked(taskID)
}

// Len returns the number of live markers, expired or not yet swept included.
func (m *Markers) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.done)
}

func (m *Markers) markLocked(taskID string) {
	now := time.Now()

	if mk, ok := m.done[taskID]; ok {
		mk.completedAt = now
		m.order.MoveToBack(mk.element)
		return
	}

	if len(m.done) >= m.maxSize {
		m.evictOldestLocked()
	}

	elem := m.order.PushBack(taskID)
	m.done[taskID] = &marker{completedAt: now, element: elem}
}

func (m *Markers) evictOldestLocked() {
	front := m.order.Front()
	if front == nil {
		return
	}
	taskID, _ := front.Value.(string)
	m.order.Remove(front)
	delete(m.done, taskID)
}

func (m *Markers) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.quit:
			return
		}
	}
}

// sweep removes all expired markers.
func (m *Markers) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for taskID, mk := range m.done {
		if now.Sub(mk.completedAt) > m.ttl {
			m.order.Remove(mk.element)
			delete(m.done, taskID)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (m *Markers) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.quit)
		m.closed = true
	}
}
