// ABOUTME: Unbounded FIFO queue feeding the runtime's task loop.
// ABOUTME: Dequeue blocks until a task arrives, the queue closes, or the context ends.

package agent

import (
	"context"
	"sync"

	"github.com/mcpmesh/mcpmesh/internal/protocol"
)

// taskQueue is the hand-off between the message loop and the task loop.
// Unbounded: the message loop must never block on a slow executor, or it
// would stop draining the event stream.
type taskQueue struct {
	mu     sync.Mutex
	items  []protocol.Message
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends a task. Enqueueing after Close is a no-op.
func (q *taskQueue) Enqueue(task protocol.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a task is available. Returns false when the queue has
// been closed or the context is done; remaining items are discarded on close.
func (q *taskQueue) Dequeue(ctx context.Context) (protocol.Message, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return protocol.Message{}, false
		}
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return task, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Message{}, false
		case <-q.done:
			return protocol.Message{}, false
		case <-q.notify:
		}
	}
}

// Close wakes all blocked Dequeue calls and rejects further tasks.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
