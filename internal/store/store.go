// ABOUTME: Store interface for durable completed-task markers.
// ABOUTME: Lets the in-memory idempotency set survive agent restarts.

package store

import (
	"context"
	"time"
)

// Store persists completed-task markers. The in-memory marker set is
// authoritative during a run; the store exists so dedup state survives a
// process restart, closing the redeliver-after-crash re-execution window.
type Store interface {
	// MarkCompleted records a marker. Recording the same (agent, task id)
	// twice updates the completion time and is not an error.
	MarkCompleted(ctx context.Context, agent, taskID string) error

	// IsCompleted reports whether a marker exists for (agent, task id).
	IsCompleted(ctx context.Context, agent, taskID string) (bool, error)

	// LoadCompleted returns all task ids marked for the agent no earlier
	// than since. Used to warm the in-memory set at startup.
	LoadCompleted(ctx context.Context, agent string, since time.Time) ([]string, error)

	// PruneBefore deletes markers older than the cutoff, mirroring the
	// in-memory TTL so the table does not grow without bound.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases the underlying database handle.
	Close() error
}
