// ABOUTME: Executor is the pluggable work function a runtime drives.
// ABOUTME: Ships a func adapter and a trivial echo executor for demos and tests.

package agent

import (
	"context"
	"fmt"

	"github.com/mcpmesh/mcpmesh/internal/protocol"
)

// Executor performs the actual work of a task. When the task has
// dependencies, the runtime appends each dependency's result to the task's
// Description before the call, so the executor works from its
// prerequisites' output. The returned value becomes the task's result; a
// returned error makes the task fail terminally (the runtime records an
// error result and does not retry).
type Executor interface {
	Execute(ctx context.Context, task protocol.Message) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task protocol.Message) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task protocol.Message) (any, error) {
	return f(ctx, task)
}

// EchoExecutor completes every task with a canned summary of its
// description. Useful for demos and end-to-end smoke tests.
type EchoExecutor struct {
	// Prefix is prepended to the echoed description. Defaults to "done:".
	Prefix string
}

// Execute returns the echoed description.
func (e *EchoExecutor) Execute(_ context.Context, task protocol.Message) (any, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "done:"
	}
	return fmt.Sprintf("%s %s", prefix, task.Description), nil
}
