// ABOUTME: Coordinator that submits task graphs and routes dependency results.
// ABOUTME: Dispatches all steps up front; forwards results when a dependent's deps are complete.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpmesh/mcpmesh/internal/protocol"
	"github.com/mcpmesh/mcpmesh/internal/transport"
)

// Coordinator errors
var (
	ErrDuplicateTaskID = errors.New("duplicate task id")
	ErrUnknownAgent    = errors.New("task has no agent")
)

// TaskSpec is one step of a task graph: what to do, who does it, and which
// task ids must complete first.
type TaskSpec struct {
	TaskID      string
	Agent       string
	Description string
	DependsOn   []string
}

// Coordinator submits task graphs and tracks their results.
//
// Every step is dispatched to its assignee immediately; agents park tasks
// whose dependencies are unmet. When a result arrives, the coordinator
// forwards the full set of dependency results to each dependent whose
// dependencies just became complete, waking the parked task.
type Coordinator struct {
	name      string
	transport transport.Transport
	logger    *slog.Logger

	mu         sync.Mutex
	specs      map[string]TaskSpec
	results    map[string]protocol.Message
	dependents map[string][]string // dep task id -> dependent task ids
	forwarded  map[string]bool     // dependent task id -> deps already forwarded
}

// New creates a Coordinator operating as the named agent over the given
// transport. The transport must already be registered.
func New(name string, tr transport.Transport, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		name:       name,
		transport:  tr,
		logger:     logger.With("component", "coordinator", "agent", name),
		specs:      make(map[string]TaskSpec),
		results:    make(map[string]protocol.Message),
		dependents: make(map[string][]string),
		forwarded:  make(map[string]bool),
	}
}

// Run consumes deliveries until the context is canceled. It must be running
// for results to be collected and dependents to be woken.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		delivery, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		msg := delivery.Message
		switch msg.Type {
		case protocol.TypeTaskResult:
			c.handleResult(ctx, msg)
		case protocol.TypeGetResult:
			c.handleGetResult(ctx, msg)
		default:
			c.logger.Debug("ignoring message", "type", msg.Type, "sender", msg.Sender)
		}
		c.ack(ctx, delivery.MessageID)
	}
}

// SubmitGraph validates the graph and dispatches every step to its
// assignee. Resubmitting ids that are already known is tolerated: known
// steps are re-dispatched (the assignee's dedup absorbs the duplicate) and
// existing results are never clobbered.
func (c *Coordinator) SubmitGraph(ctx context.Context, specs []TaskSpec) error {
	if err := validateGraph(specs); err != nil {
		return err
	}

	c.mu.Lock()
	for _, spec := range specs {
		if _, known := c.specs[spec.TaskID]; known {
			c.logger.Debug("task already submitted", "task_id", spec.TaskID)
			continue
		}
		c.specs[spec.TaskID] = spec
		for _, dep := range spec.DependsOn {
			c.dependents[dep] = append(c.dependents[dep], spec.TaskID)
		}
	}
	c.mu.Unlock()

	for _, spec := range specs {
		task := protocol.NewTask(spec.TaskID, spec.Description, spec.DependsOn, c.name, c.name)
		if err := c.transport.Send(ctx, spec.Agent, task); err != nil {
			return fmt.Errorf("dispatching task %s to %s: %w", spec.TaskID, spec.Agent, err)
		}
		c.logger.Info("task dispatched",
			"task_id", spec.TaskID,
			"agent", spec.Agent,
			"depends_on", spec.DependsOn,
		)
	}
	return nil
}

// WaitForCompletion polls until every submitted task id has a result, then
// returns the result map (task id -> result value). Returns immediately
// with an empty map when nothing has been submitted, and the partial map
// with the context error if the context ends first.
func (c *Coordinator) WaitForCompletion(ctx context.Context, pollInterval time.Duration) (map[string]any, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if c.allComplete() {
			return c.Results(), nil
		}
		select {
		case <-ctx.Done():
			return c.Results(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// Results returns a snapshot of collected results, task id -> result value.
func (c *Coordinator) Results() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]any, len(c.results))
	for id, msg := range c.results {
		out[id] = msg.Result
	}
	return out
}

// Failed returns the ids of tasks that completed with an error result.
func (c *Coordinator) Failed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for id, msg := range c.results {
		if msg.Error {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) allComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.specs {
		if _, ok := c.results[id]; !ok {
			return false
		}
	}
	return true
}

// handleResult records a result and wakes dependents whose dependency sets
// just became complete.
func (c *Coordinator) handleResult(ctx context.Context, msg protocol.Message) {
	c.mu.Lock()
	if _, exists := c.results[msg.TaskID]; exists {
		// Duplicate result (redelivery or replay): first write wins.
		c.mu.Unlock()
		c.logger.Debug("duplicate result", "task_id", msg.TaskID)
		return
	}
	c.results[msg.TaskID] = msg

	type forward struct {
		agent   string
		results []protocol.Message
	}
	var forwards []forward
	for _, depID := range c.dependents[msg.TaskID] {
		if c.forwarded[depID] {
			continue
		}
		spec := c.specs[depID]
		depResults, complete := c.depResultsLocked(spec)
		if !complete {
			continue
		}
		c.forwarded[depID] = true
		forwards = append(forwards, forward{agent: spec.Agent, results: depResults})
	}
	c.mu.Unlock()

	c.logger.Info("result collected",
		"task_id", msg.TaskID,
		"from", msg.Sender,
		"error", msg.Error,
	)

	for _, f := range forwards {
		for _, r := range f.results {
			fwd := protocol.NewTaskResult(r.TaskID, r.Result, c.name)
			fwd.Error = r.Error
			if err := c.transport.Send(ctx, f.agent, fwd); err != nil {
				c.logger.Warn("forwarding dependency result failed",
					"task_id", r.TaskID,
					"agent", f.agent,
					"error", err,
				)
			}
		}
	}
}

// depResultsLocked returns the results of all of spec's dependencies, and
// whether every one of them is present.
func (c *Coordinator) depResultsLocked(spec TaskSpec) ([]protocol.Message, bool) {
	out := make([]protocol.Message, 0, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		r, ok := c.results[dep]
		if !ok {
			return nil, false
		}
		out = append(out, r)
	}
	return out, true
}

// handleGetResult answers a probe for a collected result.
func (c *Coordinator) handleGetResult(ctx context.Context, msg protocol.Message) {
	c.mu.Lock()
	result, ok := c.results[msg.TaskID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("probe for unknown result", "task_id", msg.TaskID, "from", msg.Sender)
		return
	}

	target := msg.ReplyTo
	if target == "" {
		target = msg.Sender
	}
	reply := protocol.NewTaskResult(msg.TaskID, result.Result, c.name)
	reply.Error = result.Error
	if err := c.transport.Send(ctx, target, reply); err != nil {
		c.logger.Warn("answering result probe failed",
			"task_id", msg.TaskID,
			"target", target,
			"error", err,
		)
	}
}

func (c *Coordinator) ack(ctx context.Context, messageID string) {
	if err := c.transport.Acknowledge(ctx, messageID); err != nil {
		c.logger.Warn("acknowledge failed", "message_id", messageID, "error", err)
	}
}

// validateGraph rejects graphs with duplicate ids or steps with no agent.
// Dependencies on ids outside the graph are allowed; they are satisfied by
// results from earlier submissions.
func validateGraph(specs []TaskSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.TaskID == "" {
			return errors.New("task id is required")
		}
		if spec.Agent == "" {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, spec.TaskID)
		}
		if _, dup := seen[spec.TaskID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, spec.TaskID)
		}
		seen[spec.TaskID] = struct{}{}
	}
	return nil
}
