// ABOUTME: Agent runtime: message loop and task loop around a pluggable executor.
// ABOUTME: Enforces idempotent execution, dependency ordering, and ack-after-handling.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpmesh/mcpmesh/internal/dedupe"
	"github.com/mcpmesh/mcpmesh/internal/protocol"
	"github.com/mcpmesh/mcpmesh/internal/store"
	"github.com/mcpmesh/mcpmesh/internal/transport"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultPruneInterval = time.Hour
)

// parked is a task whose dependencies are not all satisfied yet. It is
// registered in the wait-set under each unmet dependency id and released to
// the queue once the set empties.
type parked struct {
	task  protocol.Message
	unmet map[string]struct{}
}

// Config bundles a Runtime's dependencies.
type Config struct {
	// Name is the agent's registered name.
	Name string

	// Transport must already be registered with the relay.
	Transport transport.Transport

	// Executor performs the work of each task.
	Executor Executor

	// Markers is the in-memory completed-task set used for dedup.
	Markers *dedupe.Markers

	// Store, when non-nil, persists completed-task markers so dedup
	// survives restarts. The runtime warms Markers from it on Run.
	Store store.Store

	// RetentionWindow bounds the warm-load from Store. Zero means 24h.
	RetentionWindow time.Duration

	// ProbeInterval is how often parked tasks are revisited and their
	// unmet dependencies probed with get_result. Zero means 5s.
	ProbeInterval time.Duration

	// PruneInterval is how often stored markers older than
	// RetentionWindow are deleted from Store. Zero means hourly.
	PruneInterval time.Duration

	Logger *slog.Logger
}

// Runtime drives one agent: it consumes deliveries from the transport,
// maintains the completed-task set, defers tasks with unmet dependencies,
// and runs the executor over ready tasks.
//
// The message loop and the task loop are separate goroutines. The message
// loop never executes work, so a slow task cannot stall the stream; the
// task loop never touches the transport's receive side.
type Runtime struct {
	name      string
	transport transport.Transport
	executor  Executor
	markers   *dedupe.Markers
	store     store.Store
	retention time.Duration
	probe     time.Duration
	prune     time.Duration
	logger    *slog.Logger

	queue *taskQueue

	mu      sync.Mutex
	results map[string]protocol.Message // task id -> result message observed or produced
	waiting map[string][]*parked        // unmet dependency id -> parked tasks
	pending map[string]string           // task id -> delivery id awaiting ack
}

// NewRuntime creates a Runtime from cfg.
func NewRuntime(cfg Config) *Runtime {
	probe := cfg.ProbeInterval
	if probe <= 0 {
		probe = defaultProbeInterval
	}
	prune := cfg.PruneInterval
	if prune <= 0 {
		prune = defaultPruneInterval
	}
	retention := cfg.RetentionWindow
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runtime{
		name:      cfg.Name,
		transport: cfg.Transport,
		executor:  cfg.Executor,
		markers:   cfg.Markers,
		store:     cfg.Store,
		retention: retention,
		probe:     probe,
		prune:     prune,
		logger:    logger.With("component", "runtime", "agent", cfg.Name),
		queue:     newTaskQueue(),
		results:   make(map[string]protocol.Message),
		waiting:   make(map[string][]*parked),
		pending:   make(map[string]string),
	}
}

// Run starts the loops and blocks until the context is canceled or a loop
// fails. Always returns the context error on graceful stop.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.warmMarkers(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.messageLoop(ctx) })
	g.Go(func() error { return rt.taskLoop(ctx) })
	g.Go(func() error { return rt.probeLoop(ctx) })
	if rt.store != nil {
		g.Go(func() error { return rt.pruneLoop(ctx) })
	}

	err := g.Wait()
	rt.queue.Close()
	return err
}

// warmMarkers loads recently-completed task ids from the store so dedup
// survives a restart.
func (rt *Runtime) warmMarkers(ctx context.Context) error {
	if rt.store == nil {
		return nil
	}
	ids, err := rt.store.LoadCompleted(ctx, rt.name, time.Now().Add(-rt.retention))
	if err != nil {
		return err
	}
	for _, id := range ids {
		rt.markers.MarkCompleted(id)
	}
	if len(ids) > 0 {
		rt.logger.Info("warmed completed-task markers from store", "count", len(ids))
	}
	return nil
}

// messageLoop drains deliveries from the transport and dispatches by type.
func (rt *Runtime) messageLoop(ctx context.Context) error {
	for {
		delivery, err := rt.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		msg := delivery.Message
		if err := msg.Validate(); err != nil && !errors.Is(err, protocol.ErrUnknownType) {
			// Malformed: log, acknowledge, drop. Never enqueued.
			rt.logger.Warn("dropping malformed message",
				"type", msg.Type,
				"sender", msg.Sender,
				"error", err,
			)
			rt.ack(ctx, delivery.MessageID)
			continue
		}

		switch msg.Type {
		case protocol.TypeTask:
			rt.handleTask(ctx, delivery)
		case protocol.TypeTaskResult:
			rt.handleTaskResult(ctx, delivery)
		case protocol.TypeGetResult:
			rt.handleGetResult(ctx, delivery)
		default:
			// Registrations and unknown types: acknowledge and drop.
			rt.logger.Debug("ignoring message", "type", msg.Type, "sender", msg.Sender)
			rt.ack(ctx, delivery.MessageID)
		}
	}
}

// handleTask runs the idempotency check, then either enqueues the task or
// parks it under its unmet dependencies.
//
// Task deliveries are not acknowledged here: the acknowledgment is sent by
// the task loop after the result goes out, so a crash mid-execution leaves
// the message with the relay for redelivery.
func (rt *Runtime) handleTask(ctx context.Context, delivery protocol.Delivery) {
	msg := delivery.Message

	if rt.markers.Completed(msg.TaskID) {
		// Duplicate of finished work. Replay the result if this runtime
		// produced one (the first send may never have arrived), then
		// acknowledge so the relay stops redelivering.
		rt.logger.Debug("duplicate task", "task_id", msg.TaskID, "sender", msg.Sender)
		rt.replayResult(ctx, msg)
		rt.ack(ctx, delivery.MessageID)
		return
	}

	rt.mu.Lock()
	if _, inProgress := rt.pending[msg.TaskID]; inProgress {
		// Redelivery of a task already queued or parked. Track the newest
		// delivery id so the eventual ack clears the live copy.
		rt.pending[msg.TaskID] = delivery.MessageID
		rt.mu.Unlock()
		rt.logger.Debug("task already in progress", "task_id", msg.TaskID)
		return
	}
	rt.pending[msg.TaskID] = delivery.MessageID

	unmet := rt.unmetDepsLocked(msg)
	if len(unmet) > 0 {
		p := &parked{task: msg, unmet: unmet}
		for dep := range unmet {
			rt.waiting[dep] = append(rt.waiting[dep], p)
		}
		rt.mu.Unlock()
		rt.logger.Info("task waiting on dependencies",
			"task_id", msg.TaskID,
			"unmet", depIDs(unmet),
		)
		return
	}
	rt.mu.Unlock()

	rt.queue.Enqueue(msg)
}

// handleTaskResult records the result and releases any parked tasks whose
// last unmet dependency this was.
func (rt *Runtime) handleTaskResult(ctx context.Context, delivery protocol.Delivery) {
	msg := delivery.Message

	rt.mu.Lock()
	if _, exists := rt.results[msg.TaskID]; !exists {
		rt.results[msg.TaskID] = msg
	}
	released := rt.releaseLocked(msg.TaskID)
	rt.mu.Unlock()

	rt.logger.Debug("dependency result recorded",
		"task_id", msg.TaskID,
		"released", len(released),
	)
	for _, task := range released {
		rt.queue.Enqueue(task)
	}

	rt.ack(ctx, delivery.MessageID)
}

// handleGetResult answers a result probe if this runtime holds the result.
func (rt *Runtime) handleGetResult(ctx context.Context, delivery protocol.Delivery) {
	msg := delivery.Message

	rt.mu.Lock()
	result, ok := rt.results[msg.TaskID]
	rt.mu.Unlock()

	if ok {
		target := msg.ReplyTo
		if target == "" {
			target = msg.Sender
		}
		reply := protocol.NewTaskResult(msg.TaskID, result.Result, rt.name)
		reply.Error = result.Error
		if err := rt.transport.Send(ctx, target, reply); err != nil {
			rt.logger.Warn("answering result probe failed",
				"task_id", msg.TaskID,
				"target", target,
				"error", err,
			)
		}
	}

	rt.ack(ctx, delivery.MessageID)
}

// taskLoop executes ready tasks one at a time.
func (rt *Runtime) taskLoop(ctx context.Context) error {
	for {
		task, ok := rt.queue.Dequeue(ctx)
		if !ok {
			return ctx.Err()
		}
		rt.execute(ctx, task)
	}
}

// execute runs one task through the executor and publishes its result.
//
// Ordering is load-bearing: the completed marker is recorded before the
// result is sent, and the task's delivery is acknowledged only after the
// send succeeds. A crash between marker and send is recovered by the
// duplicate path, which replays the stored result.
func (rt *Runtime) execute(ctx context.Context, task protocol.Message) {
	rt.logger.Info("executing task", "task_id", task.TaskID)

	task.Description = rt.executionContext(task)

	var resultMsg protocol.Message
	output, err := rt.executor.Execute(ctx, task)
	if err != nil {
		// Application-level failure is terminal: record it, report it,
		// never retry.
		rt.logger.Error("task failed", "task_id", task.TaskID, "error", err)
		resultMsg = protocol.NewErrorResult(task.TaskID, err, rt.name)
	} else {
		resultMsg = protocol.NewTaskResult(task.TaskID, output, rt.name)
	}

	rt.markers.MarkCompleted(task.TaskID)
	if rt.store != nil {
		if err := rt.store.MarkCompleted(ctx, rt.name, task.TaskID); err != nil {
			rt.logger.Warn("persisting completed marker failed",
				"task_id", task.TaskID,
				"error", err,
			)
		}
	}

	rt.mu.Lock()
	rt.results[task.TaskID] = resultMsg
	rt.mu.Unlock()

	target := task.ReplyTo
	if target == "" {
		target = task.Sender
	}
	if target != "" {
		if err := rt.transport.Send(ctx, target, resultMsg); err != nil {
			// Leave the delivery unacknowledged: the relay redelivers,
			// the duplicate path replays this result and acks then.
			rt.logger.Warn("sending result failed, leaving task unacked",
				"task_id", task.TaskID,
				"target", target,
				"error", err,
			)
			return
		}
	}

	rt.ackPending(ctx, task.TaskID)
}

// probeLoop periodically revisits parked tasks: logs the unmet dependency
// ids at WARN and probes the task's sender with get_result, covering
// results that only exist remotely.
func (rt *Runtime) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(rt.probe)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, p := range rt.snapshotParked() {
			unmet := depIDs(p.unmet)
			rt.logger.Warn("task still waiting on dependencies",
				"task_id", p.task.TaskID,
				"unmet", unmet,
			)
			if p.task.Sender == "" {
				continue
			}
			for _, dep := range unmet {
				probe := protocol.NewGetResult(dep, rt.name, rt.name)
				if err := rt.transport.Send(ctx, p.task.Sender, probe); err != nil {
					rt.logger.Debug("dependency probe failed",
						"task_id", p.task.TaskID,
						"dep", dep,
						"error", err,
					)
				}
			}
		}
	}
}

// pruneLoop periodically drops stored markers that have aged out of the
// retention window, keeping the table in step with the in-memory TTL.
func (rt *Runtime) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(rt.prune)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := rt.store.PruneBefore(ctx, time.Now().Add(-rt.retention))
		if err != nil {
			rt.logger.Warn("pruning stored markers failed", "error", err)
			continue
		}
		if n > 0 {
			rt.logger.Debug("pruned stored markers", "count", n)
		}
	}
}

// executionContext renders what the executor works from: the task's own
// description followed by the result each dependency produced. A task only
// reaches the queue once every dependency has a recorded result, so the
// rendered context is complete.
func (rt *Runtime) executionContext(task protocol.Message) string {
	if len(task.DependsOn) == 0 {
		return task.Description
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	var b strings.Builder
	b.WriteString(task.Description)
	b.WriteString("\n\nResults from prerequisite tasks:")
	for _, dep := range task.DependsOn {
		result, ok := rt.results[dep]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %v", dep, result.Result)
	}
	return b.String()
}

// snapshotParked returns the distinct parked tasks.
func (rt *Runtime) snapshotParked() []*parked {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	seen := make(map[*parked]struct{})
	var out []*parked
	for _, list := range rt.waiting {
		for _, p := range list {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// unmetDepsLocked returns the task's dependencies with no recorded result.
func (rt *Runtime) unmetDepsLocked(task protocol.Message) map[string]struct{} {
	unmet := make(map[string]struct{})
	for _, dep := range task.DependsOn {
		if _, ok := rt.results[dep]; !ok {
			unmet[dep] = struct{}{}
		}
	}
	return unmet
}

// releaseLocked removes taskID from every parked task waiting on it and
// returns the tasks that became ready.
func (rt *Runtime) releaseLocked(taskID string) []protocol.Message {
	list, ok := rt.waiting[taskID]
	if !ok {
		return nil
	}
	delete(rt.waiting, taskID)

	var ready []protocol.Message
	for _, p := range list {
		delete(p.unmet, taskID)
		if len(p.unmet) == 0 {
			ready = append(ready, p.task)
		}
	}
	return ready
}

// replayResult re-sends a previously produced result for a duplicate task.
func (rt *Runtime) replayResult(ctx context.Context, task protocol.Message) {
	rt.mu.Lock()
	result, ok := rt.results[task.TaskID]
	rt.mu.Unlock()
	if !ok {
		return
	}

	target := task.ReplyTo
	if target == "" {
		target = task.Sender
	}
	if target == "" {
		return
	}
	if err := rt.transport.Send(ctx, target, result); err != nil {
		rt.logger.Warn("replaying result failed",
			"task_id", task.TaskID,
			"target", target,
			"error", err,
		)
	}
}

// ackPending acknowledges the live delivery of the given task id.
func (rt *Runtime) ackPending(ctx context.Context, taskID string) {
	rt.mu.Lock()
	messageID, ok := rt.pending[taskID]
	delete(rt.pending, taskID)
	rt.mu.Unlock()
	if ok {
		rt.ack(ctx, messageID)
	}
}

// ack acknowledges a delivery, logging failures. A failed ack only costs a
// redelivery; the duplicate path absorbs it.
func (rt *Runtime) ack(ctx context.Context, messageID string) {
	if err := rt.transport.Acknowledge(ctx, messageID); err != nil {
		rt.logger.Warn("acknowledge failed", "message_id", messageID, "error", err)
	}
}

// depIDs returns the keys of a dependency set.
func depIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
