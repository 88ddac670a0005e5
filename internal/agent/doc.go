// Package agent implements the runtime that turns a transport and an
// executor into a live worker.
//
// The runtime runs a message loop that classifies deliveries (tasks,
// dependency results, result probes), a task loop that executes ready tasks
// in arrival order, a probe loop that revisits tasks parked on unmet
// dependencies, and, when a durable marker store is configured, a prune
// loop that ages old markers out of it. A ready task's description is
// extended with the results its dependencies produced before the executor
// runs, so dependent work consumes its prerequisites' output.
//
// Delivery is at-least-once, so the runtime is built around idempotency:
// a completed-task marker set short-circuits duplicate tasks, the marker is
// recorded before the result is sent, and the task's delivery is
// acknowledged only after the send succeeds. Tasks whose dependencies have
// not produced results are parked, woken by result arrival, and probed
// periodically with get_result in case the result only exists remotely.
package agent
