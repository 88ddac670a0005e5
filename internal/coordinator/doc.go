// Package coordinator submits task graphs to worker agents and collects
// their results.
//
// A graph is a set of TaskSpecs: task id, assignee, description, and
// dependency ids. All steps are dispatched immediately; assignees park
// steps with unmet dependencies. As results arrive the coordinator keeps a
// reverse dependency index and forwards the complete set of dependency
// results to each dependent exactly when its last dependency finishes.
// WaitForCompletion polls the result map until every submitted id has a
// result; error results count as completion, since task failure is
// terminal.
package coordinator
