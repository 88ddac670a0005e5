// Package store persists completed-task idempotency markers to SQLite.
//
// The marker set normally lives in process memory only, which means a crash
// between executing a task and acknowledging its message causes the relay to
// redeliver and the restarted agent to re-execute. Agents configured with a
// store write each marker before acknowledging and warm their in-memory set
// from it at startup, so dedup survives restarts for markers inside the
// configured retention window.
package store
