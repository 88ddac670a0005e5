// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides completed-task marker persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS completed_tasks (
			agent TEXT NOT NULL,
			task_id TEXT NOT NULL,
			completed_at DATETIME NOT NULL,
			PRIMARY KEY (agent, task_id)
		);

		CREATE INDEX IF NOT EXISTS idx_completed_tasks_completed_at
			ON completed_tasks(completed_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// MarkCompleted records a completed-task marker, updating the completion
// time when the marker already exists.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, agent, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completed_tasks (agent, task_id, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent, task_id) DO UPDATE SET completed_at = excluded.completed_at
	`, agent, taskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking task completed: %w", err)
	}
	return nil
}

// IsCompleted reports whether a marker exists for (agent, task id).
func (s *SQLiteStore) IsCompleted(ctx context.Context, agent, taskID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM completed_tasks WHERE agent = ? AND task_id = ?
	`, agent, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying completed task: %w", err)
	}
	return true, nil
}

// LoadCompleted returns the agent's task ids completed at or after since.
func (s *SQLiteStore) LoadCompleted(ctx context.Context, agent string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id FROM completed_tasks
		WHERE agent = ? AND completed_at >= ?
		ORDER BY completed_at
	`, agent, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("loading completed tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating completed tasks: %w", err)
	}
	return ids, nil
}

// PruneBefore deletes markers completed before the cutoff.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM completed_tasks WHERE completed_at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning completed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned completed-task markers", "count", n)
	}
	return n, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
