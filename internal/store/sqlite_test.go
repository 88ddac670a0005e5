// ABOUTME: Tests for the SQLite completed-task marker store.
// ABOUTME: Uses in-memory databases; covers marking, lookup, warm-load, and pruning.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_MarkAndCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done, err := s.IsCompleted(ctx, "worker", "t1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkCompleted(ctx, "worker", "t1"))

	done, err = s.IsCompleted(ctx, "worker", "t1")
	require.NoError(t, err)
	assert.True(t, done)

	// Markers are scoped per agent
	done, err = s.IsCompleted(ctx, "other", "t1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestSQLiteStore_MarkTwice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkCompleted(ctx, "worker", "t1"))
	require.NoError(t, s.MarkCompleted(ctx, "worker", "t1"))

	done, err := s.IsCompleted(ctx, "worker", "t1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSQLiteStore_LoadCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkCompleted(ctx, "worker", "t1"))
	require.NoError(t, s.MarkCompleted(ctx, "worker", "t2"))
	require.NoError(t, s.MarkCompleted(ctx, "other", "t3"))

	ids, err := s.LoadCompleted(ctx, "worker", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, ids)

	// Nothing inside a future window
	ids, err = s.LoadCompleted(ctx, "worker", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLiteStore_PruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkCompleted(ctx, "worker", "old"))

	n, err := s.PruneBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	done, err := s.IsCompleted(ctx, "worker", "old")
	require.NoError(t, err)
	assert.False(t, done)
}
