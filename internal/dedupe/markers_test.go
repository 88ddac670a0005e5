// ABOUTME: Tests for the completed-task marker set.
// ABOUTME: Validates TTL expiry, size cap with eviction, and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarkers_NotCompleted(t *testing.T) {
	m := New(5*time.Minute, 100)
	defer m.Close()

	assert.False(t, m.Completed("never-seen"))
}

func TestMarkers_MarkCompleted(t *testing.T) {
	m := New(5*time.Minute, 100)
	defer m.Close()

	m.MarkCompleted("task-1")
	assert.True(t, m.Completed("task-1"))
	assert.False(t, m.Completed("task-2"))
}

func TestMarkers_TTLExpiry(t *testing.T) {
	m := New(10*time.Millisecond, 100)
	defer m.Close()

	m.MarkCompleted("short-lived")
	assert.True(t, m.Completed("short-lived"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.Completed("short-lived"))
}

func TestMarkers_EvictsOldestAtCapacity(t *testing.T) {
	m := New(5*time.Minute, 3)
	defer m.Close()

	m.MarkCompleted("a")
	m.MarkCompleted("b")
	m.MarkCompleted("c")
	m.MarkCompleted("d") // evicts "a"

	assert.False(t, m.Completed("a"))
	assert.True(t, m.Completed("b"))
	assert.True(t, m.Completed("c"))
	assert.True(t, m.Completed("d"))
	assert.Equal(t, 3, m.Len())
}

func TestMarkers_ReMarkMovesToBack(t *testing.T) {
	m := New(5*time.Minute, 3)
	defer m.Close()

	m.MarkCompleted("a")
	m.MarkCompleted("b")
	m.MarkCompleted("c")
	m.MarkCompleted("a") // refresh; "b" is now oldest
	m.MarkCompleted("d") // evicts "b"

	assert.True(t, m.Completed("a"))
	assert.False(t, m.Completed("b"))
}

func TestMarkers_Sweep(t *testing.T) {
	m := New(5*time.Millisecond, 100)
	defer m.Close()

	m.MarkCompleted("x")
	m.MarkCompleted("y")
	time.Sleep(10 * time.Millisecond)
	m.sweep()

	assert.Equal(t, 0, m.Len())
}

func TestMarkers_Concurrent(t *testing.T) {
	m := New(5*time.Minute, 10_000)
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := fmt.Sprintf("task-%d-%d", n, j)
				m.MarkCompleted(id)
				m.Completed(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8*200, m.Len())
}

func TestMarkers_CloseTwice(t *testing.T) {
	m := New(time.Minute, 10)
	m.Close()
	m.Close() // must not panic
}
