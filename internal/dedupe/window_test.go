// ABOUTME: Tests for the payload digest window.
// ABOUTME: Validates TTL expiration, digest replacement, eviction, forgetting and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWindow(ttl time.Duration, maxSize int) (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newWindow(ttl, maxSize, clock.Now), clock
}

func TestWindow_Check_NotSeen(t *testing.T) {
	w := New(5*time.Minute, 100)
	defer w.Close()

	assert.False(t, w.Check("/api/items", "d1"))
}

func TestWindow_Check_Seen(t *testing.T) {
	w := New(5*time.Minute, 100)
	defer w.Close()

	w.Mark("/api/items", "d1")

	assert.True(t, w.Check("/api/items", "d1"))
	assert.False(t, w.Check("/api/items", "d2"), "different digest is not a duplicate")
	assert.False(t, w.Check("/api/other", "d1"), "digest is scoped to its url")
}

func TestWindow_Check_Expired(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 100)
	defer w.Close()

	w.Mark("/api/items", "d1")
	assert.True(t, w.Check("/api/items", "d1"))

	clock.Advance(time.Minute)
	assert.False(t, w.Check("/api/items", "d1"))
}

func TestWindow_Mark_ReplacesDigestAndTimestamp(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 100)
	defer w.Close()

	w.Mark("/api/items", "d1")
	clock.Advance(40 * time.Second)
	w.Mark("/api/items", "d2")
	clock.Advance(40 * time.Second)

	assert.False(t, w.Check("/api/items", "d1"))
	assert.True(t, w.Check("/api/items", "d2"), "re-mark should refresh the window")
	assert.Equal(t, 1, len(w.seen))
}

func TestWindow_Eviction(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 3)
	defer w.Close()

	w.Mark("first", "a")
	w.Mark("second", "b")
	w.Mark("third", "c")
	w.Mark("fourth", "d")

	assert.False(t, w.Check("first", "a"), "oldest url should be evicted")
	assert.True(t, w.Check("second", "b"))
	assert.True(t, w.Check("third", "c"))
	assert.True(t, w.Check("fourth", "d"))

	// Re-marking moves an entry to the back of the eviction order.
	w.Mark("second", "b")
	w.Mark("fifth", "e")

	assert.False(t, w.Check("third", "c"), "third is now the oldest")
	assert.True(t, w.Check("second", "b"))
	assert.Equal(t, 3, len(w.seen))
}

func TestWindow_Forget(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 100)
	defer w.Close()

	w.Mark("/api/items", "a")
	w.Mark("/api/items/archived", "b")
	w.Mark("/api/users", "c")

	w.Forget("/api/users")
	assert.False(t, w.Check("/api/users", "c"))
	w.Forget("/api/users")

	assert.True(t, w.Check("/api/items", "a"))
	assert.Equal(t, 2, len(w.seen))
}

func TestWindow_Cleanup(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 100)
	defer w.Close()

	w.Mark("one", "a")
	w.Mark("two", "b")
	clock.Advance(30 * time.Second)
	w.Mark("three", "c")
	clock.Advance(40 * time.Second)

	w.runCleanup()

	assert.Equal(t, 1, len(w.seen), "cleanup should remove expired entries")
	assert.True(t, w.Check("three", "c"))
}

func TestWindow_Concurrent(t *testing.T) {
	w := New(5*time.Minute, 1000)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				url := fmt.Sprintf("/u/%d/%d", id%10, j%10)
				w.Mark(url, "d")
				w.Check(url, "d")
				if j%25 == 0 {
					w.Forget(url)
				}
			}
		}(i)
	}
	wg.Wait()

	w.Mark("final", "d")
	assert.True(t, w.Check("final", "d"))
}

func TestWindow_Close(t *testing.T) {
	w := New(5*time.Minute, 100)
	w.Mark("before-close", "d")
	assert.True(t, w.Check("before-close", "d"))

	w.Close()
	w.Close()
}

func TestWindow_MinimumSize(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 0)
	defer w.Close()

	w.Mark("a", "1")
	w.Mark("b", "2")
	assert.Equal(t, 1, len(w.seen))
	assert.True(t, w.Check("b", "2"))
}
