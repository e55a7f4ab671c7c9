// ABOUTME: Thread-safe TTL window of payload digests keyed by URL.
// ABOUTME: Lets the cache directory skip rewrites of identical payloads.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// windowEntry stores the digest, when it was marked, and its list element.
type windowEntry struct {
	digest    string
	timestamp time.Time
	element   *list.Element
}

// Window is a TTL-based, size-limited map from URL to the digest of the
// payload last written for it. The oldest entry is evicted when full.
type Window struct {
	mu      sync.RWMutex
	seen    map[string]*windowEntry
	order   *list.List // URLs in mark order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a window with the given TTL and maximum number of URLs.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Window {
	w := newWindow(ttl, maxSize, time.Now)
	go w.cleanup(cleanupInterval(ttl))
	return w
}

func newWindow(ttl time.Duration, maxSize int, now func() time.Time) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{
		seen:    make(map[string]*windowEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return time.Minute
	}
	return ttl
}

// Check reports whether digest was marked for url and has not expired.
func (w *Window) Check(url, digest string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.checkLocked(url, digest)
}

func (w *Window) checkLocked(url, digest string) bool {
	entry, ok := w.seen[url]
	if !ok || entry.digest != digest {
		return false
	}
	return w.now().Sub(entry.timestamp) < w.ttl
}

// Mark records digest as the latest payload for url.
func (w *Window) Mark(url, digest string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markLocked(url, digest)
}

// markLocked must be called with mu held.
func (w *Window) markLocked(url, digest string) {
	now := w.now()

	if entry, exists := w.seen[url]; exists {
		entry.digest = digest
		entry.timestamp = now
		w.order.MoveToBack(entry.element)
		return
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}

	elem := w.order.PushBack(url)
	w.seen[url] = &windowEntry{
		digest:    digest,
		timestamp: now,
		element:   elem,
	}
}

// Forget drops the mark for url.
func (w *Window) Forget(url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(url)
}

func (w *Window) removeLocked(url string) {
	entry, ok := w.seen[url]
	if !ok {
		return
	}
	w.order.Remove(entry.element)
	delete(w.seen, url)
}

// evictOldest must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	url, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, url)
}

func (w *Window) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runCleanup()
		case <-w.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (w *Window) runCleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for url, entry := range w.seen {
		if now.Sub(entry.timestamp) >= w.ttl {
			w.order.Remove(entry.element)
			delete(w.seen, url)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
