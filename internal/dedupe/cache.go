// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the result they produced.
// ABOUTME: Used by the API so retried conversation starts return the first conversation.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	key      string
	value    string
	storedAt time.Time
	element  *list.Element
}

// Options configures a Cache.
type Options struct {
	// TTL is how long a remembered key stays valid. Defaults to 24h.
	TTL time.Duration
	// MaxSize bounds the number of keys. The oldest key is evicted first.
	MaxSize int
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// CleanupInterval controls the background sweep. Zero disables it.
	CleanupInterval time.Duration
}

// Cache remembers the value first stored under a key for a bounded time.
// Keys are kept in insertion order so eviction of the oldest is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Cache. When opts.CleanupInterval is positive a background
// goroutine removes expired keys until Close is called.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Clock,
		done:    make(chan struct{}),
	}
	if opts.CleanupInterval > 0 {
		go c.cleanup(opts.CleanupInterval)
	}
	return c
}

// Key scopes a client-supplied idempotency key to a tenant and user so two
// callers can never observe each other's results.
func Key(tenantID, userID, clientKey string) string {
	return tenantID + "\x00" + userID + "\x00" + clientKey
}

// Lookup returns the value remembered under key, if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.expired(entry) {
		return "", false
	}
	return entry.value, true
}

// Remember stores value under key unless a live value is already there. It
// returns the value that is now remembered and whether it was already
// present, so concurrent callers agree on a single winner.
func (c *Cache) Remember(key, value string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		if !c.expired(entry) {
			return entry.value, true
		}
		c.removeLocked(entry)
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(*cacheEntry)
			c.removeLocked(oldest)
		}
	}

	entry := &cacheEntry{key: key, value: value, storedAt: c.now()}
	entry.element = c.order.PushBack(entry)
	c.entries[key] = entry
	return value, false
}

// Forget drops key, typically after the operation it guarded failed.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.removeLocked(entry)
	}
}

// Len reports the number of keys held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(entry *cacheEntry) bool {
	return c.now().Sub(entry.storedAt) >= c.ttl
}

// Must be called with mu held.
func (c *Cache) removeLocked(entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, entry.key)
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Prune()
		case <-c.done:
			return
		}
	}
}

// Prune removes every expired key. Entries are stored in time order, so the
// walk stops at the first live one.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry, _ := front.Value.(*cacheEntry)
		if !c.expired(entry) {
			break
		}
		c.removeLocked(entry)
		removed++
	}
	return removed
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
