// Package cache provides a process-wide TTL key-value store used for inbound
// dedup sets, conversation lock tokens, and the degraded-mode outbox fallback.
//
// Entries auto-expire. The store is created at startup and torn down at
// shutdown; components receive an injected handle instead of reaching for
// ambient globals.
package cache

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultJanitorInterval is how often expired entries are swept.
const DefaultJanitorInterval = 30 * time.Second

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is an in-memory TTL store safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	counters map[string]int64
	done     chan struct{}
	closed   bool
}

// New creates a Cache and starts its expiry janitor.
func New() *Cache {
	return NewWithJanitorInterval(DefaultJanitorInterval)
}

// NewWithJanitorInterval creates a Cache with a custom sweep interval. A
// non-positive interval falls back to the default.
func NewWithJanitorInterval(interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	c := &Cache{
		entries:  make(map[string]entry),
		counters: make(map[string]int64),
		done:     make(chan struct{}),
	}
	go c.janitor(interval)
	return c
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Cache.sweep: removed expired entries", "count", removed)
	}
}

// Close stops the janitor. Further calls are no-ops.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Set stores a value under key with the given TTL. A non-positive TTL stores
// the value without expiry.
func (c *Cache) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: expiry(ttl)}
}

// Get returns the value for key if present and unexpired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if e.expired(time.Now()) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// SetNX stores the value only if the key is absent (or expired). Returns true
// if the value was stored.
func (c *Cache) SetNX(key, value string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.expired(time.Now()) {
		return false
	}
	c.entries[key] = entry{value: value, expiresAt: expiry(ttl)}
	return true
}

// Append atomically appends segment to the value under key, inserting sep
// between existing content and the new segment. The TTL is refreshed on every
// append. Returns the resulting value.
func (c *Cache) Append(key, segment, sep string, ttl time.Duration) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := segment
	if e, ok := c.entries[key]; ok && !e.expired(time.Now()) && e.value != "" {
		value = e.value + sep + segment
	}
	c.entries[key] = entry{value: value, expiresAt: expiry(ttl)}
	return value
}

// CompareAndDelete removes the key only if its current value matches. Returns
// true if the key was removed.
func (c *Cache) CompareAndDelete(key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) || e.value != value {
		return false
	}
	delete(c.entries, key)
	return true
}

// Delete removes the key unconditionally.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Incr increments and returns a monotonic counter for key. Counters never
// expire; they back fencing tokens for conversation turns.
func (c *Cache) Incr(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key]
}

// IncrWindow increments a TTL-bounded counter stored as a regular entry. The
// TTL is set only when the counter is created, so the count covers a sliding
// window starting at the first increment. Returns the new count.
func (c *Cache) IncrWindow(key string, ttl time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	e, ok := c.entries[key]
	if ok && !e.expired(time.Now()) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
		e.value = strconv.FormatInt(n+1, 10)
		c.entries[key] = e
		return n + 1
	}
	c.entries[key] = entry{value: "1", expiresAt: expiry(ttl)}
	return 1
}

// Counter returns the current counter value for key without incrementing.
func (c *Cache) Counter(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[key]
}

// Keys returns the unexpired keys that start with prefix.
func (c *Cache) Keys(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var keys []string
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of unexpired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
