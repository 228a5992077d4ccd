package cache

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := NewWithJanitorInterval(10 * time.Millisecond)
	t.Cleanup(c.Close)
	return c
}

func TestSetGet(t *testing.T) {
	c := newTestCache(t)

	c.Set("k", "v", time.Minute)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Errorf("Get(k) = %q, %v; want v, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestExpiry(t *testing.T) {
	c := newTestCache(t)

	c.Set("short", "v", 20*time.Millisecond)
	if _, ok := c.Get("short"); !ok {
		t.Fatal("expected entry before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Error("expected entry to expire")
	}
}

func TestSetNX(t *testing.T) {
	c := newTestCache(t)

	if !c.SetNX("lock", "token1", time.Minute) {
		t.Fatal("first SetNX should succeed")
	}
	if c.SetNX("lock", "token2", time.Minute) {
		t.Error("second SetNX should fail while held")
	}

	// After expiry the key is free again.
	c.Set("ttl_lock", "t", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if !c.SetNX("ttl_lock", "t2", time.Minute) {
		t.Error("SetNX should succeed after expiry")
	}
}

func TestCompareAndDelete(t *testing.T) {
	c := newTestCache(t)

	c.Set("lock", "token1", time.Minute)
	if c.CompareAndDelete("lock", "wrong") {
		t.Error("CompareAndDelete with wrong value should fail")
	}
	if !c.CompareAndDelete("lock", "token1") {
		t.Error("CompareAndDelete with matching value should succeed")
	}
	if _, ok := c.Get("lock"); ok {
		t.Error("expected key removed")
	}
}

func TestIncrMonotonic(t *testing.T) {
	c := newTestCache(t)

	var last int64
	for i := 0; i < 5; i++ {
		v := c.Incr("turn_seq")
		if v <= last {
			t.Fatalf("Incr not monotonic: %d after %d", v, last)
		}
		last = v
	}
	if c.Counter("turn_seq") != last {
		t.Errorf("Counter = %d, want %d", c.Counter("turn_seq"), last)
	}
}

func TestAppend(t *testing.T) {
	c := newTestCache(t)

	if got := c.Append("buf", "oi", "\n", time.Minute); got != "oi" {
		t.Errorf("first append = %q", got)
	}
	if got := c.Append("buf", "tudo bem?", "\n", time.Minute); got != "oi\ntudo bem?" {
		t.Errorf("second append = %q", got)
	}

	// An expired buffer restarts from scratch.
	c.Set("stale", "old", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if got := c.Append("stale", "new", "\n", time.Minute); got != "new" {
		t.Errorf("append after expiry = %q", got)
	}
}

func TestIncrWindow(t *testing.T) {
	c := newTestCache(t)

	for want := int64(1); want <= 3; want++ {
		if got := c.IncrWindow("recent_turns", time.Minute); got != want {
			t.Fatalf("IncrWindow = %d, want %d", got, want)
		}
	}

	// Once the window expires the count restarts.
	c.IncrWindow("short_window", 15*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if got := c.IncrWindow("short_window", time.Minute); got != 1 {
		t.Errorf("IncrWindow after expiry = %d, want 1", got)
	}
}

func TestKeysPrefix(t *testing.T) {
	c := newTestCache(t)

	c.Set("outbox_fallback:551:a", "1", time.Minute)
	c.Set("outbox_fallback:551:b", "2", time.Minute)
	c.Set("outbox_fallback:552:a", "3", time.Minute)
	c.Set("other", "4", time.Minute)

	keys := c.Keys("outbox_fallback:551:")
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %d (%v)", len(keys), keys)
	}
}

func TestJanitorSweeps(t *testing.T) {
	c := newTestCache(t)

	c.Set("a", "1", 15*time.Millisecond)
	c.Set("b", "2", time.Minute)
	time.Sleep(60 * time.Millisecond)
	if c.Len() != 1 {
		t.Errorf("expected 1 live entry after sweep, got %d", c.Len())
	}
}

func TestNonPositiveJanitorIntervalFallsBack(t *testing.T) {
	c := NewWithJanitorInterval(0)
	defer c.Close()

	c.Set("a", "1", time.Minute)
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Errorf("Get = %q, %v", v, ok)
	}
}
