package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	bucket := newBucket(2, 5, clk.Now) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}

	// Next request should be denied (bucket empty)
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	clk.Advance(time.Second)

	// Should have 2 tokens available now
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}

	// Third request should be denied
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestTokenBucketPartialRefill(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	bucket := newBucket(2, 1, clk.Now)
	if !bucket.Allow() {
		t.Fatal("Expected first request to be allowed")
	}
	// Two quarter-second steps add up to one token.
	clk.Advance(250 * time.Millisecond)
	if bucket.Allow() {
		t.Error("Expected request to be denied after a quarter second")
	}
	clk.Advance(250 * time.Millisecond)
	if !bucket.Allow() {
		t.Error("Expected accumulated refill to allow a request")
	}
}

func TestConnLimiterPerIP(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	cl := newConnLimiter(0, 2, 3, clk.Now) // global disabled; per-ip: 2/s, burst 3

	ip := "10.0.0.1"
	for i := 0; i < 3; i++ {
		if !cl.Allow(ip) {
			t.Errorf("Expected attempt %d to be allowed for %s", i, ip)
		}
	}
	if cl.Allow(ip) {
		t.Error("Expected attempt to be denied due to per-ip limit")
	}

	// Different address should have a separate bucket
	if !cl.Allow("10.0.0.2") {
		t.Error("Expected attempt to be allowed for different address")
	}
}

func TestConnLimiterGlobal(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	cl := newConnLimiter(2, 0, 2, clk.Now)

	if !cl.Allow("10.0.0.1") || !cl.Allow("10.0.0.2") {
		t.Fatal("Expected global burst to be allowed")
	}
	if cl.Allow("10.0.0.3") {
		t.Error("Expected attempt to be denied due to global limit")
	}
	if cl.Tracked() != 0 {
		t.Errorf("Expected no per-ip state with per-ip limit disabled, got %d", cl.Tracked())
	}
}

func TestConnLimiterPrune(t *testing.T) {
	cl := NewConnLimiter(0, 1, 1)
	cl.Allow("10.0.0.1")
	cl.Allow("10.0.0.2")
	if cl.Tracked() != 2 {
		t.Fatalf("Expected 2 tracked addresses, got %d", cl.Tracked())
	}

	if n := cl.Prune(map[string]bool{"10.0.0.1": true}); n != 1 {
		t.Errorf("Expected 1 pruned address, got %d", n)
	}
	if _, ok := cl.perIP["10.0.0.1"]; !ok {
		t.Error("Expected 10.0.0.1 to remain")
	}
	if _, ok := cl.perIP["10.0.0.2"]; ok {
		t.Error("Expected 10.0.0.2 to be pruned")
	}
}

func TestConnLimiterDisabled(t *testing.T) {
	cl := NewConnLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		if !cl.Allow("10.0.0.1") {
			t.Errorf("Expected attempt %d to be allowed when limits disabled", i)
		}
	}
}
