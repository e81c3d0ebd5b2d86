package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newBucket(rate, capacity, time.Now)
}

func newBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// ConnLimiter throttles connection attempts globally and per source IP.
// It runs before whitelist admission so a misbehaving peer cannot spin the
// accept path. A rate of 0 disables that limit.
type ConnLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perIP     map[string]*TokenBucket
	ipRate    int
	burstSize int
	now       func() time.Time
}

// NewConnLimiter creates a limiter allowing globalRate and perIPRate attempts
// per second with the given burst.
func NewConnLimiter(globalRate, perIPRate, burstSize int) *ConnLimiter {
	return newConnLimiter(globalRate, perIPRate, burstSize, time.Now)
}

func newConnLimiter(globalRate, perIPRate, burstSize int, now func() time.Time) *ConnLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	cl := &ConnLimiter{
		perIP:     make(map[string]*TokenBucket),
		ipRate:    perIPRate,
		burstSize: burstSize,
		now:       now,
	}
	if globalRate > 0 {
		cl.global = newBucket(globalRate, burstSize, now)
	}
	return cl
}

// Allow reports whether a connection attempt from ip may proceed.
func (cl *ConnLimiter) Allow(ip string) bool {
	if cl.global != nil && !cl.global.Allow() {
		return false
	}
	if cl.ipRate <= 0 {
		return true
	}
	cl.mu.Lock()
	bucket, ok := cl.perIP[ip]
	if !ok {
		bucket = newBucket(cl.ipRate, cl.burstSize, cl.now)
		cl.perIP[ip] = bucket
	}
	cl.mu.Unlock()
	return bucket.Allow()
}

// Prune drops per-IP state for addresses that have no admitted session.
func (cl *ConnLimiter) Prune(active map[string]bool) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	n := 0
	for ip := range cl.perIP {
		if !active[ip] {
			delete(cl.perIP, ip)
			n++
		}
	}
	return n
}

// Tracked returns the number of addresses with per-IP state.
func (cl *ConnLimiter) Tracked() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.perIP)
}
