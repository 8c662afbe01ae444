// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-session rate limiting using the token
// bucket algorithm. It protects the shared outbound queue from a single
// misbehaving proxy client ahead of the global send pacing.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens; refillRate is tokens added
// per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if one request should be allowed.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Limiter tracks one token bucket per session. Buckets are created on
// first use and removed explicitly when the session closes, so the map
// never outgrows the live session set.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
}

// NewLimiter creates a per-session limiter.
func NewLimiter(capacity, refillRate int64) *Limiter {
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Allow checks if a request from the given session should be allowed.
func (l *Limiter) Allow(sessionID string) bool {
	l.mu.RLock()
	tb, exists := l.buckets[sessionID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.buckets[sessionID]
		if !exists {
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.buckets[sessionID] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Remove drops a session's bucket.
func (l *Limiter) Remove(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sessionID)
}

// Sessions returns the number of tracked sessions.
func (l *Limiter) Sessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
