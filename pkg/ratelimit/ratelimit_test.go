// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	tb := NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Fatalf("Request %d denied within burst capacity", i)
		}
	}
	if tb.Allow() {
		t.Error("Request allowed after burst exhausted")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(2, 10) // 10 tokens/sec

	tb.Allow()
	tb.Allow()
	if tb.Allow() {
		t.Fatal("Bucket should be empty")
	}

	time.Sleep(150 * time.Millisecond)
	if !tb.Allow() {
		t.Error("Bucket did not refill")
	}
}

func TestLimiterPerSession(t *testing.T) {
	l := NewLimiter(2, 1)

	// Session A exhausts its bucket; session B is unaffected.
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("Session a denied within capacity")
	}
	if l.Allow("a") {
		t.Error("Session a allowed beyond capacity")
	}
	if !l.Allow("b") {
		t.Error("Session b throttled by session a")
	}

	if l.Sessions() != 2 {
		t.Errorf("Sessions = %d, want 2", l.Sessions())
	}

	l.Remove("a")
	if l.Sessions() != 1 {
		t.Errorf("Sessions after remove = %d, want 1", l.Sessions())
	}
	// A removed session starts fresh.
	if !l.Allow("a") {
		t.Error("Session a did not reset after removal")
	}
}
