// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := New(Config{Initial: time.Second, Max: 30 * time.Second, Jitter: 0.2})

	// 1s, 2s, 4s doubling within the jitter spread.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, base := range want {
		got := b.Next()
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		if got < lo || got > hi {
			t.Errorf("Attempt %d: got %v, want within [%v, %v]", i, got, lo, hi)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	b := New(Config{Initial: time.Second, Max: 30 * time.Second, Jitter: 0})

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.Next()
	}
	if last != 30*time.Second {
		t.Errorf("Got %v after many attempts, want cap %v", last, 30*time.Second)
	}
}

func TestBackoffReset(t *testing.T) {
	b := New(Config{Initial: time.Second, Max: 30 * time.Second, Jitter: 0})

	b.Next()
	b.Next()
	b.Next()
	if b.Attempts() != 3 {
		t.Errorf("Attempts = %d, want 3", b.Attempts())
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Errorf("Attempts after reset = %d, want 0", b.Attempts())
	}
	if got := b.Next(); got != time.Second {
		t.Errorf("First delay after reset = %v, want %v", got, time.Second)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := New(Config{})
	if got := b.Next(); got < 800*time.Millisecond || got > 1200*time.Millisecond {
		t.Errorf("Default initial delay %v outside expected jitter range", got)
	}
}
