// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package backoff provides the exponential reconnect delay policy for the
// upstream device link.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Config holds backoff configuration.
type Config struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay growth.
	Max time.Duration
	// Jitter is the fraction of random spread applied to each delay,
	// e.g. 0.2 yields delays in [0.8d, 1.2d].
	Jitter float64
}

// Backoff computes successive reconnect delays. Delays double on every
// Next call until Max; Reset restores the initial delay after a
// successful connection.
type Backoff struct {
	mu      sync.Mutex
	config  Config
	attempt int
	rng     *rand.Rand
}

// New creates a new backoff policy.
func New(config Config) *Backoff {
	if config.Initial == 0 {
		config.Initial = time.Second
	}
	if config.Max == 0 {
		config.Max = 30 * time.Second
	}
	if config.Jitter < 0 || config.Jitter >= 1 {
		config.Jitter = 0.2
	}

	return &Backoff{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next connection attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.config.Initial << b.attempt
	if d > b.config.Max || d < b.config.Initial {
		// The shift overflows for large attempt counts.
		d = b.config.Max
	}
	b.attempt++

	if b.config.Jitter > 0 {
		spread := float64(d) * b.config.Jitter
		d = time.Duration(float64(d) + (b.rng.Float64()*2-1)*spread)
	}
	if d < 0 {
		d = b.config.Initial
	}
	return d
}

// Reset restores the initial delay. Called after a successful handshake.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
