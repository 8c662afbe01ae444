// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package cache holds the configuration frames captured during the
// want_config handshake, for replay to virtual node clients.
package cache

import (
	"errors"
	"sync"
	"time"
)

// ErrFrozen is returned when appending to a frozen cache.
var ErrFrozen = errors.New("config cache is frozen")

// ConfigCache is an append-only buffer of configuration frame payloads.
// It is written by the upstream read loop while the connection is
// awaiting config, then frozen on handshake completion. A frozen cache is
// immutable and safe for concurrent replay. A reconnect builds a fresh
// cache; the old one is discarded wholesale, never merged.
type ConfigCache struct {
	mu         sync.RWMutex
	frames     [][]byte
	frozen     bool
	frozenAt   time.Time
	completeID uint32
}

// New creates an empty, unfrozen cache.
func New() *ConfigCache {
	return &ConfigCache{}
}

// Append records one captured handshake frame payload. The payload must
// not be mutated by the caller afterwards.
func (c *ConfigCache) Append(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrFrozen
	}
	c.frames = append(c.frames, payload)
	return nil
}

// Freeze marks the cache immutable and records the config_complete nonce
// that terminated the handshake. Freeze is idempotent.
func (c *ConfigCache) Freeze(completeID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return
	}
	c.frozen = true
	c.frozenAt = time.Now()
	c.completeID = completeID
}

// Frozen reports whether the cache has been frozen.
func (c *ConfigCache) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// FrozenAt returns the freeze time, zero if not frozen.
func (c *ConfigCache) FrozenAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozenAt
}

// CompleteID returns the handshake nonce recorded at freeze time.
func (c *ConfigCache) CompleteID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completeID
}

// Len returns the number of captured frames.
func (c *ConfigCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}

// Frames returns a snapshot of the captured payloads in capture order.
// The outer slice is copied; payloads are shared and treated as
// immutable by all readers.
func (c *ConfigCache) Frames() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}
