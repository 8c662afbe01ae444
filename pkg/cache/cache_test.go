// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestAppendAndFreeze(t *testing.T) {
	c := New()

	var want [][]byte
	for i := 0; i < 50; i++ {
		payload := []byte(fmt.Sprintf("config frame %02d", i))
		want = append(want, payload)
		if err := c.Append(payload); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if c.Frozen() {
		t.Error("Cache frozen before Freeze")
	}

	c.Freeze(1234)
	if !c.Frozen() {
		t.Error("Cache not frozen after Freeze")
	}
	if c.CompleteID() != 1234 {
		t.Errorf("CompleteID = %d, want 1234", c.CompleteID())
	}
	if c.FrozenAt().IsZero() {
		t.Error("FrozenAt is zero after Freeze")
	}

	got := c.Frames()
	if len(got) != len(want) {
		t.Fatalf("Frames() returned %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("Frame %d out of order or corrupted", i)
		}
	}
}

func TestAppendAfterFreeze(t *testing.T) {
	c := New()
	c.Freeze(1)

	if err := c.Append([]byte("late")); !errors.Is(err, ErrFrozen) {
		t.Errorf("Expected ErrFrozen, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after rejected append, want 0", c.Len())
	}
}

func TestFreezeIdempotent(t *testing.T) {
	c := New()
	c.Append([]byte("a"))
	c.Freeze(7)
	first := c.FrozenAt()

	c.Freeze(9)
	if c.CompleteID() != 7 {
		t.Errorf("Second Freeze changed CompleteID to %d", c.CompleteID())
	}
	if !c.FrozenAt().Equal(first) {
		t.Error("Second Freeze changed FrozenAt")
	}
}

func TestFramesSnapshotIsIndependent(t *testing.T) {
	c := New()
	c.Append([]byte("one"))
	c.Append([]byte("two"))
	c.Freeze(1)

	snap := c.Frames()
	snap[0] = []byte("mutated")

	again := c.Frames()
	if !bytes.Equal(again[0], []byte("one")) {
		t.Error("Mutating a snapshot affected the cache")
	}
}
