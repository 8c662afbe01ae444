// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x01},
		[]byte("hello mesh"),
		bytes.Repeat([]byte{0xAB}, MaxPayloadSize),
	}

	for _, payload := range payloads {
		buf, err := Encode(payload)
		if err != nil {
			t.Fatalf("Encode(%d bytes) failed: %v", len(payload), err)
		}
		if buf[0] != Start1 || buf[1] != Start2 {
			t.Errorf("Encoded frame missing magic preamble: % x", buf[:2])
		}

		decoded, consumed, err := DecodeNext(buf)
		if err != nil {
			t.Fatalf("DecodeNext failed: %v", err)
		}
		if consumed != len(buf) {
			t.Errorf("Consumed %d bytes, want %d", consumed, len(buf))
		}
		if !bytes.Equal(decoded, payload) {
			t.Errorf("Round trip mismatch: got %d bytes, want %d", len(decoded), len(payload))
		}
	}
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	full, err := Encode([]byte("partial frame test"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for cut := 0; cut < len(full); cut++ {
		_, consumed, err := DecodeNext(full[:cut])
		if !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("Truncated at %d: expected ErrShortBuffer, got %v", cut, err)
		}
		if consumed != 0 {
			t.Fatalf("Truncated at %d: short buffer must consume nothing, consumed %d", cut, consumed)
		}
	}
}

func TestDecodeResyncAfterJunk(t *testing.T) {
	payload := []byte("valid after junk")
	valid, err := Encode(payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	junk := []byte{0x00, 0xFF, 0x13, 0x37, Start1, 0x00} // includes a false preamble start
	stream := append(append([]byte{}, junk...), valid...)

	var dec Decoder
	dec.Push(stream)

	decoded, err := dec.Next()
	if err != nil {
		t.Fatalf("Next failed after junk: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("Got %q, want %q", decoded, payload)
	}
	if dec.Skipped() != uint64(len(junk)) {
		t.Errorf("Skipped %d bytes, want %d", dec.Skipped(), len(junk))
	}
}

func TestDecodeResyncJunkPreambleBeforeFrame(t *testing.T) {
	// A stray preamble byte directly in front of a real frame: the junk
	// 0x94 pairs with the frame's own 0x94 to form a failed preamble
	// check, and the resync must land on the frame, not past it.
	payload := []byte("hello")
	valid, err := Encode(payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var dec Decoder
	dec.Push(append([]byte{Start1}, valid...))

	decoded, err := dec.Next()
	if err != nil {
		t.Fatalf("Next failed with a stray preamble byte: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("Got %q, want %q", decoded, payload)
	}
	if dec.Skipped() != 1 {
		t.Errorf("Skipped %d bytes, want 1", dec.Skipped())
	}
	if dec.Buffered() != 0 {
		t.Errorf("Decoder kept %d undecoded bytes", dec.Buffered())
	}
}

func TestDecodeImplausibleLength(t *testing.T) {
	// A frame header declaring a length beyond the protocol maximum is
	// stream corruption, not a frame.
	bad := []byte{Start1, Start2, 0xFF, 0xFF}
	good, err := Encode([]byte("ok"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var dec Decoder
	dec.Push(append(bad, good...))

	decoded, err := dec.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(decoded) != "ok" {
		t.Errorf("Got %q, want %q", decoded, "ok")
	}
}

func TestDecoderIncremental(t *testing.T) {
	var stream []byte
	want := make([][]byte, 5)
	for i := range want {
		want[i] = bytes.Repeat([]byte{byte(i + 1)}, 10*(i+1))
		buf, err := Encode(want[i])
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		stream = append(stream, buf...)
	}

	// Feed the stream one byte at a time, as a TCP read loop might.
	var dec Decoder
	var got [][]byte
	for _, b := range stream {
		dec.Push([]byte{b})
		for {
			payload, err := dec.Next()
			if err != nil {
				break
			}
			got = append(got, payload)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("Decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("Frame %d mismatch", i)
		}
	}
	if dec.Buffered() != 0 {
		t.Errorf("Decoder kept %d undecoded bytes", dec.Buffered())
	}
}
