// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the Meshtastic stream framing: a 2-byte magic
// preamble, a 2-byte big-endian payload length, and an opaque payload.
// Encoding and decoding are pure functions over byte slices; Decoder adds
// an incremental cursor for use on a TCP stream.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Start1 and Start2 form the magic preamble of every frame.
	Start1 byte = 0x94
	Start2 byte = 0xC3

	// HeaderSize is Magic(2) + Length(2).
	HeaderSize = 4

	// MaxPayloadSize is the protocol's MAX_TO_FROM_RADIO_SIZE. Frames
	// declaring a larger length are treated as stream corruption.
	MaxPayloadSize = 512
)

var (
	// ErrFrameTooLarge is returned by Encode for oversized payloads.
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrShortBuffer is returned by DecodeNext when the buffer does not
	// yet hold a complete frame. The caller must supply more bytes.
	ErrShortBuffer = errors.New("incomplete frame")

	// ErrCorrupt is returned when the magic preamble is missing at the
	// expected offset or a declared length is invalid. The reported
	// consumed count is the number of junk bytes to discard before the
	// next decode attempt.
	ErrCorrupt = errors.New("corrupt frame stream")
)

// Encode wraps payload in a wire frame.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = Start1
	buf[1] = Start2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeNext attempts to decode one frame from the head of buf.
//
// On success it returns the payload (a copy, safe to retain), the number
// of bytes consumed, and a nil error. On ErrShortBuffer nothing was
// consumed. On ErrCorrupt the consumed count is the number of bytes to
// skip so that the stream is positioned at the next candidate magic
// sequence (protocol self-resynchronization).
func DecodeNext(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < 1 {
		return nil, 0, ErrShortBuffer
	}
	if buf[0] != Start1 {
		return nil, skipToMagic(buf), ErrCorrupt
	}
	if len(buf) < 2 {
		return nil, 0, ErrShortBuffer
	}
	if buf[1] != Start2 {
		// First byte looked like a preamble but was not; resume the
		// scan one byte in.
		return nil, 1 + skipToMagic(buf[1:]), ErrCorrupt
	}
	if len(buf) < HeaderSize {
		return nil, 0, ErrShortBuffer
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length > MaxPayloadSize {
		// Implausible length: the preamble match was coincidental.
		return nil, 1 + skipToMagic(buf[1:]), ErrCorrupt
	}
	if len(buf) < HeaderSize+length {
		return nil, 0, ErrShortBuffer
	}
	payload = make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])
	return payload, HeaderSize + length, nil
}

// skipToMagic returns the offset of the first Start1 byte in buf, or
// len(buf) if none is present. Callers that discard a leading byte must
// pass the remainder so an immediately following preamble is found.
func skipToMagic(buf []byte) int {
	for i, b := range buf {
		if b == Start1 {
			return i
		}
	}
	return len(buf)
}

// Decoder is an incremental frame decoder over a byte stream. It is not
// safe for concurrent use; each connection owns its own Decoder.
type Decoder struct {
	buf     []byte
	skipped uint64
}

// Push appends raw stream bytes to the decode buffer.
func (d *Decoder) Push(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame payload, transparently discarding
// junk bytes between frames. It returns ErrShortBuffer when the buffered
// bytes do not hold a complete frame.
func (d *Decoder) Next() ([]byte, error) {
	for {
		payload, consumed, err := DecodeNext(d.buf)
		switch {
		case err == nil:
			d.consume(consumed)
			return payload, nil
		case errors.Is(err, ErrCorrupt):
			d.skipped += uint64(consumed)
			d.consume(consumed)
		default:
			return nil, err
		}
	}
}

// Skipped reports the total number of junk bytes discarded during
// resynchronization.
func (d *Decoder) Skipped() uint64 {
	return d.skipped
}

// Buffered reports the number of undecoded bytes held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) consume(n int) {
	d.buf = d.buf[:copy(d.buf, d.buf[n:])]
}
