// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package vnode

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mherrors "github.com/Yeraze/meshmonitor-sub001/pkg/errors"
	"github.com/Yeraze/meshmonitor-sub001/pkg/frame"
)

// frameConn abstracts one client connection as a frame stream. The TCP
// implementation speaks the device's wire framing; the WebSocket
// implementation carries one payload per binary message.
type frameConn interface {
	// ReadFrame blocks until one complete frame payload is available.
	ReadFrame() ([]byte, error)
	// WriteFrame writes one frame payload.
	WriteFrame(payload []byte) error
	Close() error
	RemoteAddr() string
}

const writeTimeout = 10 * time.Second

// session is one connected proxy client.
type session struct {
	id          string
	conn        frameConn
	transport   string
	connectedAt time.Time
	lastSendAt  atomic.Int64 // unix nanos of the client's last inbound frame

	// out is the session's bounded fan-out buffer, drained by the
	// session's writer goroutine. A full buffer disconnects the session
	// instead of backpressuring the fan-out loop.
	out chan []byte

	// replay requests a config cache replay terminated with the given
	// nonce. Capacity one; duplicate requests coalesce.
	replay chan uint32

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, conn frameConn, transport string, buffer int) *session {
	s := &session{
		id:          id,
		conn:        conn,
		transport:   transport,
		connectedAt: time.Now(),
		out:         make(chan []byte, buffer),
		replay:      make(chan uint32, 1),
		done:        make(chan struct{}),
	}
	s.lastSendAt.Store(s.connectedAt.UnixNano())
	return s
}

func (s *session) requestReplay(nonce uint32) {
	select {
	case s.replay <- nonce:
	default:
	}
}

// tcpFrameConn adapts a net.Conn carrying the device wire framing.
type tcpFrameConn struct {
	conn net.Conn
	dec  frame.Decoder
	buf  []byte
}

func newTCPFrameConn(conn net.Conn) *tcpFrameConn {
	return &tcpFrameConn{conn: conn, buf: make([]byte, 4096)}
}

func (t *tcpFrameConn) ReadFrame() ([]byte, error) {
	for {
		payload, err := t.dec.Next()
		if err == nil {
			return payload, nil
		}
		n, rerr := t.conn.Read(t.buf)
		if n > 0 {
			t.dec.Push(t.buf[:n])
			continue
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) {
				return nil, mherrors.ErrConnectionClosed
			}
			return nil, rerr
		}
	}
}

func (t *tcpFrameConn) WriteFrame(payload []byte) error {
	buf, err := frame.Encode(payload)
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = t.conn.Write(buf)
	return err
}

func (t *tcpFrameConn) Close() error {
	return t.conn.Close()
}

func (t *tcpFrameConn) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
