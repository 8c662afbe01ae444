// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package vnode

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	mherrors "github.com/Yeraze/meshmonitor-sub001/pkg/errors"
	"github.com/Yeraze/meshmonitor-sub001/pkg/frame"
)

// The WebSocket listener exposes the same virtual node protocol to
// browser clients: each binary message carries exactly one unframed
// payload, so the stream framing is unnecessary over the message-
// oriented transport.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The proxy is an on-LAN service fronting a radio, not a browser
	// origin boundary; origin checks are left to a reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsListener struct {
	server *Server
	http   *http.Server
}

func (s *Server) newWSListener() *wsListener {
	l := &wsListener{server: s}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/stream", l.handleUpgrade)
	l.http = &http.Server{
		Addr:    s.config.WSAddress,
		Handler: mux,
	}
	return l
}

func (l *wsListener) run() error {
	err := l.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *wsListener) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.http.Shutdown(ctx); err != nil {
		l.server.config.Logger.Error("websocket shutdown error", slog.String("error", err.Error()))
	}
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.server.config.Logger.Error("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	l.server.wg.Add(1)
	go func() {
		defer l.server.wg.Done()
		l.server.handleSession(&wsFrameConn{conn: conn}, "ws")
	}()
}

// wsFrameConn adapts a WebSocket connection to the frameConn interface.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil, mherrors.ErrConnectionClosed
			}
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) > frame.MaxPayloadSize {
			return nil, frame.ErrFrameTooLarge
		}
		return data, nil
	}
}

func (c *wsFrameConn) WriteFrame(payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close()
}

func (c *wsFrameConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
