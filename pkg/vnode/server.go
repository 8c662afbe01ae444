// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package vnode implements the virtual node server: a TCP (and optional
// WebSocket) listener that lets many clients share the single upstream
// device connection. Each client gets a full replay of the frozen config
// cache on connect, its outgoing frames are filtered and serialized
// through the shared outbound queue, and live device traffic is fanned
// out to every session in arrival order.
package vnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	mherrors "github.com/Yeraze/meshmonitor-sub001/pkg/errors"
	"github.com/Yeraze/meshmonitor-sub001/pkg/filter"
	"github.com/Yeraze/meshmonitor-sub001/pkg/metrics"
	"github.com/Yeraze/meshmonitor-sub001/pkg/queue"
	"github.com/Yeraze/meshmonitor-sub001/pkg/radio"
	"github.com/Yeraze/meshmonitor-sub001/pkg/ratelimit"
)

// Upstream is the view of the device connection the server needs.
// Implemented by *radio.Conn.
type Upstream interface {
	// ConfigSnapshot returns the frozen config cache and its completing
	// nonce, empty before the first sync.
	ConfigSnapshot() ([][]byte, uint32)
	// Subscribe registers a named frame sink for live device traffic.
	Subscribe(name string, buffer int) <-chan []byte
}

// Enqueuer accepts client frames for upstream transmission. Implemented
// by *queue.Queue.
type Enqueuer interface {
	Enqueue(payload []byte, source string, class queue.Class)
}

// Config holds the virtual node server configuration.
type Config struct {
	// Address is the TCP listen address (host:port).
	Address string

	// WSAddress is the optional WebSocket listen address. Empty disables
	// the WebSocket listener.
	WSAddress string

	// ShutdownTimeout is the maximum time to wait for sessions to drain
	// during graceful shutdown.
	ShutdownTimeout time.Duration

	// SessionBuffer is the per-session outbound buffer in frames. A
	// session whose buffer overflows is disconnected.
	SessionBuffer int

	// FanoutBuffer is the upstream subscription buffer in frames.
	FanoutBuffer int

	// RateCapacity and RateRefill configure the per-session inbound
	// token bucket (burst size and frames per second).
	RateCapacity int64
	RateRefill   int64

	// Logger for server events.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Server is the virtual node proxy server.
type Server struct {
	config   Config
	upstream Upstream
	queue    Enqueuer
	limiter  *ratelimit.Limiter

	mu       sync.RWMutex
	sessions map[string]*session

	addrMu sync.Mutex
	addr   string

	wg sync.WaitGroup
}

// New creates a virtual node server.
func New(config Config, upstream Upstream, enq Enqueuer) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.SessionBuffer <= 0 {
		config.SessionBuffer = 256
	}
	if config.FanoutBuffer <= 0 {
		config.FanoutBuffer = 1024
	}
	if config.RateCapacity <= 0 {
		config.RateCapacity = 20
	}
	if config.RateRefill <= 0 {
		config.RateRefill = 2
	}

	return &Server{
		config:   config,
		upstream: upstream,
		queue:    enq,
		limiter:  ratelimit.NewLimiter(config.RateCapacity, config.RateRefill),
		sessions: make(map[string]*session),
	}
}

// Addr returns the bound TCP listen address, empty before Listen.
func (s *Server) Addr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Listen starts the listeners and the fan-out loop and blocks until the
// context is cancelled, then drains sessions gracefully.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.addrMu.Lock()
	s.addr = listener.Addr().String()
	s.addrMu.Unlock()
	s.config.Logger.Info("virtual node server started", slog.String("address", s.addr))

	var wsServer *wsListener
	if s.config.WSAddress != "" {
		wsServer = s.newWSListener()
		go func() {
			if err := wsServer.run(); err != nil {
				s.config.Logger.Error("websocket listener error", slog.String("error", err.Error()))
			}
		}()
		s.config.Logger.Info("websocket listener started", slog.String("address", s.config.WSAddress))
	}

	// Fan-out loop: live device frames to every session, in order. A
	// session that cannot keep up is disconnected, never waited on.
	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		s.fanout(ctx)
	}()

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleSession(newTCPFrameConn(conn), "tcp")
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing virtual node server")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	if wsServer != nil {
		wsServer.shutdown()
	}
	<-acceptDone
	<-fanoutDone

	// Close all sessions and wait for handlers to drain.
	s.mu.RLock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.RUnlock()
	for _, sess := range open {
		s.closeSession(sess, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded")
		return nil
	}
}

func (s *Server) fanout(ctx context.Context) {
	frames := s.upstream.Subscribe("vnode", s.config.FanoutBuffer)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-frames:
			if !ok {
				return
			}
			s.broadcast(payload)
		}
	}
}

func (s *Server) broadcast(payload []byte) {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		select {
		case sess.out <- payload:
			if s.config.Metrics != nil {
				s.config.Metrics.FramesFannedOut.Inc()
			}
		default:
			// Buffer full: this client alone is terminated.
			if s.config.Metrics != nil {
				s.config.Metrics.SessionOverloads.Inc()
			}
			s.config.Logger.Warn("session buffer overflow, disconnecting client",
				slog.String("session", sess.id),
				slog.String("remote", sess.conn.RemoteAddr()),
				slog.String("error", mherrors.ErrClientOverloaded.Error()))
			s.closeSession(sess, "overloaded")
		}
	}
}

// handleSession runs one client connection: registers the session,
// starts its writer (which begins with a config replay), then reads
// client frames until the connection closes.
func (s *Server) handleSession(conn frameConn, transport string) {
	sess := newSession(uuid.New().String(), conn, transport, s.config.SessionBuffer)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	active := len(s.sessions)
	s.mu.Unlock()

	if s.config.Metrics != nil {
		s.config.Metrics.SessionsActive.Set(float64(active))
		s.config.Metrics.SessionsTotal.WithLabelValues(transport).Inc()
	}
	s.config.Logger.Info("client connected",
		slog.String("session", sess.id),
		slog.String("transport", transport),
		slog.String("remote", conn.RemoteAddr()))

	go s.writeLoop(sess)

	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, mherrors.ErrConnectionClosed) {
				rerr := mherrors.New("read", "vnode", sess.id, conn.RemoteAddr(), err)
				s.config.Logger.Debug("client read error",
					slog.String("error", rerr.Error()))
			}
			break
		}
		if stop := s.handleClientFrame(sess, payload); stop {
			break
		}
	}

	s.closeSession(sess, "disconnected")
}

// writeLoop is the session's single writer. The initial config replay
// runs first, so a client sees the frozen cache in original order before
// any live frame that arrived after it connected.
func (s *Server) writeLoop(sess *session) {
	if frames, completeID := s.upstream.ConfigSnapshot(); completeID != 0 {
		if !s.replayConfig(sess, frames, completeID) {
			return
		}
	}

	for {
		select {
		case <-sess.done:
			return
		case nonce := <-sess.replay:
			frames, completeID := s.upstream.ConfigSnapshot()
			if completeID == 0 {
				// Nothing cached yet; the client will retry after the
				// upstream syncs.
				continue
			}
			if !s.replayConfig(sess, frames, nonce) {
				return
			}
		case payload := <-sess.out:
			if err := sess.conn.WriteFrame(payload); err != nil {
				s.closeSession(sess, "write error")
				return
			}
		}
	}
}

// replayConfig writes the cached handshake burst followed by a synthetic
// config_complete terminator. Returns false if the session died.
func (s *Server) replayConfig(sess *session, frames [][]byte, completeID uint32) bool {
	for _, payload := range frames {
		if err := sess.conn.WriteFrame(payload); err != nil {
			s.closeSession(sess, "replay write error")
			return false
		}
		if s.config.Metrics != nil {
			s.config.Metrics.FramesReplayed.Inc()
		}
	}
	if err := sess.conn.WriteFrame(radio.ConfigCompleteFrame(completeID)); err != nil {
		s.closeSession(sess, "replay write error")
		return false
	}
	s.config.Logger.Debug("config replayed",
		slog.String("session", sess.id),
		slog.Int("frames", len(frames)))
	return true
}

// handleClientFrame routes one inbound client frame. Control variants
// are answered locally; mesh packets pass the filter and the per-session
// rate limit before entering the shared outbound queue. Blocked frames
// are dropped silently — no error reaches the client, so capability
// probing learns nothing.
func (s *Server) handleClientFrame(sess *session, payload []byte) (stop bool) {
	sess.lastSendAt.Store(time.Now().UnixNano())
	if s.config.Metrics != nil {
		s.config.Metrics.ClientFramesIn.Inc()
	}

	info, err := filter.InspectToRadio(payload)
	if err != nil {
		s.dropClientFrame(sess, "malformed")
		return false
	}

	switch {
	case info.WantConfig:
		sess.requestReplay(info.WantConfigID)
	case info.Disconnect:
		return true
	case info.Heartbeat:
		// The proxy keeps its own keepalive toward the device; client
		// heartbeats only refresh the session.
	case info.MQTTProxy:
		s.dropClientFrame(sess, "mqtt_proxy")
	case info.HasPacket:
		if !s.limiter.Allow(sess.id) {
			s.dropClientFrame(sess, "ratelimit")
			return false
		}
		if filter.ClassifyInfo(info) != filter.Allow {
			s.config.Logger.Debug("client frame blocked",
				slog.String("session", sess.id),
				slog.String("port", fmt.Sprintf("%d", info.Port)))
			s.dropClientFrame(sess, "filter")
			return false
		}
		s.queue.Enqueue(payload, sess.id, queue.ClassPaced)
	default:
		s.dropClientFrame(sess, "empty")
	}
	return false
}

func (s *Server) dropClientFrame(sess *session, reason string) {
	if s.config.Metrics != nil {
		s.config.Metrics.ClientFramesDrop.WithLabelValues(reason).Inc()
	}
}

func (s *Server) closeSession(sess *session, reason string) {
	sess.closeOnce.Do(func() {
		close(sess.done)
		sess.conn.Close()

		s.mu.Lock()
		delete(s.sessions, sess.id)
		active := len(s.sessions)
		s.mu.Unlock()

		s.limiter.Remove(sess.id)
		if s.config.Metrics != nil {
			s.config.Metrics.SessionsActive.Set(float64(active))
		}
		s.config.Logger.Info("client disconnected",
			slog.String("session", sess.id),
			slog.String("reason", reason),
			slog.Duration("duration", time.Since(sess.connectedAt)))
	})
}
