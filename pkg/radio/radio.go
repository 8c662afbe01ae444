// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package radio owns the single TCP session to the physical mesh device.
//
// It runs the want_config handshake, captures the configuration burst
// into a ConfigCache, fans received frames out to registered sinks,
// sends keepalive probes, and reconnects with exponential backoff when
// the socket fails or the device goes quiet. Exactly one Conn exists per
// device; it is constructed explicitly and injected into its dependents
// so tests can run it against a fake device listener.
package radio

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Yeraze/meshmonitor-sub001/pkg/backoff"
	"github.com/Yeraze/meshmonitor-sub001/pkg/cache"
	mherrors "github.com/Yeraze/meshmonitor-sub001/pkg/errors"
	"github.com/Yeraze/meshmonitor-sub001/pkg/filter"
	"github.com/Yeraze/meshmonitor-sub001/pkg/frame"
	"github.com/Yeraze/meshmonitor-sub001/pkg/metrics"
)

// State is the upstream connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingConfig
	StateSynced
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateSynced:
		return "synced"
	default:
		return "disconnected"
	}
}

// ReadyEvent is emitted every time a handshake completes and the
// connection becomes usable.
type ReadyEvent struct {
	// FirstSync is true only for the first successful handshake of the
	// process. Reconnect handshakes report false, letting callers run
	// expensive one-time requests exactly once.
	FirstSync bool
	// At is the sync time.
	At time.Time
	// ConfigFrames is the size of the frozen config cache.
	ConfigFrames int
}

// Dialer opens the device socket. Injectable for tests.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Config holds the upstream connection configuration.
type Config struct {
	// Address is the device address (host:port).
	Address string

	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the want_config burst; expiry is treated
	// as a failed connection attempt.
	HandshakeTimeout time.Duration

	// KeepaliveInterval is the heartbeat probe period while synced.
	KeepaliveInterval time.Duration

	// IdleTimeout forces a reconnect when no frames arrive for this
	// long.
	IdleTimeout time.Duration

	// Backoff configures the reconnect delay policy.
	Backoff backoff.Config

	// Dialer overrides the TCP dialer. Defaults to net.Dialer.
	Dialer Dialer

	// Logger for connection events.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

type sink struct {
	name string
	ch   chan []byte
}

// Conn is the upstream device connection.
type Conn struct {
	config Config

	state atomic.Int32

	mu   sync.Mutex // guards conn
	conn net.Conn

	writeMu sync.Mutex // serializes socket writes

	cacheMu sync.RWMutex
	current *cache.ConfigCache

	sinkMu sync.RWMutex
	sinks  []*sink

	readyMu   sync.Mutex
	readyChs  []chan ReadyEvent
	everSynced bool

	lastRx atomic.Int64 // unix nanos of the last received frame
}

// New creates a Conn. Run must be called to start it.
func New(config Config) *Conn {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 60 * time.Second
	}
	if config.KeepaliveInterval == 0 {
		config.KeepaliveInterval = time.Minute
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.Dialer == nil {
		config.Dialer = func(ctx context.Context, address string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", address)
		}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Conn{config: config}
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Run drives the connect/handshake/reconnect loop until ctx is
// cancelled. Session failures are recovered locally and never returned;
// callers observe them only through ready events and State.
func (c *Conn) Run(ctx context.Context) error {
	bo := backoff.New(c.config.Backoff)

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.session(ctx, bo)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		delay := bo.Next()
		c.config.Logger.Warn("upstream connection lost, reconnecting",
			slog.String("address", c.config.Address),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
			slog.Int("attempt", bo.Attempts()))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection lifetime: dial, handshake, steady state.
// It always returns a non-nil error unless ctx was cancelled.
func (c *Conn) session(ctx context.Context, bo *backoff.Backoff) error {
	c.setState(StateConnecting)
	if c.config.Metrics != nil {
		c.config.Metrics.UpstreamReconnects.Inc()
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	conn, err := c.config.Dialer(dialCtx, c.config.Address)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	pending := cache.New()
	nonce := randomNonce()
	started := time.Now()
	c.lastRx.Store(started.UnixNano())
	c.setState(StateAwaitingConfig)

	if err := c.writeFrame(WantConfigFrame(nonce)); err != nil {
		return fmt.Errorf("want_config: %w", err)
	}
	c.config.Logger.Info("config handshake started",
		slog.String("address", c.config.Address),
		slog.Uint64("nonce", uint64(nonce)))

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	stop := make(chan struct{})
	defer func() {
		close(stop)
		conn.Close()
		<-readDone
	}()
	go c.readLoop(conn, frames, readErr, readDone, stop)

	handshake := time.NewTimer(c.config.HandshakeTimeout)
	defer handshake.Stop()
	keepalive := time.NewTicker(c.config.KeepaliveInterval)
	defer keepalive.Stop()

	synced := false
	for {
		select {
		case <-ctx.Done():
			// Orderly shutdown: tell the device we are leaving.
			if synced {
				_ = c.writeFrame(DisconnectFrame())
			}
			return mherrors.ErrShutdown

		case payload := <-frames:
			c.lastRx.Store(time.Now().UnixNano())
			if !synced {
				if c.captureHandshake(pending, payload, nonce) {
					synced = true
					handshake.Stop()
					bo.Reset()
					if c.config.Metrics != nil {
						c.config.Metrics.HandshakeDuration.Observe(time.Since(started).Seconds())
						c.config.Metrics.ConfigFramesCached.Set(float64(pending.Len()))
					}
					c.setState(StateSynced)
					c.emitReady(pending.Len())
					c.config.Logger.Info("config handshake complete",
						slog.Int("config_frames", pending.Len()),
						slog.Duration("took", time.Since(started)))
				}
				continue
			}
			c.deliver(payload)

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case <-handshake.C:
			if !synced {
				return mherrors.ErrHandshakeTimeout
			}

		case <-keepalive.C:
			if !synced {
				continue
			}
			idle := time.Since(time.Unix(0, c.lastRx.Load()))
			if idle > c.config.IdleTimeout {
				return fmt.Errorf("%w: no frames for %s", mherrors.ErrDeviceUnresponsive, idle.Round(time.Second))
			}
			if err := c.writeFrame(HeartbeatFrame()); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
		}
	}
}

// captureHandshake appends one handshake frame to the pending cache and
// reports whether it was the terminator for our nonce. On completion the
// pending cache replaces the previous one wholesale.
func (c *Conn) captureHandshake(pending *cache.ConfigCache, payload []byte, nonce uint32) bool {
	info, err := filter.InspectFromRadio(payload)
	if err == nil && info.ConfigComplete {
		if info.ConfigCompleteID != nonce {
			// Stale terminator from a previous handshake on the device
			// side; keep waiting for ours.
			c.config.Logger.Debug("ignoring stale config_complete",
				slog.Uint64("got", uint64(info.ConfigCompleteID)),
				slog.Uint64("want", uint64(nonce)))
			return false
		}
		pending.Freeze(nonce)
		c.cacheMu.Lock()
		c.current = pending
		c.cacheMu.Unlock()
		return true
	}
	_ = pending.Append(payload)
	return false
}

// readLoop decodes frames off the socket and hands them to the session
// loop. It owns the socket's read side exclusively.
func (c *Conn) readLoop(conn net.Conn, frames chan<- []byte, readErr chan<- error, done chan<- struct{}, stop <-chan struct{}) {
	defer close(done)

	var dec frame.Decoder
	var skipped uint64
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if c.config.Metrics != nil {
				c.config.Metrics.BytesReceived.Add(float64(n))
			}
			dec.Push(buf[:n])
			for {
				payload, derr := dec.Next()
				if derr != nil {
					break
				}
				if c.config.Metrics != nil {
					c.config.Metrics.FramesReceived.Inc()
				}
				select {
				case frames <- payload:
				case <-stop:
					return
				}
			}
			if s := dec.Skipped(); s != skipped {
				c.config.Logger.Warn("frame stream resynchronized",
					slog.Uint64("skipped_bytes", s-skipped))
				if c.config.Metrics != nil {
					c.config.Metrics.ResyncBytesSkipped.Add(float64(s - skipped))
				}
				skipped = s
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

// Send frames a payload and writes it to the device socket. Valid only
// while synced or awaiting config; otherwise ErrNotConnected. Only the
// outbound queue's drain worker and this package's own control frames
// call it, keeping the socket single-writer.
func (c *Conn) Send(payload []byte) error {
	switch c.State() {
	case StateAwaitingConfig, StateSynced:
	default:
		return mherrors.ErrNotConnected
	}
	return c.writeFrame(payload)
}

func (c *Conn) writeFrame(payload []byte) error {
	buf, err := frame.Encode(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return mherrors.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(buf); err != nil {
		// Wake the read loop so the session tears down promptly.
		conn.Close()
		return fmt.Errorf("write: %w", err)
	}
	if c.config.Metrics != nil {
		c.config.Metrics.FramesSent.Inc()
		c.config.Metrics.BytesSent.Add(float64(len(buf)))
	}
	return nil
}

// Subscribe registers a named frame sink. Every frame received after the
// handshake is delivered to all sinks in arrival order. A sink whose
// buffer is full has that frame dropped (and counted) rather than being
// allowed to stall the read loop or other sinks.
func (c *Conn) Subscribe(name string, buffer int) <-chan []byte {
	if buffer <= 0 {
		buffer = 64
	}
	s := &sink{name: name, ch: make(chan []byte, buffer)}
	c.sinkMu.Lock()
	c.sinks = append(c.sinks, s)
	c.sinkMu.Unlock()
	return s.ch
}

// Unsubscribe removes and closes a sink channel returned by Subscribe.
func (c *Conn) Unsubscribe(ch <-chan []byte) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	for i, s := range c.sinks {
		if s.ch == ch {
			c.sinks = append(c.sinks[:i], c.sinks[i+1:]...)
			close(s.ch)
			return
		}
	}
}

func (c *Conn) deliver(payload []byte) {
	c.sinkMu.RLock()
	defer c.sinkMu.RUnlock()
	for _, s := range c.sinks {
		select {
		case s.ch <- payload:
		default:
			c.config.Logger.Warn("frame sink full, dropping frame",
				slog.String("sink", s.name))
			if c.config.Metrics != nil {
				c.config.Metrics.SinkFramesDropped.WithLabelValues(s.name).Inc()
			}
		}
	}
}

// ReadyEvents returns a channel receiving one event per completed
// handshake. The channel has capacity one and coalesces: a consumer that
// misses events sees only the latest.
func (c *Conn) ReadyEvents() <-chan ReadyEvent {
	ch := make(chan ReadyEvent, 1)
	c.readyMu.Lock()
	c.readyChs = append(c.readyChs, ch)
	c.readyMu.Unlock()
	return ch
}

func (c *Conn) emitReady(configFrames int) {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	ev := ReadyEvent{
		FirstSync:    !c.everSynced,
		At:           time.Now(),
		ConfigFrames: configFrames,
	}
	c.everSynced = true
	for _, ch := range c.readyChs {
		select {
		case ch <- ev:
		default:
			// Replace the stale event.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// ConfigSnapshot returns the frozen config cache contents and the
// handshake nonce that completed it. Empty until the first sync.
func (c *Conn) ConfigSnapshot() ([][]byte, uint32) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if c.current == nil {
		return nil, 0
	}
	return c.current.Frames(), c.current.CompleteID()
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	if c.config.Metrics != nil {
		c.config.Metrics.UpstreamState.Set(float64(s))
	}
}

func randomNonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	n := binary.LittleEndian.Uint32(b[:])
	if n == 0 {
		n = 1
	}
	return n
}
