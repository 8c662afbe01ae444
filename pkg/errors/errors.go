// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the mesh proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrNotConnected indicates the upstream connection is not in a state
	// that accepts writes. Queued sends are retried after the next sync.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrHandshakeTimeout indicates the device did not complete the
	// configuration handshake within the configured window.
	ErrHandshakeTimeout = errors.New("config handshake timeout")

	// ErrDeviceUnresponsive indicates no traffic was observed within the
	// keepalive idle window. Treated like a socket error.
	ErrDeviceUnresponsive = errors.New("device unresponsive")

	// ErrClientOverloaded indicates a proxy client's outbound buffer
	// exceeded its bound and the session was terminated.
	ErrClientOverloaded = errors.New("client buffer overflow")

	// ErrShutdown indicates an explicit shutdown request.
	ErrShutdown = errors.New("shutdown requested")
)

// ProxyError wraps an error with connection context.
type ProxyError struct {
	Op         string // Operation that failed
	Component  string // Component (radio, vnode, queue, mqttbridge)
	SessionID  string // Session identifier, if any
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Component, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Component, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, component, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Component:  component,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
