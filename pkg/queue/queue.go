// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the shared, rate-limited outbound send queue.
//
// Every producer that transmits to the device — proxy clients, the MQTT
// bridge, background jobs — goes through one Queue drained by a single
// worker, which enforces strict FIFO order and a minimum inter-send
// spacing. That single choke point is what keeps the resource-
// constrained device from being overwhelmed, at the cost of latency.
package queue

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	mherrors "github.com/Yeraze/meshmonitor-sub001/pkg/errors"
	"github.com/Yeraze/meshmonitor-sub001/pkg/frame"
	"github.com/Yeraze/meshmonitor-sub001/pkg/metrics"
	"github.com/Yeraze/meshmonitor-sub001/pkg/radio"
)

// Class selects the minimum spacing applied after a frame is sent.
type Class int

const (
	// ClassPaced covers client-originated and automated traffic; it gets
	// the long spacing that protects the device's airtime budget.
	ClassPaced Class = iota
	// ClassPassthrough covers protocol plumbing (MQTT bridge downlink
	// and similar) that tolerates only short gaps.
	ClassPassthrough
)

// String returns a string representation of the class.
func (c Class) String() string {
	if c == ClassPassthrough {
		return "passthrough"
	}
	return "paced"
}

// Item is one queued frame.
type Item struct {
	Payload    []byte
	Source     string // originating session id, empty for internal producers
	Class      Class
	EnqueuedAt time.Time
}

// Sender transmits one framed payload upstream. Implemented by
// *radio.Conn.
type Sender interface {
	Send(payload []byte) error
}

// Config holds queue configuration.
type Config struct {
	// PacedSpacing is the minimum gap after a ClassPaced send.
	PacedSpacing time.Duration
	// PassthroughSpacing is the minimum gap after a ClassPassthrough send.
	PassthroughSpacing time.Duration
	// Logger for queue events.
	Logger *slog.Logger
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Queue is an unbounded FIFO with a single paced drain worker. Enqueue
// never blocks; overload shows up as queue depth, not backpressure.
type Queue struct {
	config Config
	sender Sender

	mu    sync.Mutex
	items *list.List

	wake chan struct{}
}

// New creates a queue draining into sender. Run must be called to start
// the worker.
func New(config Config, sender Sender) *Queue {
	if config.PacedSpacing == 0 {
		config.PacedSpacing = 30 * time.Second
	}
	if config.PassthroughSpacing == 0 {
		config.PassthroughSpacing = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Queue{
		config: config,
		sender: sender,
		items:  list.New(),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends a frame to the tail. It never blocks.
func (q *Queue) Enqueue(payload []byte, source string, class Class) {
	q.mu.Lock()
	q.items.PushBack(&Item{
		Payload:    payload,
		Source:     source,
		Class:      class,
		EnqueuedAt: time.Now(),
	})
	depth := q.items.Len()
	q.mu.Unlock()

	if q.config.Metrics != nil {
		q.config.Metrics.QueueDepth.Set(float64(depth))
	}
	q.signal()
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Run drains the queue until ctx is cancelled. It transmits items in
// strict FIFO order regardless of source, sleeping the class-specific
// spacing after each send. When the upstream connection is down the head
// item is put back and the worker parks until the next ready event, so
// nothing enqueued across a reconnect is ever dropped.
func (q *Queue) Run(ctx context.Context, ready <-chan radio.ReadyEvent) error {
	for {
		item := q.pop()
		if item == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			}
			continue
		}

		err := q.sender.Send(item.Payload)
		if err != nil {
			if errors.Is(err, mherrors.ErrNotConnected) {
				q.requeueFront(item)
				q.config.Logger.Info("upstream not ready, parking drain worker",
					slog.Int("depth", q.Len()))
				select {
				case <-ctx.Done():
					return nil
				case <-ready:
				}
				continue
			}
			if errors.Is(err, frame.ErrFrameTooLarge) {
				// No reconnect will ever make this payload sendable;
				// requeueing it would wedge every frame behind it.
				q.config.Logger.Warn("dropping untransmittable frame",
					slog.String("error", err.Error()),
					slog.String("source", item.Source),
					slog.Int("size", len(item.Payload)))
				if q.config.Metrics != nil {
					q.config.Metrics.QueueDropped.Inc()
				}
				continue
			}
			// Transient socket failure: the reconnect loop will restore
			// the link. Requeue and park like the not-connected case.
			q.requeueFront(item)
			q.config.Logger.Warn("send failed, frame requeued",
				slog.String("error", err.Error()),
				slog.String("source", item.Source))
			select {
			case <-ctx.Done():
				return nil
			case <-ready:
			}
			continue
		}

		if q.config.Metrics != nil {
			q.config.Metrics.QueueSent.WithLabelValues(item.Class.String()).Inc()
			q.config.Metrics.QueueWait.Observe(time.Since(item.EnqueuedAt).Seconds())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(q.spacing(item.Class)):
		}
	}
}

func (q *Queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil
	}
	q.items.Remove(front)
	if q.config.Metrics != nil {
		q.config.Metrics.QueueDepth.Set(float64(q.items.Len()))
	}
	return front.Value.(*Item)
}

func (q *Queue) requeueFront(item *Item) {
	q.mu.Lock()
	q.items.PushFront(item)
	depth := q.items.Len()
	q.mu.Unlock()

	if q.config.Metrics != nil {
		q.config.Metrics.QueueRequeues.Inc()
		q.config.Metrics.QueueDepth.Set(float64(depth))
	}
	q.signal()
}

func (q *Queue) spacing(class Class) time.Duration {
	if class == ClassPassthrough {
		return q.config.PassthroughSpacing
	}
	return q.config.PacedSpacing
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
