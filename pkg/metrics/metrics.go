// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the mesh proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy. Each instance owns
// its registry so tests can construct isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	// Upstream connection metrics
	UpstreamState      prometheus.Gauge
	UpstreamReconnects prometheus.Counter
	FramesReceived     prometheus.Counter
	FramesSent         prometheus.Counter
	BytesReceived      prometheus.Counter
	BytesSent          prometheus.Counter
	ResyncBytesSkipped prometheus.Counter
	HandshakeDuration  prometheus.Histogram
	ConfigFramesCached prometheus.Gauge
	SinkFramesDropped  *prometheus.CounterVec

	// Outbound queue metrics
	QueueDepth    prometheus.Gauge
	QueueSent     *prometheus.CounterVec
	QueueWait     prometheus.Histogram
	QueueRequeues prometheus.Counter
	QueueDropped  prometheus.Counter

	// Virtual node metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	SessionOverloads  prometheus.Counter
	FramesFannedOut   prometheus.Counter
	FramesReplayed    prometheus.Counter
	ClientFramesIn    prometheus.Counter
	ClientFramesDrop  *prometheus.CounterVec

	// MQTT bridge metrics
	MQTTPublished prometheus.Counter
	MQTTDownlink  prometheus.Counter
}

// New creates a new Metrics instance registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "meshmonitor"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,

		UpstreamState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_state",
			Help:      "Upstream connection state (0=disconnected, 1=connecting, 2=awaiting_config, 3=synced)",
		}),
		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Total number of upstream reconnect attempts",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_frames_received_total",
			Help:      "Total frames received from the device",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_frames_sent_total",
			Help:      "Total frames written to the device",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_received_total",
			Help:      "Total bytes read from the device socket",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_sent_total",
			Help:      "Total bytes written to the device socket",
		}),
		ResyncBytesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_resync_bytes_skipped_total",
			Help:      "Junk bytes discarded while resynchronizing the frame stream",
		}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_handshake_duration_seconds",
			Help:      "Duration of the want_config handshake",
			Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		}),
		ConfigFramesCached: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_frames_cached",
			Help:      "Number of frames in the frozen config cache",
		}),
		SinkFramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_frames_dropped_total",
			Help:      "Frames dropped because a fan-out sink buffer was full",
		}, []string{"sink"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Number of frames waiting in the outbound queue",
		}),
		QueueSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_queue_sent_total",
			Help:      "Frames transmitted by the drain worker",
		}, []string{"class"}),
		QueueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_queue_wait_seconds",
			Help:      "Time frames spend queued before transmission",
			Buckets:   []float64{.01, .1, 1, 5, 15, 30, 60, 300, 900},
		}),
		QueueRequeues: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_queue_requeues_total",
			Help:      "Frames requeued at the head after a send failure",
		}),
		QueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_queue_dropped_total",
			Help:      "Frames dropped because they can never be transmitted",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vnode_sessions_active",
			Help:      "Currently connected virtual node sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vnode_sessions_total",
			Help:      "Total accepted virtual node sessions",
		}, []string{"transport"}),
		SessionOverloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vnode_session_overloads_total",
			Help:      "Sessions disconnected because their outbound buffer overflowed",
		}),
		FramesFannedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vnode_frames_fanned_out_total",
			Help:      "Device frames delivered to client sessions",
		}),
		FramesReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vnode_frames_replayed_total",
			Help:      "Config cache frames replayed to connecting clients",
		}),
		ClientFramesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vnode_client_frames_total",
			Help:      "Frames received from client sessions",
		}),
		ClientFramesDrop: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vnode_client_frames_dropped_total",
			Help:      "Client frames dropped before reaching the device",
		}, []string{"reason"}),

		MQTTPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_bridge_published_total",
			Help:      "Device MQTT proxy messages published to the broker",
		}),
		MQTTDownlink: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_bridge_downlink_total",
			Help:      "Broker messages forwarded to the device",
		}),
	}

	return m
}
