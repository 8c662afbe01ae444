// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package mqttbridge relays the device's MQTT client proxy traffic.
//
// Devices configured with mqtt.proxy_to_client_enabled cannot reach a
// broker themselves; they emit MqttClientProxyMessage frames and expect
// the connected client to publish them. The bridge does that publishing
// and feeds broker downlink back to the device through the shared
// outbound queue, so it obeys the same pacing as every other producer.
package mqttbridge

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"google.golang.org/protobuf/encoding/protowire"

	mherrors "github.com/Yeraze/meshmonitor-sub001/pkg/errors"
	"github.com/Yeraze/meshmonitor-sub001/pkg/filter"
	"github.com/Yeraze/meshmonitor-sub001/pkg/frame"
	"github.com/Yeraze/meshmonitor-sub001/pkg/metrics"
	"github.com/Yeraze/meshmonitor-sub001/pkg/queue"
	"github.com/Yeraze/meshmonitor-sub001/pkg/radio"
)

// MqttClientProxyMessage field numbers.
const (
	proxyTopic    = 1
	proxyData     = 2
	proxyText     = 3
	proxyRetained = 4
)

// Config holds MQTT bridge configuration.
type Config struct {
	// BrokerURL is the broker address, e.g. tcp://mqtt.example.net:1883.
	BrokerURL string
	// ClientID is the MQTT client identifier.
	ClientID string
	// Username and Password are optional broker credentials.
	Username string
	Password string
	// DownlinkTopic is the subscription filter for broker→device
	// traffic, e.g. "msh/+/2/e/+/+".
	DownlinkTopic string
	// Logger for bridge events.
	Logger *slog.Logger
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Enqueuer accepts downlink frames for upstream transmission.
type Enqueuer interface {
	Enqueue(payload []byte, source string, class queue.Class)
}

// Bridge relays MQTT proxy messages between the device and a broker.
type Bridge struct {
	config Config
	queue  Enqueuer
	client mqtt.Client
}

// New creates a bridge. Run must be called to start it.
func New(config Config, enq Enqueuer) *Bridge {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ClientID == "" {
		config.ClientID = "meshmonitor-bridge"
	}
	return &Bridge{config: config, queue: enq}
}

// Run connects to the broker and relays frames until ctx is cancelled.
// frames is a device frame sink from radio.Conn.Subscribe.
func (b *Bridge) Run(ctx context.Context, frames <-chan []byte) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.config.BrokerURL).
		SetClientID(b.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true)
	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.config.Logger.Info("mqtt bridge connected", slog.String("broker", b.config.BrokerURL))
		if b.config.DownlinkTopic == "" {
			return
		}
		token := c.Subscribe(b.config.DownlinkTopic, 0, b.onDownlink)
		go func() {
			if token.Wait() && token.Error() != nil {
				b.config.Logger.Error("mqtt subscribe failed",
					slog.String("topic", b.config.DownlinkTopic),
					slog.String("error", token.Error().Error()))
			}
		}()
	})

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return mherrors.Wrap(token.Error(), "mqtt connect")
	}
	defer b.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-frames:
			if !ok {
				return nil
			}
			b.handleDeviceFrame(payload)
		}
	}
}

// handleDeviceFrame publishes a device MQTT proxy message, ignoring all
// other frame variants.
func (b *Bridge) handleDeviceFrame(payload []byte) {
	info, err := filter.InspectFromRadio(payload)
	if err != nil || !info.HasMQTTProxy {
		return
	}

	topic, data, retained, err := decodeProxyMessage(info.MQTTProxy)
	if err != nil || topic == "" {
		b.config.Logger.Warn("unparseable mqtt proxy message")
		return
	}

	token := b.client.Publish(topic, 0, retained, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			b.config.Logger.Warn("mqtt publish failed",
				slog.String("topic", topic),
				slog.String("error", token.Error().Error()))
			return
		}
		if b.config.Metrics != nil {
			b.config.Metrics.MQTTPublished.Inc()
		}
	}()
}

// onDownlink wraps a broker message for the device and enqueues it as
// passthrough traffic. Messages that do not fit in a wire frame are
// dropped here; the device could never receive them.
func (b *Bridge) onDownlink(_ mqtt.Client, msg mqtt.Message) {
	proxy := encodeProxyMessage(msg.Topic(), msg.Payload(), msg.Retained())
	payload := radio.MQTTProxyFrame(proxy)
	if len(payload) > frame.MaxPayloadSize {
		b.config.Logger.Warn("broker message too large for the device, dropping",
			slog.String("topic", msg.Topic()),
			slog.Int("size", len(payload)))
		return
	}
	b.queue.Enqueue(payload, "", queue.ClassPassthrough)
	if b.config.Metrics != nil {
		b.config.Metrics.MQTTDownlink.Inc()
	}
}

// decodeProxyMessage extracts topic, payload, and the retained flag from
// a raw MqttClientProxyMessage. The payload is whichever of data/text is
// present.
func decodeProxyMessage(msg []byte) (topic string, data []byte, retained bool, err error) {
	b := msg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, false, filter.ErrMalformed
		}
		b = b[n:]

		switch {
		case num == proxyTopic && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, false, filter.ErrMalformed
			}
			b = b[n:]
			topic = v
		case num == proxyData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, false, filter.ErrMalformed
			}
			b = b[n:]
			data = v
		case num == proxyText && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, false, filter.ErrMalformed
			}
			b = b[n:]
			if data == nil {
				data = []byte(v)
			}
		case num == proxyRetained && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", nil, false, filter.ErrMalformed
			}
			b = b[n:]
			retained = v != 0
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, false, filter.ErrMalformed
			}
			b = b[n:]
		}
	}
	return topic, data, retained, nil
}

// encodeProxyMessage builds a raw MqttClientProxyMessage.
func encodeProxyMessage(topic string, data []byte, retained bool) []byte {
	b := protowire.AppendTag(nil, proxyTopic, protowire.BytesType)
	b = protowire.AppendString(b, topic)
	b = protowire.AppendTag(b, proxyData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	if retained {
		b = protowire.AppendTag(b, proxyRetained, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}
