// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package radio

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// ToRadio / FromRadio field numbers used for the control frames this
// package emits. Inspection of received frames lives in pkg/filter.
const (
	toRadioWantConfig = 3
	toRadioDisconnect = 4
	toRadioMQTTProxy  = 6
	toRadioHeartbeat  = 7

	fromRadioConfigComplete = 7
)

// WantConfigFrame builds a ToRadio payload requesting the configuration
// dump. The nonce is echoed by the device in the config_complete
// terminator.
func WantConfigFrame(nonce uint32) []byte {
	b := protowire.AppendTag(nil, toRadioWantConfig, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(nonce))
}

// HeartbeatFrame builds an empty ToRadio heartbeat, used as the keepalive
// probe.
func HeartbeatFrame() []byte {
	b := protowire.AppendTag(nil, toRadioHeartbeat, protowire.BytesType)
	return protowire.AppendVarint(b, 0)
}

// DisconnectFrame builds a ToRadio announcing an orderly disconnect.
func DisconnectFrame() []byte {
	b := protowire.AppendTag(nil, toRadioDisconnect, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// ConfigCompleteFrame builds a FromRadio handshake terminator carrying
// the given nonce. The virtual node server uses it to finish a config
// replay toward a client.
func ConfigCompleteFrame(id uint32) []byte {
	b := protowire.AppendTag(nil, fromRadioConfigComplete, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

// MQTTProxyFrame wraps a raw MqttClientProxyMessage into a ToRadio
// payload, used by the MQTT bridge for broker downlink.
func MQTTProxyFrame(msg []byte) []byte {
	b := protowire.AppendTag(nil, toRadioMQTTProxy, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
