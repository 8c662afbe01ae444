// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package filter classifies frames from untrusted proxy clients before
// they are forwarded to the physical device.
//
// Only the routing header is decoded — ToRadio.packet → MeshPacket.decoded
// → Data.portnum — using the protobuf wire format directly; payload bodies
// are never interpreted. The policy fails closed: anything that cannot be
// positively identified as a harmless application port is blocked.
package filter

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// PortNum identifies the application-layer port of a mesh packet.
type PortNum uint32

// Application port numbers from the device protocol.
const (
	PortUnknown        PortNum = 0
	PortTextMessage    PortNum = 1
	PortRemoteHardware PortNum = 2
	PortPosition       PortNum = 3
	PortNodeInfo       PortNum = 4
	PortRouting        PortNum = 5
	PortAdmin          PortNum = 6
	PortWaypoint       PortNum = 8
	PortTelemetry      PortNum = 67
	PortTraceroute     PortNum = 70
	PortNeighborInfo   PortNum = 71
)

// ToRadio field numbers inspected by this package.
const (
	toRadioPacket     = 1
	toRadioWantConfig = 3
	toRadioDisconnect = 4
	toRadioMQTTProxy  = 6
	toRadioHeartbeat  = 7
)

// MeshPacket / Data field numbers inspected by this package.
const (
	meshPacketDecoded   = 4
	meshPacketEncrypted = 5
	dataPortnum         = 1
)

// FromRadio field numbers inspected by this package.
const (
	fromRadioPacket         = 2
	fromRadioConfigComplete = 7
	fromRadioMQTTProxy      = 14
)

// ErrMalformed is returned when a payload does not parse as protobuf
// wire data.
var ErrMalformed = errors.New("malformed protobuf payload")

// Verdict is the filter decision for one client frame.
type Verdict int

const (
	// Block drops the frame before it reaches the device.
	Block Verdict = iota
	// Allow forwards the frame to the outbound queue.
	Allow
)

// String returns a string representation of the verdict.
func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "block"
}

// allowedPorts are the application ports an untrusted client may send.
// Administration and node-identity ports are deliberately absent, as is
// anything unrecognized.
var allowedPorts = map[PortNum]bool{
	PortTextMessage:  true,
	PortPosition:     true,
	PortRouting:      true,
	PortWaypoint:     true,
	PortTelemetry:    true,
	PortTraceroute:   true,
	PortNeighborInfo: true,
}

// ToRadioInfo is the decoded routing header of a client ToRadio payload.
type ToRadioInfo struct {
	// HasPacket indicates the payload carries a mesh packet.
	HasPacket bool
	// HasPort indicates the packet carried an inspectable port number.
	HasPort bool
	// Port is the application port, valid when HasPort.
	Port PortNum
	// Encrypted indicates the packet carries an opaque encrypted body.
	Encrypted bool

	// Control variants, intercepted by the proxy rather than forwarded.
	WantConfig   bool
	WantConfigID uint32
	Heartbeat    bool
	Disconnect   bool
	MQTTProxy    bool
}

// InspectToRadio walks the wire format of a ToRadio payload and extracts
// the routing header. An empty payload is valid and carries nothing.
func InspectToRadio(payload []byte) (ToRadioInfo, error) {
	var info ToRadioInfo
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return info, ErrMalformed
		}
		b = b[n:]

		switch {
		case num == toRadioPacket && typ == protowire.BytesType:
			pkt, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
			info.HasPacket = true
			if err := inspectMeshPacket(pkt, &info); err != nil {
				return info, err
			}
		case num == toRadioWantConfig && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
			info.WantConfig = true
			info.WantConfigID = uint32(v)
		case num == toRadioDisconnect && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
			info.Disconnect = v != 0
		case num == toRadioHeartbeat && typ == protowire.BytesType:
			_, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
			info.Heartbeat = true
		case num == toRadioMQTTProxy && typ == protowire.BytesType:
			_, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
			info.MQTTProxy = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
		}
	}
	return info, nil
}

func inspectMeshPacket(pkt []byte, info *ToRadioInfo) error {
	b := pkt
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrMalformed
		}
		b = b[n:]

		switch {
		case num == meshPacketDecoded && typ == protowire.BytesType:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrMalformed
			}
			b = b[n:]
			port, ok, err := dataPort(data)
			if err != nil {
				return err
			}
			if ok {
				info.HasPort = true
				info.Port = port
			}
		case num == meshPacketEncrypted && typ == protowire.BytesType:
			_, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrMalformed
			}
			b = b[n:]
			info.Encrypted = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrMalformed
			}
			b = b[n:]
		}
	}
	return nil
}

func dataPort(data []byte) (PortNum, bool, error) {
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, false, ErrMalformed
		}
		b = b[n:]

		if num == dataPortnum && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, false, ErrMalformed
			}
			return PortNum(v), true, nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, false, ErrMalformed
		}
		b = b[n:]
	}
	return 0, false, nil
}

// Classify decides whether a client ToRadio payload may be forwarded to
// the device. Control variants (want_config, heartbeat, disconnect) are
// blocked here because the proxy answers them locally; encrypted-only
// packets whose port cannot be inspected and unrecognized ports are
// blocked as well.
func Classify(payload []byte) Verdict {
	info, err := InspectToRadio(payload)
	if err != nil {
		return Block
	}
	return ClassifyInfo(info)
}

// ClassifyInfo applies the port policy to an already-inspected header.
func ClassifyInfo(info ToRadioInfo) Verdict {
	if !info.HasPacket {
		return Block
	}
	if !info.HasPort {
		return Block
	}
	if allowedPorts[info.Port] {
		return Allow
	}
	return Block
}

// FromRadioInfo is the decoded routing header of a device FromRadio
// payload.
type FromRadioInfo struct {
	// HasPacket indicates the payload carries a mesh packet.
	HasPacket bool
	// ConfigComplete indicates the handshake terminator, with its nonce.
	ConfigComplete   bool
	ConfigCompleteID uint32
	// MQTTProxy holds the raw MqttClientProxyMessage bytes when present.
	MQTTProxy    []byte
	HasMQTTProxy bool
}

// InspectFromRadio walks the wire format of a device FromRadio payload.
func InspectFromRadio(payload []byte) (FromRadioInfo, error) {
	var info FromRadioInfo
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return info, ErrMalformed
		}
		b = b[n:]

		switch {
		case num == fromRadioPacket && typ == protowire.BytesType:
			_, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
			info.HasPacket = true
		case num == fromRadioConfigComplete && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
			info.ConfigComplete = true
			info.ConfigCompleteID = uint32(v)
		case num == fromRadioMQTTProxy && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
			info.HasMQTTProxy = true
			info.MQTTProxy = msg
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return info, ErrMalformed
			}
			b = b[n:]
		}
	}
	return info, nil
}
