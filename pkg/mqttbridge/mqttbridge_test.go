// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package mqttbridge

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Yeraze/meshmonitor-sub001/pkg/filter"
)

func TestProxyMessageRoundTrip(t *testing.T) {
	raw := encodeProxyMessage("msh/US/2/e/LongFast/!deadbeef", []byte{0x01, 0x02, 0x03}, true)

	topic, data, retained, err := decodeProxyMessage(raw)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if topic != "msh/US/2/e/LongFast/!deadbeef" {
		t.Errorf("Topic = %q", topic)
	}
	if !bytes.Equal(data, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("Data = %v", data)
	}
	if !retained {
		t.Error("Retained flag lost")
	}
}

func TestProxyMessageNotRetained(t *testing.T) {
	raw := encodeProxyMessage("msh/topic", []byte("x"), false)
	_, _, retained, err := decodeProxyMessage(raw)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if retained {
		t.Error("Retained = true for a non-retained message")
	}
}

func TestProxyMessageTextPayload(t *testing.T) {
	// Devices may carry the payload in the text field instead of data.
	raw := protowire.AppendTag(nil, proxyTopic, protowire.BytesType)
	raw = protowire.AppendString(raw, "msh/stat/node")
	raw = protowire.AppendTag(raw, proxyText, protowire.BytesType)
	raw = protowire.AppendString(raw, "online")

	topic, data, _, err := decodeProxyMessage(raw)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if topic != "msh/stat/node" {
		t.Errorf("Topic = %q", topic)
	}
	if string(data) != "online" {
		t.Errorf("Data = %q, want text fallback %q", data, "online")
	}
}

func TestProxyMessageMalformed(t *testing.T) {
	// Truncated length-delimited field.
	raw := protowire.AppendTag(nil, proxyTopic, protowire.BytesType)
	raw = append(raw, 0x20) // claims 32 bytes, none follow
	if _, _, _, err := decodeProxyMessage(raw); !errors.Is(err, filter.ErrMalformed) {
		t.Errorf("Decode of truncated message = %v, want ErrMalformed", err)
	}
}
