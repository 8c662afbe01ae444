// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package meshmonitor

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: "TESTMESH_"})
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.DeviceAddress(); got != "localhost:4403" {
		t.Errorf("DeviceAddress = %q, want localhost:4403", got)
	}
	if got := cfg.ProxyAddress(); got != ":4404" {
		t.Errorf("ProxyAddress = %q, want :4404", got)
	}
	if got := cfg.ProxyWSAddress(); got != "" {
		t.Errorf("ProxyWSAddress = %q, want empty (disabled)", got)
	}
	if cfg.HandshakeTimeout != 60*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 60s", cfg.HandshakeTimeout)
	}
	if cfg.QueueMinSpacing != 30*time.Second {
		t.Errorf("QueueMinSpacing = %v, want 30s", cfg.QueueMinSpacing)
	}
	if cfg.BackoffJitter != 0.2 {
		t.Errorf("BackoffJitter = %v, want 0.2", cfg.BackoffJitter)
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("TESTMESH_DEVICE_HOST", "10.0.0.7")
	t.Setenv("TESTMESH_DEVICE_PORT", "4500")
	t.Setenv("TESTMESH_PROXY_WS_PORT", "8081")
	t.Setenv("TESTMESH_IDLE_TIMEOUT", "90s")
	t.Setenv("TESTMESH_CLIENT_RATE_BURST", "5")

	cfg, err := NewConfig(env.Options{Prefix: "TESTMESH_"})
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.DeviceAddress(); got != "10.0.0.7:4500" {
		t.Errorf("DeviceAddress = %q, want 10.0.0.7:4500", got)
	}
	if got := cfg.ProxyWSAddress(); got != ":8081" {
		t.Errorf("ProxyWSAddress = %q, want :8081", got)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", cfg.IdleTimeout)
	}
	if cfg.ClientRateBurst != 5 {
		t.Errorf("ClientRateBurst = %d, want 5", cfg.ClientRateBurst)
	}
}

func TestConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("TESTMESH_CONNECT_TIMEOUT", "not-a-duration")
	if _, err := NewConfig(env.Options{Prefix: "TESTMESH_"}); err == nil {
		t.Error("Expected an error for an unparseable duration")
	}
}
