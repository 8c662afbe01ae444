// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

// Package meshmonitor holds the shared environment-based configuration
// for the mesh proxy service.
package meshmonitor

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full service configuration, loaded from the environment.
type Config struct {
	// Upstream device
	DeviceHost        string        `env:"DEVICE_HOST"        envDefault:"localhost"`
	DevicePort        string        `env:"DEVICE_PORT"        envDefault:"4403"`
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT"    envDefault:"10s"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT"  envDefault:"60s"`
	KeepaliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"60s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT"       envDefault:"5m"`

	// Reconnect backoff
	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX"     envDefault:"30s"`
	BackoffJitter  float64       `env:"BACKOFF_JITTER"  envDefault:"0.2"`

	// Virtual node proxy
	ProxyHost       string        `env:"PROXY_HOST"        envDefault:""`
	ProxyPort       string        `env:"PROXY_PORT"        envDefault:"4404"`
	ProxyWSPort     string        `env:"PROXY_WS_PORT"     envDefault:""`
	SessionBuffer   int           `env:"SESSION_BUFFER"    envDefault:"256"`
	FanoutBuffer    int           `env:"FANOUT_BUFFER"     envDefault:"1024"`
	ClientRateBurst int64         `env:"CLIENT_RATE_BURST" envDefault:"20"`
	ClientRate      int64         `env:"CLIENT_RATE"       envDefault:"2"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	// Outbound queue pacing
	QueueMinSpacing         time.Duration `env:"QUEUE_MIN_SPACING"         envDefault:"30s"`
	QueuePassthroughSpacing time.Duration `env:"QUEUE_PASSTHROUGH_SPACING" envDefault:"2s"`

	// MQTT bridge (disabled when the broker URL is empty)
	MQTTBrokerURL     string `env:"MQTT_BROKER_URL"     envDefault:""`
	MQTTClientID      string `env:"MQTT_CLIENT_ID"      envDefault:"meshmonitor-bridge"`
	MQTTUsername      string `env:"MQTT_USERNAME"       envDefault:""`
	MQTTPassword      string `env:"MQTT_PASSWORD"       envDefault:""`
	MQTTDownlinkTopic string `env:"MQTT_DOWNLINK_TOPIC" envDefault:""`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// NewConfig loads configuration from the environment with the given
// options (typically a prefix).
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DeviceAddress returns the device host:port.
func (c Config) DeviceAddress() string {
	return fmt.Sprintf("%s:%s", c.DeviceHost, c.DevicePort)
}

// ProxyAddress returns the virtual node listen host:port.
func (c Config) ProxyAddress() string {
	return fmt.Sprintf("%s:%s", c.ProxyHost, c.ProxyPort)
}

// ProxyWSAddress returns the WebSocket listen host:port, empty when the
// WebSocket listener is disabled.
func (c Config) ProxyWSAddress() string {
	if c.ProxyWSPort == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.ProxyHost, c.ProxyWSPort)
}
