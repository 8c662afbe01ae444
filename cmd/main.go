// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	meshmonitor "github.com/Yeraze/meshmonitor-sub001"
	"github.com/Yeraze/meshmonitor-sub001/pkg/backoff"
	"github.com/Yeraze/meshmonitor-sub001/pkg/health"
	"github.com/Yeraze/meshmonitor-sub001/pkg/metrics"
	"github.com/Yeraze/meshmonitor-sub001/pkg/mqttbridge"
	"github.com/Yeraze/meshmonitor-sub001/pkg/queue"
	"github.com/Yeraze/meshmonitor-sub001/pkg/radio"
	"github.com/Yeraze/meshmonitor-sub001/pkg/vnode"
)

const envPrefix = "MESHMON_"

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := meshmonitor.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting meshmonitor proxy",
		slog.String("device", cfg.DeviceAddress()),
		slog.String("proxy", cfg.ProxyAddress()))

	m := metrics.New("meshmonitor")

	upstream := radio.New(radio.Config{
		Address:           cfg.DeviceAddress(),
		ConnectTimeout:    cfg.ConnectTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		IdleTimeout:       cfg.IdleTimeout,
		Backoff: backoff.Config{
			Initial: cfg.BackoffInitial,
			Max:     cfg.BackoffMax,
			Jitter:  cfg.BackoffJitter,
		},
		Logger:  logger,
		Metrics: m,
	})

	outbound := queue.New(queue.Config{
		PacedSpacing:       cfg.QueueMinSpacing,
		PassthroughSpacing: cfg.QueuePassthroughSpacing,
		Logger:             logger,
		Metrics:            m,
	}, upstream)

	proxy := vnode.New(vnode.Config{
		Address:         cfg.ProxyAddress(),
		WSAddress:       cfg.ProxyWSAddress(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		SessionBuffer:   cfg.SessionBuffer,
		FanoutBuffer:    cfg.FanoutBuffer,
		RateCapacity:    cfg.ClientRateBurst,
		RateRefill:      cfg.ClientRate,
		Logger:          logger,
		Metrics:         m,
	}, upstream, outbound)

	healthChecker := health.NewChecker()
	healthChecker.Register("upstream", func(ctx context.Context) error {
		if state := upstream.State(); state != radio.StateSynced {
			return fmt.Errorf("upstream %s", state)
		}
		return nil
	})
	healthChecker.Register("outbound_queue", func(ctx context.Context) error {
		if depth := outbound.Len(); depth > 1000 {
			return fmt.Errorf("queue depth %d, device overloaded", depth)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	ready := upstream.ReadyEvents()

	g.Go(func() error {
		return upstream.Run(ctx)
	})
	g.Go(func() error {
		return outbound.Run(ctx, ready)
	})
	g.Go(func() error {
		return proxy.Listen(ctx)
	})

	if cfg.MQTTBrokerURL != "" {
		bridge := mqttbridge.New(mqttbridge.Config{
			BrokerURL:     cfg.MQTTBrokerURL,
			ClientID:      cfg.MQTTClientID,
			Username:      cfg.MQTTUsername,
			Password:      cfg.MQTTPassword,
			DownlinkTopic: cfg.MQTTDownlinkTopic,
			Logger:        logger,
			Metrics:       m,
		}, outbound)
		bridgeFrames := upstream.Subscribe("mqttbridge", 256)
		g.Go(func() error {
			return bridge.Run(ctx, bridgeFrames)
		})
		logger.Info("mqtt bridge enabled", slog.String("broker", cfg.MQTTBrokerURL))
	}

	g.Go(func() error {
		return serveHTTP(ctx, fmt.Sprintf(":%d", cfg.MetricsPort), metricsMux(m), logger, "metrics")
	})
	g.Go(func() error {
		return serveHTTP(ctx, fmt.Sprintf(":%d", cfg.HealthPort), healthMux(healthChecker), logger, "health")
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("meshmonitor proxy terminated with error: %s", err))
	} else {
		logger.Info("meshmonitor proxy stopped")
	}
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return mux
}

func healthMux(checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/health/live", health.LivenessHandler())
	mux.HandleFunc("/health/ready", checker.ReadinessHandler())
	return mux
}

func serveHTTP(ctx context.Context, addr string, mux *http.ServeMux, logger *slog.Logger, name string) error {
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info(name+" server started", slog.String("address", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
