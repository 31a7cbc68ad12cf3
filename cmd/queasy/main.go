// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/queasy-io/queasy/broker"
	"github.com/queasy-io/queasy/config"
	"github.com/queasy-io/queasy/server/health"
	"github.com/queasy-io/queasy/server/otel"
	"github.com/queasy-io/queasy/server/websocket"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting queasy broker", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"ws_addr", cfg.Server.WSAddr,
		"storage", cfg.Storage.Type,
		"consumer_groups", len(cfg.ConsumerGroups),
		"topics", len(cfg.Topics),
		"log_level", cfg.Log.Level)

	// Metrics are optional; a nil Metrics records nothing.
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, fmt.Sprintf("node-%d", cfg.Writer.NodeID))
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())

		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := broker.New(ctx, cfg, metrics, logger)
	if err != nil {
		slog.Error("Failed to initialize broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()
	b.Start(ctx)

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wsCfg := websocket.Config{
		Address:         cfg.Server.WSAddr,
		Origin:          cfg.Server.Origin,
		MaxConnections:  cfg.Server.MaxConnections,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	wsServer := websocket.New(wsCfg, b, metrics, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Queasy broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()
	slog.Info("Queasy broker stopped")
}
