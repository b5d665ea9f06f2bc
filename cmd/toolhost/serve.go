package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/toolhost/internal/api"
	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/mqtt"
)

// runServe starts every server, the admin API and, when configured, the
// MQTT publisher, then blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. the signal cancels ctx
//  2. MQTT publishes "offline" and disconnects
//  3. the API drains in-flight requests
//  4. tool servers are stopped and the catalog store closed
func runServe(ctx context.Context, stderr io.Writer, o options, getenv func(string) string) error {
	a, err := newApp(stderr, o, getenv)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	logger.Info("starting toolhost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.start(ctx)

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.host, a.registry, logger)

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if a.cfg.MQTT.Configured() {
		dataDir := a.cfg.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		instanceID, err := mqtt.LoadOrCreateInstanceID(dataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(a.cfg.MQTT, instanceID, a.host, a.bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			OnDown: func(err error) {
				logger.Warn("mqtt broker unreachable", "error", err)
			},
			Logger: logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", a.cfg.MQTT.Broker,
			"device_name", a.cfg.MQTT.DeviceName,
			"interval", a.cfg.MQTT.PublishInterval,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("toolhost stopped")
	return nil
}
