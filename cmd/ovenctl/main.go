// Command ovenctl runs the reflow oven control service: device
// registry with USB hotplug, profile catalog, HTTP frontend API and
// optional MQTT telemetry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reflow-station/ovenctl/config"
	"github.com/reflow-station/ovenctl/device"
	"github.com/reflow-station/ovenctl/logging"
	"github.com/reflow-station/ovenctl/profile"
	"github.com/reflow-station/ovenctl/telemetry"
	"github.com/reflow-station/ovenctl/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	logger.Info().Str("storage", cfg.StorageDir).Msg("starting ovenctl")

	profiles := profile.NewStore(cfg.StorageDir, logger)

	registry := device.NewRegistry(device.Config{
		FollowUpTime:         cfg.FollowUpTime,
		SimPollInterval:      cfg.SimPollInterval,
		HardwarePollInterval: cfg.HardwarePollInterval,
		StorageDir:           cfg.StorageDir,
	}, profiles.Selected, logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing registry")
		}
	}()

	publisher, err := telemetry.Start(telemetry.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Topic:    cfg.MQTT.Topic,
		Interval: cfg.MQTT.Interval,
	}, registry, logger)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Stop()
	}

	server := web.NewServer(cfg.ListenAddr, registry, profiles, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
