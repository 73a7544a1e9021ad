package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rubintv/services/backend/internal/config"
	"rubintv/services/backend/internal/logging"
	"rubintv/services/backend/internal/notify"
	"rubintv/services/backend/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("configuration failed")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg); err != nil {
		logging.Error().Err(err).Msg("rubintv backend failed")
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}

	registry := notify.NewRegistry()
	svc := buildServices(cfg, stores, registry)
	defer svc.close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           svc.handler(cfg, registry).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	for _, tracker := range svc.trackers {
		tree.AddPollingService(tracker)
	}
	tree.AddPollingService(svc.archive)
	if svc.detectors != nil {
		tree.AddPollingService(svc.detectors)
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, 10*time.Second))

	logging.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("locations", len(cfg.Locations)).
		Msg("rubintv backend starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor stopped")
	}

	registry.CloseAll()
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logging.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	logging.Info().Msg("rubintv backend stopped")
	return nil
}
