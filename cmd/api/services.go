package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rubintv/services/backend/internal/api"
	"rubintv/services/backend/internal/artifacts"
	"rubintv/services/backend/internal/config"
	"rubintv/services/backend/internal/current"
	"rubintv/services/backend/internal/dayobs"
	"rubintv/services/backend/internal/detectors"
	"rubintv/services/backend/internal/historical"
	"rubintv/services/backend/internal/logging"
	"rubintv/services/backend/internal/notify"
)

type services struct {
	stores    map[string]artifacts.Store
	trackers  []*current.Tracker
	archive   *historical.Archive
	detectors *detectors.Consumer
}

// buildStores opens one object store per location. A location without a bucket gets the noop
// store so its loops keep running and report ErrNotConfigured.
func buildStores(ctx context.Context, cfg config.Config) (map[string]artifacts.Store, error) {
	stores := make(map[string]artifacts.Store, len(cfg.Locations))
	for _, location := range cfg.Locations {
		bucket := strings.TrimSpace(location.Bucket)
		if bucket == "" {
			bucket = cfg.S3.Bucket
		}

		var store artifacts.Store
		s3Store, err := artifacts.NewS3Store(ctx, cfg.S3.Region, cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, bucket)
		switch {
		case errors.Is(err, artifacts.ErrNotConfigured):
			logging.Warn().Str("location", location.Name).Msg("no bucket configured, location serves empty data")
			store = artifacts.NewNoopStore()
		case err != nil:
			return nil, fmt.Errorf("object store for %s: %w", location.Name, err)
		default:
			store = s3Store
		}

		stores[location.Name] = artifacts.NewBreakerStore(store, artifacts.BreakerSettings{Name: location.Name})
	}
	return stores, nil
}

func buildServices(cfg config.Config, stores map[string]artifacts.Store, registry *notify.Registry) services {
	provider := dayobs.NewProvider(dayobs.SystemClock(), cfg.RolloverOffset())

	svc := services{stores: stores}
	for _, location := range cfg.Locations {
		tracker := current.New(location, stores[location.Name], registry, provider, current.Options{
			Interval:    cfg.Poll.Interval,
			ListTimeout: cfg.Poll.ListTimeout,
		})
		registry.OnSubscribe(tracker.SendCurrent)
		svc.trackers = append(svc.trackers, tracker)
	}

	svc.archive = historical.New(cfg.Locations, stores, provider, registry, historical.Options{
		CheckInterval: cfg.Poll.ArchiveCheckInterval,
		ListTimeout:   cfg.Poll.ArchiveListTimeout,
		ReloadTimeout: cfg.Poll.ArchiveReloadTimeout,
	})
	registry.OnSubscribe(svc.archive.SendStatus)

	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		svc.detectors = detectors.NewConsumer(detectors.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.KeyspaceDB,
			Streams:      cfg.Redis.Streams,
			PollInterval: cfg.Redis.PollInterval,
			DialTimeout:  cfg.Redis.DialTimeout,
		}, registry)
		registry.OnSubscribe(svc.detectors.SendCurrent)
	}

	return svc
}

func (s services) handler(cfg config.Config, registry *notify.Registry) *api.Handler {
	trackers := make(map[string]api.CurrentState, len(s.trackers))
	for _, tracker := range s.trackers {
		trackers[tracker.Location()] = tracker
	}

	var detectorStatus api.DetectorStatus
	if s.detectors != nil {
		detectorStatus = s.detectors
	}

	return api.NewHandler(
		cfg.Locations,
		trackers,
		s.archive,
		registry,
		detectorStatus,
		cfg.CORSAllowedOrigins,
		cfg.RateLimit.RequestsPerSec,
		cfg.RateLimit.Burst,
	)
}

func (s services) close() {
	if s.detectors != nil {
		if err := s.detectors.Close(); err != nil {
			logging.Warn().Err(err).Msg("close detector consumer")
		}
	}
	for name, store := range s.stores {
		if err := store.Close(); err != nil {
			logging.Warn().Err(err).Str("location", name).Msg("close object store")
		}
	}
}
