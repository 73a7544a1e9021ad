// Package supervisor runs the long-lived loops under a suture tree so a crashed loop is
// restarted with backoff instead of taking the process down.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"rubintv/services/backend/internal/logging"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers: polling (trackers, archive, detector consumer) and api (HTTP server).
type Tree struct {
	root    *suture.Supervisor
	polling *suture.Supervisor
	api     *suture.Supervisor
}

func NewTree(config TreeConfig) *Tree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	logger := logging.With("supervisor")
	spec := suture.Spec{
		EventHook:        eventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("rubintv", spec)
	polling := suture.New("polling-layer", spec)
	api := suture.New("api-layer", spec)
	root.Add(polling)
	root.Add(api)

	return &Tree{root: root, polling: polling, api: api}
}

func eventHook(logger zerolog.Logger) suture.EventHook {
	return func(event suture.Event) {
		entry := logger.Warn()
		if _, isPanic := event.(suture.EventServicePanic); isPanic {
			entry = logger.Error()
		}
		entry.Fields(event.Map()).Msg(event.String())
	}
}

func (t *Tree) AddPollingService(svc suture.Service) suture.ServiceToken {
	return t.polling.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
