// Package current tracks today's state of every camera at one location by polling the object
// store and notifying subscribers of what changed.
package current

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rubintv/services/backend/internal/artifacts"
	"rubintv/services/backend/internal/config"
	"rubintv/services/backend/internal/dayobs"
	"rubintv/services/backend/internal/logging"
	"rubintv/services/backend/internal/metrics"
	"rubintv/services/backend/internal/notify"
)

type Options struct {
	Interval    time.Duration
	ListTimeout time.Duration
}

// Tracker owns the live cache of one location. Its poll loop is the only writer; accessors
// read under the same RWMutex and return copies.
type Tracker struct {
	location  config.Location
	store     artifacts.Store
	publisher notify.Publisher
	provider  *dayobs.Provider
	opts      Options
	logger    zerolog.Logger
	badKeys   *logging.Once

	mu      sync.RWMutex
	dayObs  string
	cameras map[string]*cameraState
}

func New(
	location config.Location,
	store artifacts.Store,
	publisher notify.Publisher,
	provider *dayobs.Provider,
	opts Options,
) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 20 * time.Second
	}

	t := &Tracker{
		location:  location,
		store:     store,
		publisher: publisher,
		provider:  provider,
		opts:      opts,
		logger:    logging.With("current").With().Str("location", location.Name).Logger(),
		badKeys:   logging.NewOnce(4096),
		cameras:   make(map[string]*cameraState),
	}
	for _, camera := range location.OnlineCameras() {
		t.cameras[camera.Name] = newCameraState()
	}
	return t
}

func (t *Tracker) String() string {
	return "current-tracker-" + t.location.Name
}

func (t *Tracker) Location() string {
	return t.location.Name
}

// Serve polls immediately and then every interval until ctx is cancelled. A cycle in flight
// when ctx ends is allowed to finish.
func (t *Tracker) Serve(ctx context.Context) error {
	t.logger.Info().Dur("interval", t.opts.Interval).Int("cameras", len(t.cameras)).Msg("current-state tracker started")
	t.PollOnce(ctx)

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("current-state tracker stopped")
			return ctx.Err()
		case <-ticker.C:
			t.PollOnce(ctx)
		}
	}
}

// PollOnce runs one cycle: rollover check, then each online camera in turn.
func (t *Tracker) PollOnce(ctx context.Context) {
	start := time.Now()
	t.CheckRollover(ctx)

	for _, camera := range t.location.OnlineCameras() {
		if ctx.Err() != nil {
			return
		}
		if err := t.pollCameraSafely(ctx, camera); err != nil {
			t.logger.Warn().Err(err).Str("camera", camera.Name).Msg("camera poll failed")
		}
	}

	metrics.PollCycles.WithLabelValues(t.location.Name).Inc()
	metrics.PollDuration.WithLabelValues(t.location.Name).Observe(time.Since(start).Seconds())
}

func (t *Tracker) pollCameraSafely(ctx context.Context, camera config.Camera) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			metrics.PollErrors.WithLabelValues(t.location.Name, camera.Name, "panic").Inc()
			t.logger.Error().
				Str("camera", camera.Name).
				Str("stack", string(debug.Stack())).
				Msgf("camera poll panicked: %v", recovered)
			err = fmt.Errorf("camera %s: panic: %v", camera.Name, recovered)
		}
	}()

	cameraCtx, cancel := context.WithTimeout(ctx, t.opts.ListTimeout)
	defer cancel()
	return t.pollCamera(cameraCtx, camera)
}

// CheckRollover clears every camera's state when the observatory day has changed since the
// last cycle and tells camera subscribers. It reports whether a rollover happened.
func (t *Tracker) CheckRollover(ctx context.Context) bool {
	day := t.provider.DayObs()

	t.mu.Lock()
	previous := t.dayObs
	if previous == day {
		t.mu.Unlock()
		return false
	}
	t.dayObs = day
	for name := range t.cameras {
		t.cameras[name] = newCameraState()
	}
	t.mu.Unlock()

	if previous == "" {
		t.logger.Info().Str("day_obs", day).Msg("tracking day")
		return false
	}

	t.logger.Info().Str("day_obs", day).Str("previous", previous).Msg("day rollover, cleared live caches")
	for _, camera := range t.location.OnlineCameras() {
		payload := map[string]string{"dayObs": day, "previous": previous}
		if err := t.publisher.Publish(ctx, notify.CameraKey(t.location.Name, camera.Name), notify.DataTypeDayChange, day, payload); err != nil {
			t.logger.Warn().Err(err).Str("camera", camera.Name).Msg("publish day change")
		}
	}
	return true
}

func (t *Tracker) DayObs() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dayObs
}
