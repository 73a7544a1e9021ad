// Package historical holds the compressed multi-day archive of every online camera and answers
// point-in-time queries without touching the object store per request.
package historical

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"rubintv/services/backend/internal/artifacts"
	"rubintv/services/backend/internal/config"
	"rubintv/services/backend/internal/dayobs"
	"rubintv/services/backend/internal/logging"
	"rubintv/services/backend/internal/metrics"
	"rubintv/services/backend/internal/models"
	"rubintv/services/backend/internal/notify"
)

// ErrBusy is returned by every query while a reload is in progress. Callers should retry.
var ErrBusy = errors.New("historical archive is reloading")

// ErrNotLoaded is returned for a camera whose archive could not be loaded yet. The archive
// retries it on every check, so it is a kind of ErrBusy.
var ErrNotLoaded = fmt.Errorf("%w: camera archive not loaded yet", ErrBusy)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

type Options struct {
	CheckInterval time.Duration
	ListTimeout   time.Duration
	ReloadTimeout time.Duration
	Concurrency   int
}

// Status is published to historicalStatus subscribers around every reload.
type Status struct {
	IsBusy bool `json:"isBusy"`
}

type cameraArchive struct {
	batch        []byte
	events       int
	nightReports map[string][]models.NightReportArtifact
	metadata     map[string][]models.Object
	perDay       func(channel string) bool
}

type snapshot struct {
	calendar *Calendar
	cameras  map[string]*cameraArchive
	// cameras whose listing failed with no earlier archive to fall back on
	missing map[string]struct{}
}

type Archive struct {
	locations []config.Location
	stores    map[string]artifacts.Store
	provider  *dayobs.Provider
	publisher notify.Publisher
	opts      Options
	logger    zerolog.Logger
	badKeys   *logging.Once

	reloads    singleflight.Group
	busy       atomic.Bool
	incomplete atomic.Bool

	mu           sync.RWMutex
	state        *snapshot
	lastDay      string
	metadata     map[string]map[string]any
	cancelReload context.CancelFunc
}

func New(
	locations []config.Location,
	stores map[string]artifacts.Store,
	provider *dayobs.Provider,
	publisher notify.Publisher,
	opts Options,
) *Archive {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 5 * time.Minute
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = 30 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Archive{
		locations: locations,
		stores:    stores,
		provider:  provider,
		publisher: publisher,
		opts:      opts,
		logger:    logging.With("historical"),
		badKeys:   logging.NewOnce(4096),
		metadata:  make(map[string]map[string]any),
	}
}

func (a *Archive) String() string {
	return "historical-archive"
}

// Serve reloads on start, then checks every CheckInterval. A reload interrupted by shutdown is
// cancelled on return.
func (a *Archive) Serve(ctx context.Context) error {
	defer a.abortReload()
	a.reloadAndLog(ctx)

	ticker := time.NewTicker(a.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Check(ctx)
		}
	}
}

// Check reloads when the observatory day differs from the day of the last complete reload, or
// when a camera failed to load last time. It reports whether a reload ran.
func (a *Archive) Check(ctx context.Context) bool {
	if a.provider.DayObs() == a.LastReloadDay() && !a.incomplete.Load() {
		return false
	}
	a.reloadAndLog(ctx)
	return true
}

// Incomplete reports whether the last reload left a camera behind.
func (a *Archive) Incomplete() bool {
	return a.incomplete.Load()
}

func (a *Archive) reloadAndLog(ctx context.Context) {
	if err := a.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error().Err(err).Msg("historical reload failed")
	}
}

func (a *Archive) LastReloadDay() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastDay
}

func (a *Archive) IsBusy() bool {
	return a.busy.Load()
}

// Reload rebuilds the archive. Concurrent callers share the reload already in flight. The
// shared reload does not depend on any one caller: a caller whose ctx ends stops waiting while
// the reload runs on under ReloadTimeout.
func (a *Archive) Reload(ctx context.Context) error {
	results := a.reloads.DoChan("reload", func() (any, error) {
		reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.ReloadTimeout)
		defer cancel()
		a.mu.Lock()
		a.cancelReload = cancel
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			a.cancelReload = nil
			a.mu.Unlock()
		}()
		return nil, a.reload(reloadCtx)
	})

	select {
	case result := <-results:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archive) abortReload() {
	a.mu.RLock()
	cancel := a.cancelReload
	a.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Archive) reload(ctx context.Context) error {
	a.setBusy(ctx, true)
	defer a.setBusy(context.WithoutCancel(ctx), false)

	start := time.Now()
	day := a.provider.DayObs()
	next := &snapshot{
		calendar: NewCalendar(),
		cameras:  make(map[string]*cameraArchive),
		missing:  make(map[string]struct{}),
	}

	a.mu.RLock()
	previous := a.state
	a.mu.RUnlock()

	var (
		mu     sync.Mutex
		failed int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.opts.Concurrency)
	for _, location := range a.locations {
		store, ok := a.stores[location.Name]
		if !ok {
			continue
		}
		for _, camera := range location.OnlineCameras() {
			group.Go(func() error {
				locCam := location.Name + "/" + camera.Name
				archived, err := a.loadCamera(groupCtx, store, next.calendar, locCam, camera)
				if err != nil {
					if groupCtx.Err() != nil {
						return groupCtx.Err()
					}
					metrics.ArchiveReloadErrors.Inc()
					a.logger.Warn().Err(err).Str("location", location.Name).Str("camera", camera.Name).Msg("camera archive reload failed, keeping previous data")
					archived = a.carryOver(previous, next.calendar, locCam)
					mu.Lock()
					failed++
					if archived == nil {
						next.missing[locCam] = struct{}{}
					}
					mu.Unlock()
				}
				if archived == nil {
					return nil
				}
				mu.Lock()
				next.cameras[locCam] = archived
				mu.Unlock()
				metrics.ArchiveEvents.WithLabelValues(location.Name, camera.Name).Set(float64(archived.events))
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		metrics.ArchiveReloadErrors.Inc()
		return fmt.Errorf("historical reload: %w", err)
	}

	a.mu.Lock()
	a.state = next
	if failed == 0 {
		a.lastDay = day
	}
	a.metadata = make(map[string]map[string]any)
	a.mu.Unlock()
	a.incomplete.Store(failed > 0)

	elapsed := time.Since(start)
	metrics.ArchiveReloadDuration.Observe(elapsed.Seconds())
	a.logger.Info().
		Str("day_obs", day).
		Int("cameras", len(next.cameras)).
		Int("failed", failed).
		Dur("elapsed", elapsed).
		Msg("historical archive reloaded")
	return nil
}

// loadCamera lists everything a camera ever produced and folds it into a compressed batch.
// The uncompressed batch is dropped as soon as it is encoded.
func (a *Archive) loadCamera(
	ctx context.Context,
	store artifacts.Store,
	calendar *Calendar,
	locCam string,
	camera config.Camera,
) (*cameraArchive, error) {
	listCtx, cancel := context.WithTimeout(ctx, a.opts.ListTimeout)
	defer cancel()

	listing, err := store.ListObjects(listCtx, camera.Name+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", camera.Name, err)
	}
	parts, err := models.Partition(ctx, listing)
	if err != nil {
		return nil, err
	}
	for _, rejected := range parts.Rejected {
		metrics.ParseErrors.Inc()
		if a.badKeys.First(rejected.Key) {
			a.logger.Warn().Err(rejected).Str("key", rejected.Key).Msg("dropping malformed key")
		}
	}

	for _, event := range parts.Events {
		if err := calendar.Add(locCam, event.DayObs, event.SeqNum); err != nil {
			return nil, err
		}
	}

	archived := &cameraArchive{
		events:       len(parts.Events),
		nightReports: make(map[string][]models.NightReportArtifact),
		metadata:     parts.MetadataByDay(),
		perDay:       camera.IsPerDay,
	}
	archived.batch, err = compressEvents(parts.Events)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", locCam, err)
	}
	parts.Events = nil

	for _, artifact := range parts.NightReports {
		archived.nightReports[artifact.DayObs] = append(archived.nightReports[artifact.DayObs], artifact)
	}
	return archived, nil
}

// carryOver keeps a camera's previous archive when its reload failed.
func (a *Archive) carryOver(previous *snapshot, calendar *Calendar, locCam string) *cameraArchive {
	if previous == nil {
		return nil
	}
	archived, ok := previous.cameras[locCam]
	if !ok {
		return nil
	}
	for year, months := range previous.calendar.For(locCam) {
		for month, days := range months {
			for day, seq := range days {
				dayObs := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC).Format(models.DayObsLayout)
				_ = calendar.Add(locCam, dayObs, models.NewSeqNum(seq))
			}
		}
	}
	return archived
}

func (a *Archive) setBusy(ctx context.Context, busy bool) {
	a.busy.Store(busy)
	if busy {
		metrics.ArchiveBusy.Set(1)
	} else {
		metrics.ArchiveBusy.Set(0)
	}
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, notify.HistoricalStatusKey(), notify.DataTypeHistoricalStatus, a.provider.DayObs(), Status{IsBusy: busy}); err != nil {
		a.logger.Debug().Err(err).Msg("publish historical status")
	}
}

// SendStatus pushes the busy flag to a newly subscribed historicalStatus client.
func (a *Archive) SendStatus(ctx context.Context, clientID string, key notify.ServiceKey) {
	if key.Service != notify.ServiceHistoricalStatus || a.publisher == nil {
		return
	}
	if err := a.publisher.Send(ctx, clientID, key, notify.DataTypeHistoricalStatus, a.provider.DayObs(), Status{IsBusy: a.IsBusy()}); err != nil {
		a.logger.Debug().Err(err).Str("client_id", clientID).Msg("send historical status")
	}
}

// AddToCalendar records seq for dayObs in the live calendar. Values never decrease.
func (a *Archive) AddToCalendar(locCam, dayObs string, seq models.SeqNum) error {
	a.mu.Lock()
	if a.state == nil {
		a.state = &snapshot{calendar: NewCalendar(), cameras: make(map[string]*cameraArchive), missing: make(map[string]struct{})}
	}
	calendar := a.state.calendar
	a.mu.Unlock()
	return calendar.Add(locCam, dayObs, seq)
}

func compressEvents(events []models.Event) ([]byte, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

func decompressEvents(batch []byte) ([]models.Event, error) {
	if len(batch) == 0 {
		return []models.Event{}, nil
	}
	raw, err := decoder.DecodeAll(batch, nil)
	if err != nil {
		return nil, err
	}
	var events []models.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}
