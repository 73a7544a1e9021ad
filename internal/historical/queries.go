package historical

import (
	"context"
	"fmt"
	"maps"

	"github.com/goccy/go-json"

	"rubintv/services/backend/internal/models"
)

// snapshotFor returns the current snapshot, or ErrBusy while a reload is running or before the
// first one completed. A camera that failed to load with nothing to fall back on is ErrNotLoaded.
// Each query takes exactly one snapshot so a reload starting mid-query cannot empty its answer.
func (a *Archive) snapshotFor(location, camera string) (*snapshot, *cameraArchive, error) {
	if a.busy.Load() {
		return nil, nil, ErrBusy
	}
	a.mu.RLock()
	state := a.state
	a.mu.RUnlock()
	if state == nil {
		return nil, nil, ErrBusy
	}
	locCam := location + "/" + camera
	if _, missing := state.missing[locCam]; missing {
		return nil, nil, ErrNotLoaded
	}
	return state, state.cameras[locCam], nil
}

// EventsFor returns the archived events of one camera on one day, in key order.
func (a *Archive) EventsFor(location, camera, dayObs string) ([]models.Event, error) {
	_, archived, err := a.snapshotFor(location, camera)
	if err != nil {
		return nil, err
	}
	events, err := eventsFor(archived, dayObs)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", location, camera, err)
	}
	return events, nil
}

func eventsFor(archived *cameraArchive, dayObs string) ([]models.Event, error) {
	if archived == nil {
		return []models.Event{}, nil
	}
	all, err := decompressEvents(archived.batch)
	if err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	events := make([]models.Event, 0)
	for _, event := range all {
		if event.DayObs == dayObs {
			events = append(events, event)
		}
	}
	models.SortEvents(events)
	return events, nil
}

func (a *Archive) CalendarFor(location, camera string) (Days, error) {
	state, _, err := a.snapshotFor(location, camera)
	if err != nil {
		return nil, err
	}
	return state.calendar.For(location + "/" + camera), nil
}

// MostRecentDay returns the latest archived day, excluding today which belongs to the live
// tracker.
func (a *Archive) MostRecentDay(location, camera string) (string, bool, error) {
	state, _, err := a.snapshotFor(location, camera)
	if err != nil {
		return "", false, err
	}
	day, ok := state.calendar.MostRecent(location+"/"+camera, a.provider.DayObs())
	return day, ok, nil
}

func (a *Archive) NightReportFor(location, camera, dayObs string) ([]models.NightReportArtifact, error) {
	_, archived, err := a.snapshotFor(location, camera)
	if err != nil {
		return nil, err
	}
	if archived == nil {
		return []models.NightReportArtifact{}, nil
	}
	return append([]models.NightReportArtifact{}, archived.nightReports[dayObs]...), nil
}

// ChannelTable rebuilds the camera table for a past day.
func (a *Archive) ChannelTable(location, camera, dayObs string) (models.Table, error) {
	_, archived, err := a.snapshotFor(location, camera)
	if err != nil {
		return nil, err
	}
	if archived == nil {
		return models.Table{}, nil
	}
	events, err := eventsFor(archived, dayObs)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", location, camera, err)
	}
	return models.BuildTable(events, archived.perDay), nil
}

func (a *Archive) PerDayFor(location, camera, dayObs string) (map[string]models.Event, error) {
	_, archived, err := a.snapshotFor(location, camera)
	if err != nil {
		return nil, err
	}
	if archived == nil {
		return map[string]models.Event{}, nil
	}
	events, err := eventsFor(archived, dayObs)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", location, camera, err)
	}
	return models.BuildPerDay(models.LatestByChannel(events), archived.perDay), nil
}

// MetadataFor fetches a past day's metadata sidecar the first time it is asked for and serves
// it from memory afterwards.
func (a *Archive) MetadataFor(ctx context.Context, location, camera, dayObs string) (map[string]any, error) {
	_, archived, err := a.snapshotFor(location, camera)
	if err != nil {
		return nil, err
	}
	if archived == nil {
		return map[string]any{}, nil
	}

	object, ok, err := models.SingleMetadata(archived.metadata[dayObs], camera, dayObs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{}, nil
	}

	cacheKey := object.Key + "@" + object.Hash
	a.mu.RLock()
	cached, hit := a.metadata[cacheKey]
	a.mu.RUnlock()
	if hit {
		return maps.Clone(cached), nil
	}

	store, ok := a.stores[location]
	if !ok {
		return map[string]any{}, nil
	}
	payload, err := store.GetObject(ctx, object.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata %s: %w", object.Key, err)
	}
	metadata := map[string]any{}
	if payload != nil {
		if err := json.Unmarshal(payload, &metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", object.Key, err)
		}
	}

	a.mu.Lock()
	a.metadata[cacheKey] = metadata
	a.mu.Unlock()
	return maps.Clone(metadata), nil
}
