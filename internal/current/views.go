package current

import (
	"context"
	"maps"

	"rubintv/services/backend/internal/models"
	"rubintv/services/backend/internal/notify"
)

func (t *Tracker) camera(name string) (*cameraState, bool) {
	state, ok := t.cameras[name]
	return state, ok
}

func (t *Tracker) CurrentObjects(camera string) []models.Object {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.camera(camera)
	if !ok {
		return []models.Object{}
	}
	return append([]models.Object{}, state.listing...)
}

func (t *Tracker) CurrentEvents(camera string) []models.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.camera(camera)
	if !ok {
		return []models.Event{}
	}
	return append([]models.Event{}, state.events...)
}

func (t *Tracker) CurrentTable(camera string) models.Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.camera(camera)
	if !ok {
		return models.Table{}
	}
	return state.table.Clone()
}

func (t *Tracker) CurrentMetadata(camera string) map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.camera(camera)
	if !ok || state.metadata == nil {
		return map[string]any{}
	}
	return maps.Clone(state.metadata)
}

func (t *Tracker) CurrentPerDay(camera string) map[string]models.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.camera(camera)
	if !ok {
		return map[string]models.Event{}
	}
	return maps.Clone(state.perDay)
}

func (t *Tracker) CurrentChannelEvent(camera, channel string) (models.Event, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.camera(camera)
	if !ok {
		return models.Event{}, false
	}
	event, ok := state.latest[channel]
	return event, ok
}

func (t *Tracker) CurrentNightReport(camera string) (NightReport, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.camera(camera)
	if !ok || state.nightReport == nil {
		return NightReport{}, false
	}
	report := *state.nightReport
	report.Text = maps.Clone(report.Text)
	report.Plots = append([]models.NightReportArtifact{}, report.Plots...)
	return report, true
}

// SendCurrent pushes the cached view behind key to one newly subscribed client.
func (t *Tracker) SendCurrent(ctx context.Context, clientID string, key notify.ServiceKey) {
	if key.Location != t.location.Name {
		return
	}
	if _, ok := t.location.Camera(key.Camera); !ok {
		return
	}

	day := t.DayObs()
	var notes []notification
	switch key.Service {
	case notify.ServiceCamera:
		if metadata := t.CurrentMetadata(key.Camera); len(metadata) > 0 {
			notes = append(notes, notification{key: key, dataType: notify.DataTypeMetadata, data: metadata})
		}
		notes = append(notes,
			notification{key: key, dataType: notify.DataTypeChannelData, data: t.CurrentTable(key.Camera)},
			notification{key: key, dataType: notify.DataTypePerDay, data: t.CurrentPerDay(key.Camera)},
		)
	case notify.ServiceChannel:
		if event, ok := t.CurrentChannelEvent(key.Camera, key.Channel); ok {
			notes = append(notes, notification{key: key, dataType: notify.DataTypeEvent, data: event})
		}
	case notify.ServiceNightReport:
		if report, ok := t.CurrentNightReport(key.Camera); ok {
			notes = append(notes, notification{key: key, dataType: notify.DataTypeNightReport, data: report})
		}
	}

	for _, note := range notes {
		if err := t.publisher.Send(ctx, clientID, note.key, note.dataType, day, note.data); err != nil {
			t.logger.Debug().Err(err).Str("client_id", clientID).Str("service", key.String()).Msg("send current view")
			return
		}
	}
}
