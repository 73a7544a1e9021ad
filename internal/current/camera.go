package current

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"rubintv/services/backend/internal/artifacts"
	"rubintv/services/backend/internal/config"
	"rubintv/services/backend/internal/metrics"
	"rubintv/services/backend/internal/models"
	"rubintv/services/backend/internal/notify"
)

type NightReport struct {
	DayObs   string                       `json:"dayObs"`
	Text     map[string]string            `json:"text"`
	Plots    []models.NightReportArtifact `json:"plots"`
	Metadata map[string]any               `json:"metadata,omitempty"`
}

type cameraState struct {
	listing []models.Object
	events  []models.Event
	latest  map[string]models.Event
	table   models.Table
	perDay  map[string]models.Event

	metadataKey  string
	metadataHash string
	metadata     map[string]any

	nightReportArtifacts []models.NightReportArtifact
	nightReport          *NightReport
}

func newCameraState() *cameraState {
	return &cameraState{
		latest: make(map[string]models.Event),
		table:  make(models.Table),
		perDay: make(map[string]models.Event),
	}
}

// errVanished marks an object that was listed but gone by the time it was fetched.
var errVanished = errors.New("listed object no longer exists")

type notification struct {
	key      notify.ServiceKey
	dataType string
	data     any
}

// pollCamera runs one cycle for one camera. State is computed from a snapshot, committed under
// the write lock and only then published, in the order metadata, night report, channel events,
// derived views.
func (t *Tracker) pollCamera(ctx context.Context, camera config.Camera) error {
	day := t.DayObs()
	listing, err := t.store.ListObjects(ctx, camera.Name+"/"+day+"/")
	if err != nil {
		metrics.PollErrors.WithLabelValues(t.location.Name, camera.Name, errorKind(err)).Inc()
		return fmt.Errorf("list %s/%s: %w", camera.Name, day, err)
	}
	slices.SortFunc(listing, func(a, b models.Object) int {
		return strings.Compare(a.Key, b.Key)
	})

	t.mu.RLock()
	prev, tracked := t.cameras[camera.Name]
	unchanged := tracked && prev.listing != nil && slices.Equal(prev.listing, listing)
	t.mu.RUnlock()
	if !tracked || unchanged {
		return nil
	}

	parts, err := models.Partition(ctx, listing)
	if err != nil {
		return err
	}
	t.logRejected(camera.Name, parts.Rejected)

	next := *prev
	var (
		notes    []notification
		fetchErr error
	)

	note, err := t.updateMetadata(ctx, camera.Name, day, parts, prev, &next)
	fetchErr = errors.Join(fetchErr, err)
	notes = appendNote(notes, note)

	note, err = t.updateNightReport(ctx, camera.Name, day, parts, prev, &next)
	fetchErr = errors.Join(fetchErr, err)
	notes = appendNote(notes, note)

	models.SortEvents(parts.Events)
	next.events = parts.Events
	next.latest = models.LatestByChannel(parts.Events)
	for _, channel := range sortedKeys(next.latest) {
		event := next.latest[channel]
		if previous, ok := prev.latest[channel]; ok && previous.Key == event.Key {
			continue
		}
		notes = append(notes, notification{
			key:      notify.ChannelKey(t.location.Name, camera.Name, channel),
			dataType: notify.DataTypeEvent,
			data:     event,
		})
	}

	next.table = models.BuildTable(parts.Events, camera.IsPerDay)
	if !prev.table.Equal(next.table) {
		notes = append(notes, notification{
			key:      notify.CameraKey(t.location.Name, camera.Name),
			dataType: notify.DataTypeChannelData,
			data:     next.table,
		})
	}
	next.perDay = models.BuildPerDay(next.latest, camera.IsPerDay)
	if !maps.Equal(prev.perDay, next.perDay) {
		notes = append(notes, notification{
			key:      notify.CameraKey(t.location.Name, camera.Name),
			dataType: notify.DataTypePerDay,
			data:     next.perDay,
		})
	}

	// a failed fetch leaves listing unset so the next cycle retries
	if fetchErr == nil {
		next.listing = listing
	} else {
		next.listing = nil
		metrics.PollErrors.WithLabelValues(t.location.Name, camera.Name, errorKind(fetchErr)).Inc()
	}

	t.mu.Lock()
	if t.dayObs != day {
		t.mu.Unlock()
		return nil
	}
	t.cameras[camera.Name] = &next
	t.mu.Unlock()

	for _, note := range notes {
		if err := t.publisher.Publish(ctx, note.key, note.dataType, day, note.data); err != nil {
			t.logger.Warn().Err(err).Str("service", note.key.String()).Str("data_type", note.dataType).Msg("publish failed")
		}
	}
	return fetchErr
}

func (t *Tracker) updateMetadata(
	ctx context.Context,
	camera, day string,
	parts models.Partitioned,
	prev *cameraState,
	next *cameraState,
) (*notification, error) {
	object, ok, err := parts.MetadataObject(camera, day)
	if err != nil {
		metrics.PollErrors.WithLabelValues(t.location.Name, camera, "ambiguous").Inc()
		t.logger.Warn().Err(err).Str("camera", camera).Msg("skipping metadata update")
		return nil, nil
	}
	if !ok || (object.Key == prev.metadataKey && object.Hash == prev.metadataHash) {
		return nil, nil
	}

	payload, err := t.store.GetObject(ctx, object.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata %s: %w", object.Key, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("fetch metadata %s: %w", object.Key, errVanished)
	}

	next.metadataKey = object.Key
	next.metadataHash = object.Hash
	var metadata map[string]any
	if err := json.Unmarshal(payload, &metadata); err != nil {
		t.logger.Warn().Err(err).Str("key", object.Key).Msg("metadata is not a json object")
		return nil, nil
	}
	next.metadata = metadata

	return &notification{
		key:      notify.CameraKey(t.location.Name, camera),
		dataType: notify.DataTypeMetadata,
		data:     metadata,
	}, nil
}

func (t *Tracker) updateNightReport(
	ctx context.Context,
	camera, day string,
	parts models.Partitioned,
	prev *cameraState,
	next *cameraState,
) (*notification, error) {
	if models.SameArtifacts(prev.nightReportArtifacts, parts.NightReports) {
		return nil, nil
	}
	metadataArtifact, hasMetadata, err := parts.NightReportMetadata(camera, day)
	if err != nil {
		metrics.PollErrors.WithLabelValues(t.location.Name, camera, "ambiguous").Inc()
		t.logger.Warn().Err(err).Str("camera", camera).Msg("skipping night report update")
		return nil, nil
	}

	previous := make(map[string]models.NightReportArtifact, len(prev.nightReportArtifacts))
	for _, artifact := range prev.nightReportArtifacts {
		previous[artifact.Key] = artifact
	}

	report := &NightReport{
		DayObs: day,
		Text:   make(map[string]string),
		Plots:  make([]models.NightReportArtifact, 0, len(parts.NightReports)),
	}
	for _, artifact := range parts.NightReports {
		switch {
		case artifact.IsMetadata():
		case artifact.IsText():
			if old, ok := previous[artifact.Key]; ok && old.Equal(artifact) && prev.nightReport != nil {
				report.Text[artifact.Filename] = prev.nightReport.Text[artifact.Filename]
				continue
			}
			payload, err := t.store.GetObject(ctx, artifact.Key)
			if err != nil {
				return nil, fmt.Errorf("fetch night report text %s: %w", artifact.Key, err)
			}
			if payload == nil {
				return nil, fmt.Errorf("fetch night report text %s: %w", artifact.Key, errVanished)
			}
			report.Text[artifact.Filename] = string(payload)
		default:
			report.Plots = append(report.Plots, artifact)
		}
	}

	if hasMetadata {
		if old, ok := previous[metadataArtifact.Key]; ok && old.Equal(metadataArtifact) && prev.nightReport != nil {
			report.Metadata = prev.nightReport.Metadata
		} else {
			payload, err := t.store.GetObject(ctx, metadataArtifact.Key)
			if err != nil {
				return nil, fmt.Errorf("fetch night report metadata %s: %w", metadataArtifact.Key, err)
			}
			if payload != nil {
				if err := json.Unmarshal(payload, &report.Metadata); err != nil {
					t.logger.Warn().Err(err).Str("key", metadataArtifact.Key).Msg("night report metadata is not a json object")
				}
			}
		}
	}

	next.nightReportArtifacts = parts.NightReports
	next.nightReport = report
	return &notification{
		key:      notify.NightReportKey(t.location.Name, camera),
		dataType: notify.DataTypeNightReport,
		data:     report,
	}, nil
}

func (t *Tracker) logRejected(camera string, rejected []*models.ParseError) {
	for _, err := range rejected {
		metrics.ParseErrors.Inc()
		if t.badKeys.First(err.Key) {
			t.logger.Warn().Err(err).Str("camera", camera).Str("key", err.Key).Msg("dropping malformed key")
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func appendNote(notes []notification, note *notification) []notification {
	if note == nil {
		return notes
	}
	return append(notes, *note)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, artifacts.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, artifacts.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errVanished):
		return "vanished"
	default:
		return "store"
	}
}
