package models

import (
	"context"
	"errors"
	"strings"
)

const partitionChunkSize = 512

// Object is one entry of an object-store listing.
type Object struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// Partitioned is a listing split into its metadata, night report and channel event subsets.
type Partitioned struct {
	Metadata     []Object
	NightReports []NightReportArtifact
	Events       []Event
	Rejected     []*ParseError
}

// Partition splits a listing. Work is chunked and ctx is checked between chunks so a large
// listing never runs unbounded without a cancellation point.
func Partition(ctx context.Context, objects []Object) (Partitioned, error) {
	result := Partitioned{
		Events: make([]Event, 0, len(objects)),
	}

	for start := 0; start < len(objects); start += partitionChunkSize {
		if err := ctx.Err(); err != nil {
			return Partitioned{}, err
		}

		end := min(start+partitionChunkSize, len(objects))
		for _, object := range objects[start:end] {
			result.add(object)
		}
	}
	return result, nil
}

func (p *Partitioned) add(object Object) {
	switch {
	case IsMetadataKey(object.Key):
		p.Metadata = append(p.Metadata, object)
	case IsNightReportKey(object.Key):
		artifact, err := ParseNightReportArtifact(object.Key, object.Hash)
		if err != nil {
			p.reject(err)
			return
		}
		p.NightReports = append(p.NightReports, artifact)
	default:
		event, err := ParseEvent(object.Key)
		if err != nil {
			p.reject(err)
			return
		}
		p.Events = append(p.Events, event)
	}
}

func (p *Partitioned) reject(err error) {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		p.Rejected = append(p.Rejected, parseErr)
	}
}

// MetadataObject returns the single metadata sidecar, false when there is none, or an
// AmbiguousArtifactError when there is more than one.
func (p Partitioned) MetadataObject(camera, dayObs string) (Object, bool, error) {
	return singleObject(p.Metadata, camera, dayObs, "metadata")
}

// NightReportMetadata returns the singular night report metadata artifact.
func (p Partitioned) NightReportMetadata(camera, dayObs string) (NightReportArtifact, bool, error) {
	var found []NightReportArtifact
	for _, artifact := range p.NightReports {
		if artifact.IsMetadata() {
			found = append(found, artifact)
		}
	}
	switch len(found) {
	case 0:
		return NightReportArtifact{}, false, nil
	case 1:
		return found[0], true, nil
	default:
		keys := make([]string, 0, len(found))
		for _, artifact := range found {
			keys = append(keys, artifact.Key)
		}
		return NightReportArtifact{}, false, &AmbiguousArtifactError{
			Camera: camera,
			DayObs: dayObs,
			Kind:   "night report metadata",
			Keys:   keys,
		}
	}
}

// MetadataByDay groups metadata sidecars by their day_obs segment.
func (p Partitioned) MetadataByDay() map[string][]Object {
	byDay := make(map[string][]Object)
	for _, object := range p.Metadata {
		parts := strings.Split(object.Key, "/")
		byDay[parts[1]] = append(byDay[parts[1]], object)
	}
	return byDay
}

func singleObject(objects []Object, camera, dayObs, kind string) (Object, bool, error) {
	switch len(objects) {
	case 0:
		return Object{}, false, nil
	case 1:
		return objects[0], true, nil
	default:
		keys := make([]string, 0, len(objects))
		for _, object := range objects {
			keys = append(keys, object.Key)
		}
		return Object{}, false, &AmbiguousArtifactError{Camera: camera, DayObs: dayObs, Kind: kind, Keys: keys}
	}
}

// SingleMetadata picks the only object from a day's metadata group.
func SingleMetadata(objects []Object, camera, dayObs string) (Object, bool, error) {
	return singleObject(objects, camera, dayObs, "metadata")
}
