package notify

import (
	"fmt"
	"strings"
)

const (
	ServiceCamera           = "camera"
	ServiceChannel          = "channel"
	ServiceNightReport      = "nightreport"
	ServiceDetectors        = "detectors"
	ServiceHistoricalStatus = "historicalStatus"
)

const (
	DataTypeMetadata         = "metadata"
	DataTypeNightReport      = "nightReport"
	DataTypeEvent            = "event"
	DataTypeChannelData      = "channelData"
	DataTypePerDay           = "perDay"
	DataTypeDayChange        = "dayChange"
	DataTypeDetectorStatus   = "detectorStatus"
	DataTypeHistoricalStatus = "historicalStatus"
)

// ServiceKey routes a notification to its subscribers, e.g. "camera slac/lsstcam" or
// "channel slac/lsstcam/focal_plane_mosaic".
type ServiceKey struct {
	Service  string
	Location string
	Camera   string
	Channel  string
}

func CameraKey(location, camera string) ServiceKey {
	return ServiceKey{Service: ServiceCamera, Location: location, Camera: camera}
}

func ChannelKey(location, camera, channel string) ServiceKey {
	return ServiceKey{Service: ServiceChannel, Location: location, Camera: camera, Channel: channel}
}

func NightReportKey(location, camera string) ServiceKey {
	return ServiceKey{Service: ServiceNightReport, Location: location, Camera: camera}
}

func DetectorsKey() ServiceKey {
	return ServiceKey{Service: ServiceDetectors}
}

func HistoricalStatusKey() ServiceKey {
	return ServiceKey{Service: ServiceHistoricalStatus}
}

func (k ServiceKey) String() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{k.Location, k.Camera, k.Channel} {
		if part == "" {
			break
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return k.Service
	}
	return k.Service + " " + strings.Join(parts, "/")
}

// ParseServiceKey parses "<service> <location>/<camera>[/<channel>]". The detectors and
// historicalStatus services take no path.
func ParseServiceKey(raw string) (ServiceKey, error) {
	raw = strings.TrimSpace(raw)
	service, path, _ := strings.Cut(raw, " ")
	path = strings.TrimSpace(path)

	var segments []string
	if path != "" {
		segments = strings.Split(path, "/")
		for _, segment := range segments {
			if strings.TrimSpace(segment) == "" {
				return ServiceKey{}, fmt.Errorf("service key %q: empty path segment", raw)
			}
		}
	}

	want := 0
	switch service {
	case ServiceCamera, ServiceNightReport:
		want = 2
	case ServiceChannel:
		want = 3
	case ServiceDetectors, ServiceHistoricalStatus:
		want = 0
	default:
		return ServiceKey{}, fmt.Errorf("service key %q: unknown service %q", raw, service)
	}
	if len(segments) != want {
		return ServiceKey{}, fmt.Errorf("service key %q: %s expects %d path segments, got %d", raw, service, want, len(segments))
	}

	key := ServiceKey{Service: service}
	if want >= 2 {
		key.Location = segments[0]
		key.Camera = segments[1]
	}
	if want == 3 {
		key.Channel = segments[2]
	}
	return key, nil
}
