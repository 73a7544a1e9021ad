package models

import (
	"strings"
	"time"
)

const (
	nightReportSegment   = "night_report"
	nightReportMetadata  = "metadata"
	nightReportTextMark  = "_md"
	metadataFileSuffix   = "metadata.json"
	NightReportTextGroup = "text"
)

// NightReportArtifact is one file of a camera's night report. Unlike Event, its content hash
// is the change signal.
type NightReportArtifact struct {
	Key        string `json:"key"`
	Hash       string `json:"hash"`
	CameraName string `json:"camera_name"`
	DayObs     string `json:"day_obs"`
	Group      string `json:"group"`
	Filename   string `json:"filename"`
	Ext        string `json:"ext"`
}

// ParseNightReportArtifact accepts camera/day_obs/night_report/group/filename.ext and
// camera/day_obs/night_report/filename_md.ext. The latter is placed in the text group.
func ParseNightReportArtifact(key, hash string) (NightReportArtifact, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 && len(parts) != 5 {
		return NightReportArtifact{}, newParseError(key, "expected 4 or 5 path segments, got %d", len(parts))
	}
	for index, part := range parts {
		if part == "" {
			return NightReportArtifact{}, newParseError(key, "empty path segment %d", index)
		}
	}
	if parts[2] != nightReportSegment {
		return NightReportArtifact{}, newParseError(key, "segment 2 must be %q", nightReportSegment)
	}
	if _, err := time.Parse(DayObsLayout, parts[1]); err != nil {
		return NightReportArtifact{}, newParseError(key, "invalid day_obs %q", parts[1])
	}

	filename := parts[len(parts)-1]
	ext, ok := extension(filename)
	if !ok {
		return NightReportArtifact{}, newParseError(key, "filename %q has no extension", filename)
	}

	group := NightReportTextGroup
	if len(parts) == 5 {
		group = parts[3]
	} else if !strings.HasSuffix(strings.TrimSuffix(filename, "."+ext), nightReportTextMark) {
		return NightReportArtifact{}, newParseError(key, "ungrouped night report file %q must end with %s", filename, nightReportTextMark)
	}

	return NightReportArtifact{
		Key:        key,
		Hash:       hash,
		CameraName: parts[0],
		DayObs:     parts[1],
		Group:      group,
		Filename:   filename,
		Ext:        ext,
	}, nil
}

func (a NightReportArtifact) Equal(other NightReportArtifact) bool {
	return a.Key == other.Key && a.Hash == other.Hash
}

func (a NightReportArtifact) IsText() bool {
	return a.Group == NightReportTextGroup
}

func (a NightReportArtifact) IsMetadata() bool {
	return a.Group == nightReportMetadata
}

// SameArtifacts reports whether both sets contain the same keys with the same hashes.
func SameArtifacts(a, b []NightReportArtifact) bool {
	if len(a) != len(b) {
		return false
	}
	byKey := make(map[string]string, len(a))
	for _, artifact := range a {
		byKey[artifact.Key] = artifact.Hash
	}
	for _, artifact := range b {
		hash, ok := byKey[artifact.Key]
		if !ok || hash != artifact.Hash {
			return false
		}
	}
	return true
}

// IsNightReportKey reports whether a key lives under camera/day_obs/night_report/.
func IsNightReportKey(key string) bool {
	parts := strings.SplitN(key, "/", 4)
	return len(parts) == 4 && parts[2] == nightReportSegment
}

// IsMetadataKey reports whether a key is a camera/day_obs/*metadata.json sidecar file.
func IsMetadataKey(key string) bool {
	parts := strings.Split(key, "/")
	return len(parts) == 3 && strings.HasSuffix(parts[2], metadataFileSuffix)
}
