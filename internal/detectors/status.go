package detectors

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New()

// Status is the decoded state of one detector's worker pool.
type Status struct {
	Name       string                  `json:"name"`
	Workers    map[string]WorkerStatus `json:"workers"`
	Text       string                  `json:"text,omitempty"`
	NumWorkers int                     `json:"numWorkers"`
}

type WorkerStatus struct {
	Status  string `json:"status" validate:"required"`
	Details string `json:"details,omitempty"`
}

type wireStatus struct {
	Workers    map[string]WorkerStatus `json:"workers" validate:"required,dive"`
	Text       string                  `json:"text"`
	NumWorkers *int                    `json:"numWorkers" validate:"omitempty,gte=0"`
}

// DecodeStatus decodes one stream entry. Two shapes are accepted: a single "payload" field
// holding the whole status as JSON, or flat "workers", "text" and "numWorkers" fields with
// workers JSON-encoded. Anything else is rejected.
func DecodeStatus(name string, values map[string]any) (Status, error) {
	fields := make(map[string]string, len(values))
	for field, value := range values {
		text, ok := value.(string)
		if !ok {
			return Status{}, fmt.Errorf("detector %s: field %q has type %T", name, field, value)
		}
		fields[field] = text
	}

	var wire wireStatus
	if payload, ok := fields["payload"]; ok {
		if len(fields) != 1 {
			return Status{}, fmt.Errorf("detector %s: payload entry has extra fields %s", name, fieldNames(fields))
		}
		if err := decodeStrict(payload, &wire); err != nil {
			return Status{}, fmt.Errorf("detector %s: payload: %w", name, err)
		}
	} else {
		for field, value := range fields {
			switch field {
			case "workers":
				if err := decodeStrict(value, &wire.Workers); err != nil {
					return Status{}, fmt.Errorf("detector %s: workers: %w", name, err)
				}
			case "text":
				wire.Text = value
			case "numWorkers":
				count, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil {
					return Status{}, fmt.Errorf("detector %s: numWorkers %q is not an integer", name, value)
				}
				wire.NumWorkers = &count
			default:
				return Status{}, fmt.Errorf("detector %s: unknown field %q", name, field)
			}
		}
	}

	if err := validate.Struct(wire); err != nil {
		return Status{}, fmt.Errorf("detector %s: %w", name, err)
	}

	status := Status{
		Name:       name,
		Workers:    wire.Workers,
		Text:       wire.Text,
		NumWorkers: len(wire.Workers),
	}
	if wire.NumWorkers != nil {
		status.NumWorkers = *wire.NumWorkers
	}
	return status, nil
}

func decodeStrict(raw string, into any) error {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.DisallowUnknownFields()
	return decoder.Decode(into)
}

func fieldNames(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// detectorName maps a stream key such as "detectors:sfm" to "sfm".
func detectorName(stream string) string {
	if index := strings.LastIndex(stream, ":"); index >= 0 && index < len(stream)-1 {
		return stream[index+1:]
	}
	return stream
}
