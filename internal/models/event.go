package models

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	DayObsLayout = "2006-01-02"
	finalSeq     = "final"
)

// SeqNum is either a non-negative sequence number or the end-of-night "final" sentinel.
type SeqNum struct {
	value int
	final bool
}

func NewSeqNum(value int) SeqNum {
	return SeqNum{value: value}
}

func FinalSeqNum() SeqNum {
	return SeqNum{final: true}
}

func ParseSeqNum(raw string) (SeqNum, error) {
	if raw == finalSeq {
		return FinalSeqNum(), nil
	}
	if raw == "" {
		return SeqNum{}, strconv.ErrSyntax
	}
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return SeqNum{}, strconv.ErrSyntax
		}
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return SeqNum{}, err
	}
	return SeqNum{value: value}, nil
}

func (s SeqNum) IsFinal() bool {
	return s.final
}

// Int returns the numeric sequence number. It is meaningless for the final sentinel.
func (s SeqNum) Int() int {
	return s.value
}

func (s SeqNum) String() string {
	if s.final {
		return finalSeq
	}
	return strconv.Itoa(s.value)
}

func (s SeqNum) MarshalJSON() ([]byte, error) {
	if s.final {
		return json.Marshal(finalSeq)
	}
	return json.Marshal(s.value)
}

func (s *SeqNum) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := ParseSeqNum(text)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	var value int
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if value < 0 {
		return strconv.ErrRange
	}
	*s = SeqNum{value: value}
	return nil
}

// Event is one observation artifact derived from its storage key. Key is the source of truth.
type Event struct {
	Key         string `json:"key"`
	CameraName  string `json:"camera_name"`
	DayObs      string `json:"day_obs"`
	ChannelName string `json:"channel_name"`
	SeqNum      SeqNum `json:"seq_num"`
	Filename    string `json:"filename"`
	Ext         string `json:"ext"`
}

// ParseEvent parses keys of the form camera/day_obs/channel/(seq_num|final)/filename.ext.
func ParseEvent(key string) (Event, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 {
		return Event{}, newParseError(key, "expected 5 path segments, got %d", len(parts))
	}
	for index, part := range parts {
		if part == "" {
			return Event{}, newParseError(key, "empty path segment %d", index)
		}
	}

	camera, dayObs, channel, rawSeq, filename := parts[0], parts[1], parts[2], parts[3], parts[4]
	if _, err := time.Parse(DayObsLayout, dayObs); err != nil {
		return Event{}, newParseError(key, "invalid day_obs %q", dayObs)
	}

	seq, err := ParseSeqNum(rawSeq)
	if err != nil {
		return Event{}, newParseError(key, "invalid seq_num %q", rawSeq)
	}

	ext, ok := extension(filename)
	if !ok {
		return Event{}, newParseError(key, "filename %q has no extension", filename)
	}

	return Event{
		Key:         key,
		CameraName:  camera,
		DayObs:      dayObs,
		ChannelName: channel,
		SeqNum:      seq,
		Filename:    filename,
		Ext:         ext,
	}, nil
}

// Less orders events by raw key. "final" sorts above zero-padded numeric sequences.
func (e Event) Less(other Event) bool {
	return e.Key < other.Key
}

func CompareEvents(a, b Event) int {
	return strings.Compare(a.Key, b.Key)
}

// LatestEvent returns the event with the greatest key.
func LatestEvent(events []Event) (Event, bool) {
	if len(events) == 0 {
		return Event{}, false
	}
	latest := events[0]
	for _, event := range events[1:] {
		if latest.Less(event) {
			latest = event
		}
	}
	return latest, true
}

// LatestByChannel reduces events to the most recent event per channel.
func LatestByChannel(events []Event) map[string]Event {
	latest := make(map[string]Event)
	for _, event := range events {
		current, ok := latest[event.ChannelName]
		if !ok || current.Less(event) {
			latest[event.ChannelName] = event
		}
	}
	return latest
}

func SortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Less(events[j])
	})
}

func extension(filename string) (string, bool) {
	index := strings.LastIndex(filename, ".")
	if index <= 0 || index == len(filename)-1 {
		return "", false
	}
	return filename[index+1:], true
}
