package models

import (
	"fmt"
	"strings"
)

// ParseError reports a storage key that does not match its grammar.
type ParseError struct {
	Key    string
	Reason string
}

func newParseError(key, format string, args ...any) *ParseError {
	return &ParseError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse key %q: %s", e.Key, e.Reason)
}

// AmbiguousArtifactError reports more than one candidate for an artifact that must be
// singular per camera and day.
type AmbiguousArtifactError struct {
	Camera string
	DayObs string
	Kind   string
	Keys   []string
}

func (e *AmbiguousArtifactError) Error() string {
	return fmt.Sprintf(
		"ambiguous %s artifact camera=%s day_obs=%s candidates=%s",
		e.Kind,
		e.Camera,
		e.DayObs,
		strings.Join(e.Keys, ","),
	)
}
