package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInitWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	child := With("tracker")
	child.Info().Str("camera", "auxtel").Msg("poll completed")
	Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, `"component":"tracker"`) || !strings.Contains(out, `"camera":"auxtel"`) {
		t.Fatalf("expected structured fields, got %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug entry to be filtered, got %s", out)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := parseLevel("bogus"); got.String() != "info" {
		t.Fatalf("expected info, got %s", got)
	}
	if got := parseLevel("WARNING"); got.String() != "warn" {
		t.Fatalf("expected warn, got %s", got)
	}
}

func TestOnceReportsEachKeyOnce(t *testing.T) {
	once := NewOnce(2)
	if !once.First("a") || once.First("a") {
		t.Fatal("expected a to be reported exactly once")
	}
	if !once.First("b") {
		t.Fatal("expected b to be new")
	}
	if !once.First("c") {
		t.Fatal("expected c to be new")
	}
	if !once.First("a") {
		t.Fatal("expected a to be forgotten after the set filled up")
	}
}
