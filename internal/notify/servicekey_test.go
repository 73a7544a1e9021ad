package notify

import "testing"

func TestParseServiceKey(t *testing.T) {
	tests := []struct {
		raw  string
		want ServiceKey
	}{
		{"camera slac/lsstcam", CameraKey("slac", "lsstcam")},
		{"channel summit/auxtel/monitor", ChannelKey("summit", "auxtel", "monitor")},
		{"nightreport slac/lsstcam", NightReportKey("slac", "lsstcam")},
		{"detectors", DetectorsKey()},
		{" historicalStatus ", HistoricalStatusKey()},
	}
	for _, tt := range tests {
		got, err := ParseServiceKey(tt.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("parse %q: got %+v want %+v", tt.raw, got, tt.want)
		}
		if reparsed, _ := ParseServiceKey(got.String()); reparsed != got {
			t.Fatalf("String() of %q does not round trip: %q", tt.raw, got.String())
		}
	}
}

func TestParseServiceKeyRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"camera",
		"camera slac",
		"camera slac/lsstcam/extra",
		"channel slac/lsstcam",
		"camera slac//",
		"detectors slac",
		"unknown slac/lsstcam",
	} {
		if _, err := ParseServiceKey(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
