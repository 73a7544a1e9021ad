package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
listen_addr: ":9090"
poll:
  interval: 2s
locations:
  - name: summit
    bucket: rubintv-summit
    cameras:
      - name: auxtel
        online: true
        channels:
          - name: monitor
          - name: movie
            per_day: true
      - name: allsky
        online: false
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadLayersFileAndEnvironment(t *testing.T) {
	t.Setenv(configPathEnv, writeConfig(t, sampleConfig))
	t.Setenv("RUBINTV_S3__BUCKET", "from-env")
	t.Setenv("RUBINTV_REDIS__STREAMS", "detectors:a,detectors:b")
	t.Setenv("RUBINTV_POLL__ARCHIVE_LIST_TIMEOUT", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Fatalf("expected listen addr from file, got %q", cfg.ListenAddr)
	}
	if cfg.Poll.Interval != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %s", cfg.Poll.Interval)
	}
	if cfg.Poll.ArchiveCheckInterval != 30*time.Second {
		t.Fatalf("expected default archive interval, got %s", cfg.Poll.ArchiveCheckInterval)
	}
	if cfg.Poll.ArchiveListTimeout != 10*time.Minute || cfg.Poll.ArchiveListTimeout == cfg.Poll.ListTimeout {
		t.Fatalf("expected a separate archive list timeout from env, got %s (day listing %s)",
			cfg.Poll.ArchiveListTimeout, cfg.Poll.ListTimeout)
	}
	if cfg.Poll.ArchiveReloadTimeout != 30*time.Minute {
		t.Fatalf("expected default archive reload timeout, got %s", cfg.Poll.ArchiveReloadTimeout)
	}
	if cfg.S3.Bucket != "from-env" {
		t.Fatalf("expected bucket from env, got %q", cfg.S3.Bucket)
	}
	if len(cfg.Redis.Streams) != 2 || cfg.Redis.Streams[1] != "detectors:b" {
		t.Fatalf("expected streams from env, got %v", cfg.Redis.Streams)
	}

	summit, ok := cfg.Location("summit")
	if !ok {
		t.Fatal("expected summit location")
	}
	auxtel, ok := summit.Camera("auxtel")
	if !ok || !auxtel.IsPerDay("movie") || auxtel.IsPerDay("monitor") {
		t.Fatalf("unexpected camera config: %+v", auxtel)
	}
	if online := summit.OnlineCameras(); len(online) != 1 || online[0].Name != "auxtel" {
		t.Fatalf("expected only auxtel online, got %+v", online)
	}
	if cfg.RolloverOffset() != -12*time.Hour {
		t.Fatalf("expected -12h rollover offset, got %s", cfg.RolloverOffset())
	}
}

func TestValidateRejectsDuplicateLocations(t *testing.T) {
	cfg := defaults()
	cfg.Locations = []Location{{Name: "summit"}, {Name: "summit"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected duplicate location to be rejected")
	}
}

func TestValidateRejectsNonPositiveInterval(t *testing.T) {
	cfg := defaults()
	cfg.Poll.Interval = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected zero poll interval to be rejected")
	}
}

func TestEnvKey(t *testing.T) {
	if got := envKey("RUBINTV_POLL__LIST_TIMEOUT"); got != "poll.list_timeout" {
		t.Fatalf("unexpected key %q", got)
	}
}
