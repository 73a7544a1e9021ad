package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix     = "RUBINTV_"
	configPathEnv = "CONFIG_PATH"
)

var sliceKeys = []string{"cors_allowed_origins", "redis.streams"}

var defaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/rubintv/config.yaml",
}

type Config struct {
	ListenAddr         string          `koanf:"listen_addr" validate:"required"`
	CORSAllowedOrigins []string        `koanf:"cors_allowed_origins"`
	Log                LogConfig       `koanf:"log"`
	S3                 S3Config        `koanf:"s3"`
	Redis              RedisConfig     `koanf:"redis"`
	Poll               PollConfig      `koanf:"poll"`
	DayObs             DayObsConfig    `koanf:"dayobs"`
	RateLimit          RateLimitConfig `koanf:"rate_limit"`
	Locations          []Location      `koanf:"locations" validate:"dive"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

type S3Config struct {
	Region    string `koanf:"region"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
}

type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	KeyspaceDB   int           `koanf:"keyspace_db" validate:"gte=0"`
	Streams      []string      `koanf:"streams"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	DialTimeout  time.Duration `koanf:"dial_timeout" validate:"gt=0"`
}

type PollConfig struct {
	Interval             time.Duration `koanf:"interval" validate:"gt=0"`
	ArchiveCheckInterval time.Duration `koanf:"archive_check_interval" validate:"gt=0"`
	ListTimeout          time.Duration `koanf:"list_timeout" validate:"gt=0"`
	ArchiveListTimeout   time.Duration `koanf:"archive_list_timeout" validate:"gt=0"`
	ArchiveReloadTimeout time.Duration `koanf:"archive_reload_timeout" validate:"gt=0"`
}

type DayObsConfig struct {
	RolloverOffsetHours int `koanf:"rollover_offset_hours" validate:"gte=-24,lte=24"`
}

type RateLimitConfig struct {
	RequestsPerSec float64 `koanf:"requests_per_sec"`
	Burst          int     `koanf:"burst"`
}

// Location is one site and the cameras whose buckets it serves.
type Location struct {
	Name    string   `koanf:"name" validate:"required"`
	Bucket  string   `koanf:"bucket"`
	Cameras []Camera `koanf:"cameras" validate:"dive"`
}

type Camera struct {
	Name     string    `koanf:"name" validate:"required"`
	Online   bool      `koanf:"online"`
	Channels []Channel `koanf:"channels" validate:"dive"`
}

type Channel struct {
	Name   string `koanf:"name" validate:"required"`
	PerDay bool   `koanf:"per_day"`
}

func (c Camera) IsPerDay(channel string) bool {
	for _, candidate := range c.Channels {
		if candidate.Name == channel {
			return candidate.PerDay
		}
	}
	return false
}

func (l Location) Camera(name string) (Camera, bool) {
	for _, camera := range l.Cameras {
		if camera.Name == name {
			return camera, true
		}
	}
	return Camera{}, false
}

func (l Location) OnlineCameras() []Camera {
	online := make([]Camera, 0, len(l.Cameras))
	for _, camera := range l.Cameras {
		if camera.Online {
			online = append(online, camera)
		}
	}
	return online
}

func (c Config) Location(name string) (Location, bool) {
	for _, location := range c.Locations {
		if location.Name == name {
			return location, true
		}
	}
	return Location{}, false
}

func (c Config) RolloverOffset() time.Duration {
	return time.Duration(c.DayObs.RolloverOffsetHours) * time.Hour
}

func defaults() Config {
	return Config{
		ListenAddr:         ":8080",
		CORSAllowedOrigins: []string{"*"},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Streams:      []string{"detectors:sfm", "detectors:spectrograph"},
			PollInterval: 5 * time.Second,
			DialTimeout:  5 * time.Second,
		},
		Poll: PollConfig{
			Interval:             time.Second,
			ArchiveCheckInterval: 30 * time.Second,
			ListTimeout:          20 * time.Second,
			ArchiveListTimeout:   5 * time.Minute,
			ArchiveReloadTimeout: 30 * time.Minute,
		},
		DayObs: DayObsConfig{
			RolloverOffsetHours: -12,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSec: 25,
			Burst:          50,
		},
	}
}

// Load layers defaults, an optional yaml file and RUBINTV_* environment variables.
// Nested keys use a double underscore: RUBINTV_S3__BUCKET sets s3.bucket.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSliceValues(k); err != nil {
		return Config{}, err
	}

	cfg := Config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := map[string]struct{}{}
	for _, location := range cfg.Locations {
		if _, exists := seen[location.Name]; exists {
			return fmt.Errorf("invalid config: duplicate location %q", location.Name)
		}
		seen[location.Name] = struct{}{}
	}
	return nil
}

// splitSliceValues turns comma-separated env values into lists.
func splitSliceValues(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		value, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		if err := k.Set(key, parseCSV(value)); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}

func envKey(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if path := strings.TrimSpace(os.Getenv(configPathEnv)); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
