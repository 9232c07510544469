package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Environment overrides.
const (
	EnvHome   = "FEEDINGTUBE_HOME"       // data directory
	EnvYTDLP  = "FEEDINGTUBE_YTDLP"      // yt-dlp binary
	EnvLegacy = "FEEDINGTUBE_LEGACY_DIR" // legacy JSON config directory
)

// Config is the persistent application configuration
type Config struct {
	// DataDir holds the database, logs and event log.
	// Not persisted; comes from FEEDINGTUBE_HOME or ~/.feeding-tube.
	DataDir string `json:"-"`

	Settings Settings       `json:"settings"`
	Refresh  RefreshConfig  `json:"refresh"`
	Backfill BackfillConfig `json:"backfill"`
	YTDLP    YTDLPConfig    `json:"ytdlp"`
}

// Settings are user preferences carried over from the legacy JSON config.
type Settings struct {
	Player           string `json:"player"`
	VideosPerChannel int    `json:"videosPerChannel"`
	HideShorts       bool   `json:"hideShorts"`
}

// RefreshConfig controls the incremental feed refresh.
type RefreshConfig struct {
	BatchSize    int      `json:"batch_size"`
	FetchTimeout Duration `json:"fetch_timeout"`
	Interval     Duration `json:"interval"` // refresh --watch period
}

// BackfillConfig controls full-history backfills.
type BackfillConfig struct {
	ListMax       int `json:"list_max"`
	BatchSize     int `json:"batch_size"`
	Concurrency   int `json:"concurrency"`
	FlushEvery    int `json:"flush_every"`    // batches per store write
	ProgressEvery int `json:"progress_every"` // batches per progress update
}

// YTDLPConfig locates and paces the yt-dlp binary.
type YTDLPConfig struct {
	Binary          string   `json:"binary"`
	CallTimeout     Duration `json:"call_timeout"`
	SpawnsPerSecond float64  `json:"spawns_per_second"`
	Burst           int      `json:"burst"`
}

// Duration is a time.Duration that reads and writes as "30s", "15m".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Settings: Settings{
			Player:           "mpv",
			VideosPerChannel: 15,
			HideShorts:       true,
		},
		Refresh: RefreshConfig{
			BatchSize:    20,
			FetchTimeout: Duration(15 * time.Second),
			Interval:     Duration(30 * time.Minute),
		},
		Backfill: BackfillConfig{
			ListMax:       5000,
			BatchSize:     5,
			Concurrency:   50,
			FlushEvery:    20,
			ProgressEvery: 10,
		},
		YTDLP: YTDLPConfig{
			Binary:          "yt-dlp",
			CallTimeout:     Duration(60 * time.Second),
			SpawnsPerSecond: 10,
			Burst:           10,
		},
	}
}

// DefaultDataDir returns FEEDINGTUBE_HOME, or ~/.feeding-tube.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".feeding-tube")
}

// LegacyDir returns where the old JSON-file version kept its
// subscriptions.json, watched.json and videos.json: FEEDINGTUBE_LEGACY_DIR,
// or ~/.config/youtube-cli.
func LegacyDir() string {
	if dir := os.Getenv(EnvLegacy); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "youtube-cli")
}

// Path returns the path to the config file
func (c *Config) Path() string {
	return filepath.Join(c.DataDir, "config.json")
}

// DBPath returns the path to the SQLite database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "feedingtube.db")
}

// EventsPath returns the path to the JSONL event log.
func (c *Config) EventsPath() string {
	return filepath.Join(c.DataDir, "events.jsonl")
}

// Load reads config from the default data dir, or returns defaults.
func Load() (*Config, error) {
	return LoadFrom(DefaultDataDir())
}

// LoadFrom reads dir/config.json over the defaults. A missing file is not
// an error. Environment overrides are applied last, then the result is
// validated.
func LoadFrom(dir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DataDir = dir

	data, err := os.ReadFile(cfg.Path())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfg.Path(), err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if bin := os.Getenv(EnvYTDLP); bin != "" {
		c.YTDLP.Binary = bin
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.DataDir == "" {
		result = multierror.Append(result, errors.New("data directory is required"))
	}
	if c.Settings.VideosPerChannel < 1 {
		result = multierror.Append(result, errors.New("settings.videosPerChannel must be positive"))
	}
	if c.Refresh.BatchSize < 1 {
		result = multierror.Append(result, errors.New("refresh.batch_size must be positive"))
	}
	if c.Refresh.FetchTimeout <= 0 {
		result = multierror.Append(result, errors.New("refresh.fetch_timeout must be positive"))
	}
	if c.Refresh.Interval < Duration(time.Minute) {
		result = multierror.Append(result, errors.New("refresh.interval must be at least 1m"))
	}
	if c.Backfill.ListMax < 1 {
		result = multierror.Append(result, errors.New("backfill.list_max must be positive"))
	}
	if c.Backfill.BatchSize < 1 {
		result = multierror.Append(result, errors.New("backfill.batch_size must be positive"))
	}
	if c.Backfill.Concurrency < 1 {
		result = multierror.Append(result, errors.New("backfill.concurrency must be positive"))
	}
	if c.Backfill.FlushEvery < 1 {
		result = multierror.Append(result, errors.New("backfill.flush_every must be positive"))
	}
	if c.Backfill.ProgressEvery < 1 {
		result = multierror.Append(result, errors.New("backfill.progress_every must be positive"))
	}
	if c.YTDLP.Binary == "" {
		result = multierror.Append(result, errors.New("ytdlp.binary is required"))
	}
	if c.YTDLP.CallTimeout <= 0 {
		result = multierror.Append(result, errors.New("ytdlp.call_timeout must be positive"))
	}
	if c.YTDLP.SpawnsPerSecond <= 0 {
		result = multierror.Append(result, errors.New("ytdlp.spawns_per_second must be positive"))
	}

	return result.ErrorOrNil()
}

// Save writes config to disk
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.Path(), data, 0644)
}

// MergeLegacySettings copies known keys from a legacy settings object.
// Values of the wrong type are skipped and reported by key.
func (c *Config) MergeLegacySettings(raw map[string]json.RawMessage) (merged []string, skipped []string) {
	decode := func(key string, dst any) {
		v, ok := raw[key]
		if !ok {
			return
		}
		if err := json.Unmarshal(v, dst); err != nil {
			skipped = append(skipped, key)
			return
		}
		merged = append(merged, key)
	}

	decode("player", &c.Settings.Player)
	decode("videosPerChannel", &c.Settings.VideosPerChannel)
	decode("hideShorts", &c.Settings.HideShorts)
	return merged, skipped
}
