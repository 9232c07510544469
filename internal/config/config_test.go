package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvYTDLP, "")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, expected %q", cfg.DataDir, dir)
	}
	if cfg.Refresh.BatchSize != 20 || cfg.Backfill.Concurrency != 50 || cfg.Backfill.BatchSize != 5 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Settings.Player != "mpv" || !cfg.Settings.HideShorts {
		t.Errorf("unexpected settings defaults: %+v", cfg.Settings)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvYTDLP, "")

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Refresh.Interval = Duration(45 * time.Minute)
	cfg.Settings.Player = "vlc"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"45m0s"`) {
		t.Errorf("durations should be written as strings: %s", data)
	}

	loaded, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if time.Duration(loaded.Refresh.Interval) != 45*time.Minute {
		t.Errorf("Interval = %v", time.Duration(loaded.Refresh.Interval))
	}
	if loaded.Settings.Player != "vlc" {
		t.Errorf("Player = %q", loaded.Settings.Player)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvYTDLP, "")
	writeConfig(t, dir, `{"backfill": {"concurrency": 8}}`)

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backfill.Concurrency != 8 {
		t.Errorf("Concurrency = %d, expected 8", cfg.Backfill.Concurrency)
	}
	if cfg.Backfill.BatchSize != 5 {
		t.Errorf("BatchSize = %d, default should survive", cfg.Backfill.BatchSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)
	t.Setenv(EnvYTDLP, "/opt/bin/yt-dlp")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, expected %q", cfg.DataDir, dir)
	}
	if cfg.YTDLP.Binary != "/opt/bin/yt-dlp" {
		t.Errorf("Binary = %q", cfg.YTDLP.Binary)
	}
	if cfg.DBPath() != filepath.Join(dir, "feedingtube.db") {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
}

func TestLegacyDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvLegacy, "")

	if got, want := LegacyDir(), filepath.Join(home, ".config", "youtube-cli"); got != want {
		t.Errorf("LegacyDir = %q, expected %q", got, want)
	}

	t.Setenv(EnvLegacy, "/srv/old-config")
	if got := LegacyDir(); got != "/srv/old-config" {
		t.Errorf("LegacyDir with override = %q", got)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Refresh.BatchSize = 0
	cfg.Backfill.Concurrency = -1
	cfg.YTDLP.Binary = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"refresh.batch_size", "backfill.concurrency", "ytdlp.binary"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"refresh": `},
		{"bad duration", `{"refresh": {"interval": "soon"}}`},
		{"numeric duration", `{"refresh": {"interval": 30}}`},
		{"invalid value", `{"backfill": {"batch_size": 0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			if _, err := LoadFrom(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMergeLegacySettings(t *testing.T) {
	cfg := DefaultConfig()
	raw := map[string]json.RawMessage{
		"player":           json.RawMessage(`"iina"`),
		"videosPerChannel": json.RawMessage(`"lots"`),
		"hideShorts":       json.RawMessage(`false`),
		"theme":            json.RawMessage(`"dark"`),
	}

	merged, skipped := cfg.MergeLegacySettings(raw)
	if len(merged) != 2 || len(skipped) != 1 || skipped[0] != "videosPerChannel" {
		t.Errorf("merged=%v skipped=%v", merged, skipped)
	}
	if cfg.Settings.Player != "iina" || cfg.Settings.HideShorts {
		t.Errorf("settings not merged: %+v", cfg.Settings)
	}
	if cfg.Settings.VideosPerChannel != 15 {
		t.Errorf("bad value should leave default, got %d", cfg.Settings.VideosPerChannel)
	}
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}
