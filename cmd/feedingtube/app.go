package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/abelbrown/feedingtube/internal/config"
	"github.com/abelbrown/feedingtube/internal/feed"
	"github.com/abelbrown/feedingtube/internal/logging"
	"github.com/abelbrown/feedingtube/internal/otel"
	"github.com/abelbrown/feedingtube/internal/store"
	"github.com/abelbrown/feedingtube/internal/ytdlp"
)

// globalFlags are the persistent root flags.
type globalFlags struct {
	home    string
	verbose bool
}

// app bundles everything a command needs. Build with openApp, release
// with close.
type app struct {
	cfg    *config.Config
	store  *store.Store
	events *otel.Logger
	ring   *otel.RingBuffer
}

// loadConfig resolves the data directory and reads its config.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	dir := flags.home
	if dir == "" {
		dir = config.DefaultDataDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return config.LoadFrom(dir)
}

// openApp loads config, starts logging and the event log, opens the store
// and imports any legacy JSON state.
func openApp(flags *globalFlags) (*app, error) {
	return newApp(flags, true)
}

func newApp(flags *globalFlags, legacyImport bool) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	if flags.verbose {
		logging.InitWriter(os.Stderr, log.DebugLevel)
	} else if err := logging.Init(cfg.DataDir, log.InfoLevel); err != nil {
		return nil, err
	}

	events, err := otel.Open(cfg.EventsPath())
	if err != nil {
		logging.Warn("Event log unavailable", "error", err)
		events = otel.NewNullLogger()
	}
	ring := otel.NewRingBuffer(otel.DefaultRingSize)
	events.SetRingBuffer(ring)
	events.Info(otel.KindStartup, "main", "feedingtube started")

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		events.Error(otel.KindStoreError, "main", err)
		events.Close()
		logging.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, store: st, events: events, ring: ring}
	if legacyImport {
		a.importLegacy(config.LegacyDir())
	}
	return a, nil
}

// importLegacy runs the one-time legacy import at startup. Problems are
// logged and recorded as events; they never stop the command.
func (a *app) importLegacy(dir string) {
	res, err := a.store.ImportLegacy(dir)
	if err != nil {
		logging.Warn("Legacy import skipped", "dir", dir, "error", err)
		a.events.Error(otel.KindLegacyImport, "main", err)
		return
	}
	if res.AlreadyDone {
		return
	}
	for _, f := range res.Failures {
		a.events.Emit(otel.Event{
			Level: otel.LevelWarn,
			Kind:  otel.KindLegacyImport,
			Comp:  "main",
			Msg:   f.File,
			Err:   f.Reason,
		})
	}
	if res.Sources+res.Items+res.Watched+res.Views > 0 {
		a.events.Emit(otel.Event{
			Level: otel.LevelInfo,
			Kind:  otel.KindLegacyImport,
			Comp:  "main",
			Msg:   "imported legacy state from " + dir,
			Count: res.Sources + res.Items + res.Watched + res.Views,
		})
	}

	if len(res.Settings) == 0 {
		return
	}
	merged, skipped := a.cfg.MergeLegacySettings(res.Settings)
	if len(skipped) > 0 {
		logging.Warn("Legacy settings with unexpected values skipped", "keys", skipped)
	}
	if len(merged) > 0 {
		if err := a.cfg.Save(); err != nil {
			logging.Warn("Could not save merged legacy settings", "error", err)
			return
		}
		logging.Info("Merged legacy settings", "keys", merged, "path", a.cfg.Path())
	}
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logging.Error("Failed to close database", "error", err)
	}
	a.events.Info(otel.KindShutdown, "main", "feedingtube stopped")
	a.events.Close()
	logging.Close()
}

func (a *app) ytdlp() *ytdlp.Client {
	return ytdlp.New(ytdlp.Options{
		Binary:          a.cfg.YTDLP.Binary,
		CallTimeout:     time.Duration(a.cfg.YTDLP.CallTimeout),
		SpawnsPerSecond: a.cfg.YTDLP.SpawnsPerSecond,
		Burst:           a.cfg.YTDLP.Burst,
	})
}

func (a *app) feed() *feed.Client {
	return feed.NewClient(time.Duration(a.cfg.Refresh.FetchTimeout))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// truncate shortens a string to max runes, appending "..." if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// ago formats t relative to now: "3h ago", "2d ago".
func ago(t *time.Time) string {
	if t == nil {
		return "-"
	}
	d := time.Since(*t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 60*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
