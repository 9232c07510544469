package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abelbrown/feedingtube/internal/logging"
)

// Legacy JSON state file names.
const (
	legacySubscriptionsFile = "subscriptions.json"
	legacyWatchedFile       = "watched.json"
	legacyItemsFile         = "videos.json"
)

// ImportResult reports what a legacy import did.
type ImportResult struct {
	AlreadyDone   bool // marker was set before this call; nothing was read
	Sources       int
	Views         int
	Watched       int
	Items         int
	Settings      map[string]json.RawMessage // raw settings for the config layer
	Failures      []ImportFailure
	BackedUpFiles []string
}

// ImportFailure explains why one legacy file was not imported.
type ImportFailure struct {
	File   string
	Reason string
}

type legacySubscriptions struct {
	Subscriptions []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"subscriptions"`
	Settings          map[string]json.RawMessage `json:"settings"`
	ChannelLastViewed map[string]string          `json:"channelLastViewed"`
}

type legacyWatched struct {
	Videos map[string]struct {
		WatchedAt string `json:"watchedAt"`
	} `json:"videos"`
}

type legacyItems struct {
	Videos map[string]struct {
		ID            string `json:"id"`
		Title         string `json:"title"`
		URL           string `json:"url"`
		IsShort       bool   `json:"isShort"`
		ChannelName   string `json:"channelName"`
		ChannelID     string `json:"channelId"`
		PublishedDate string `json:"publishedDate"`
		StoredAt      string `json:"storedAt"`
	} `json:"videos"`
}

// ImportLegacy imports the JSON state files in dir once. Each file is read
// and written independently; a bad file is recorded in Failures and logged
// but never fails the call. The marker is set even when dir holds nothing,
// so later calls return immediately. Imported files are moved to dir/backup.
// Only errors from the database itself are returned.
func (s *Store) ImportLegacy(dir string) (ImportResult, error) {
	var result ImportResult

	s.mu.Lock()
	defer s.mu.Unlock()

	done, err := s.hasMigration(legacyImportMarker)
	if err != nil {
		return result, err
	}
	if done {
		result.AlreadyDone = true
		return result, nil
	}

	var imported []string
	steps := []struct {
		name string
		run  func(path string) error
	}{
		{legacySubscriptionsFile, func(path string) error { return s.importSubscriptions(path, &result) }},
		{legacyWatchedFile, func(path string) error { return s.importWatched(path, &result) }},
		{legacyItemsFile, func(path string) error { return s.importItems(path, &result) }},
	}
	for _, step := range steps {
		path := filepath.Join(dir, step.name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := step.run(path); err != nil {
			result.Failures = append(result.Failures, ImportFailure{File: step.name, Reason: err.Error()})
			logging.Warn("Legacy import failed", "file", path, "error", err)
			continue
		}
		imported = append(imported, path)
	}

	if result.Items > 0 {
		s.cache.invalidate()
	}

	if err := markMigration(s.db, legacyImportMarker); err != nil {
		return result, err
	}

	if len(imported) > 0 {
		backupDir := filepath.Join(dir, "backup")
		if err := os.MkdirAll(backupDir, 0755); err != nil {
			logging.Warn("Could not create legacy backup dir", "dir", backupDir, "error", err)
			return result, nil
		}
		for _, path := range imported {
			dst := filepath.Join(backupDir, filepath.Base(path))
			if err := os.Rename(path, dst); err != nil {
				logging.Warn("Could not back up legacy file", "file", path, "error", err)
				continue
			}
			result.BackedUpFiles = append(result.BackedUpFiles, dst)
		}
	}

	logging.Info("Legacy import finished",
		"sources", result.Sources,
		"watched", result.Watched,
		"items", result.Items,
		"failures", len(result.Failures))
	return result, nil
}

// Caller must hold s.mu for writing.
func (s *Store) importSubscriptions(path string, result *ImportResult) error {
	var data legacySubscriptions
	if err := readJSON(path, &data); err != nil {
		return err
	}

	return s.inTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, sub := range data.Subscriptions {
			if sub.ID == "" {
				continue
			}
			res, err := tx.Exec("INSERT OR IGNORE INTO sources (id, name, url, added_at) VALUES (?, ?, ?, ?)",
				sub.ID, sub.Name, sub.URL, now)
			if err != nil {
				return fmt.Errorf("insert source %s: %w", sub.ID, err)
			}
			n, _ := res.RowsAffected()
			result.Sources += int(n)
		}
		for id, ts := range data.ChannelLastViewed {
			t, ok := parseLegacyTime(ts)
			if !ok {
				continue
			}
			if _, err := tx.Exec("INSERT OR REPLACE INTO source_views (source_id, last_viewed_at) VALUES (?, ?)",
				id, t.UnixMilli()); err != nil {
				return fmt.Errorf("insert view %s: %w", id, err)
			}
			result.Views++
		}
		result.Settings = data.Settings
		return nil
	})
}

// Caller must hold s.mu for writing.
func (s *Store) importWatched(path string, result *ImportResult) error {
	var data legacyWatched
	if err := readJSON(path, &data); err != nil {
		return err
	}

	return s.inTx(func(tx *sql.Tx) error {
		for id, w := range data.Videos {
			at, ok := parseLegacyTime(w.WatchedAt)
			if !ok {
				at = time.Now()
			}
			res, err := tx.Exec("INSERT OR IGNORE INTO watched (item_id, watched_at) VALUES (?, ?)",
				id, at.UnixMilli())
			if err != nil {
				return fmt.Errorf("insert watched %s: %w", id, err)
			}
			n, _ := res.RowsAffected()
			result.Watched += int(n)
		}
		return nil
	})
}

// Caller must hold s.mu for writing.
func (s *Store) importItems(path string, result *ImportResult) error {
	var data legacyItems
	if err := readJSON(path, &data); err != nil {
		return err
	}

	items := make([]Item, 0, len(data.Videos))
	for key, v := range data.Videos {
		id := v.ID
		if id == "" {
			id = key
		}
		if strings.TrimSpace(id) == "" {
			continue
		}
		it := Item{
			ID:         id,
			Title:      v.Title,
			URL:        v.URL,
			IsShort:    v.IsShort,
			SourceID:   v.ChannelID,
			SourceName: v.ChannelName,
		}
		if t, ok := parseLegacyTime(v.PublishedDate); ok {
			it.Published = &t
		}
		if t, ok := parseLegacyTime(v.StoredAt); ok {
			it.StoredAt = t
		}
		items = append(items, capItem(it))
	}

	return s.inTx(func(tx *sql.Tx) error {
		n, err := insertItems(tx, items)
		if err != nil {
			return err
		}
		result.Items += n
		return nil
	})
}

// inTx runs fn in a transaction. Caller must hold s.mu for writing.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}

// parseLegacyTime accepts RFC 3339 timestamps, with or without fractional
// seconds, and bare dates.
func parseLegacyTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
